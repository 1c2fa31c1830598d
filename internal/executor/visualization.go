package executor

import (
	"context"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

type visualizationExecutor struct {
	r *Registry
}

func (e *visualizationExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.VisualizationBlock](job)
	if err != nil {
		return err
	}
	// half-configured charts are a normal editing state, not a failure
	if !chartReady(job.Document, block) {
		return update(job, func(b *notebook.VisualizationBlock) {
			b.Spec = nil
			b.Error = ""
		})
	}

	spec, err := e.r.gateway.CreateVisualization(ctx, runtime.VisualizationRequest{
		WorkspaceID:   e.r.workspaceID,
		SessionID:     e.r.sessionID(job),
		DataframeName: block.DataframeName,
		ChartType:     block.ChartType,
		XAxis:         block.XAxis,
		YAxis:         block.YAxis,
	})
	if err != nil {
		if isAbort(ctx, err) {
			// the previous chart stays, an old error does not
			if writeErr := update(job, func(b *notebook.VisualizationBlock) { b.Error = "" }); writeErr != nil {
				job.Logger.Warn("failed to clear visualization error", "error", writeErr)
			}
			return execution.ErrAborted
		}
		message := err.Error()
		if writeErr := update(job, func(b *notebook.VisualizationBlock) { b.Error = message }); writeErr != nil {
			job.Logger.Warn("failed to store visualization error", "error", writeErr)
		}
		return err
	}
	return update(job, func(b *notebook.VisualizationBlock) {
		b.Spec = spec
		b.Error = ""
	})
}

func chartReady(doc *notebook.Document, b *notebook.VisualizationBlock) bool {
	if b.DataframeName == "" || b.ChartType == "" || b.XAxis == "" || len(b.YAxis) == 0 {
		return false
	}
	df, ok := doc.Dataframe(b.DataframeName)
	if !ok {
		return false
	}
	return hasColumns(df, append([]string{b.XAxis}, b.YAxis...))
}

func hasColumns(df notebook.Dataframe, names []string) bool {
	known := make(map[string]struct{}, len(df.Columns))
	for _, c := range df.Columns {
		known[c.Name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return false
		}
	}
	return true
}
