package executor

import (
	"context"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

type pivotExecutor struct {
	r  *Registry
	md execution.PivotTable
}

func (e *pivotExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.PivotTableBlock](job)
	if err != nil {
		return err
	}
	if !pivotReady(job.Document, block) {
		return update(job, func(b *notebook.PivotTableBlock) { b.Result = nil })
	}

	table, err := e.r.gateway.Pivot(ctx, runtime.PivotRequest{
		WorkspaceID:   e.r.workspaceID,
		SessionID:     e.r.sessionID(job),
		DataframeName: block.DataframeName,
		Rows:          block.Rows,
		Columns:       block.Columns,
		Measures:      block.Measures,
		Variable:      block.Variable.Value,
		Page:          e.md.Page,
	})
	if err != nil {
		result, err := failure(ctx, err, nil)
		if writeErr := update(job, func(b *notebook.PivotTableBlock) { b.Result = &result }); writeErr != nil {
			job.Logger.Warn("failed to store pivot failure", "error", writeErr)
		}
		return err
	}

	var dataframes []notebook.Dataframe
	if identifierPattern.MatchString(block.Variable.Value) {
		dataframes = append(dataframes, e.r.dataframe(job, block.Variable.Value, table))
	}
	err = update(job, func(b *notebook.PivotTableBlock) {
		b.Page = e.md.Page
		b.Result = &notebook.Result{
			Kind:    notebook.ResultSuccess,
			Columns: table.Columns,
			Rows:    table.Rows,
			Page:    e.md.Page,
		}
	}, dataframes...)
	if err != nil {
		return err
	}
	for _, df := range dataframes {
		e.r.index(ctx, job, df)
	}
	return nil
}

// pivotReady is false while the user is still picking fields.
func pivotReady(doc *notebook.Document, b *notebook.PivotTableBlock) bool {
	if b.DataframeName == "" || len(b.Measures) == 0 || len(b.Rows)+len(b.Columns) == 0 {
		return false
	}
	df, ok := doc.Dataframe(b.DataframeName)
	if !ok {
		return false
	}
	names := append(append([]string{}, b.Rows...), b.Columns...)
	for _, m := range b.Measures {
		names = append(names, m.Column)
	}
	return hasColumns(df, names)
}
