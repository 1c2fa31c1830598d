package executor

import (
	"context"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

type pythonExecutor struct {
	r  *Registry
	md execution.Python
}

func (e *pythonExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.PythonBlock](job)
	if err != nil {
		return err
	}
	code := block.Source
	if e.md.IsSuggestion && block.AISuggestions != nil {
		code = *block.AISuggestions
	}

	sink := &outputSink{publish: func(outs []notebook.Output) {
		_ = update(job, func(b *notebook.PythonBlock) {
			b.Result = &notebook.Result{Kind: notebook.ResultRunning, Outputs: outs}
		})
	}}
	handle, err := e.r.gateway.Execute(ctx, e.r.workspaceID, e.r.sessionID(job), code, sink.add, runtime.ExecuteOptions{})
	if err == nil {
		err = runtime.Await(ctx, handle)
	}
	outputs := sink.all()
	if err == nil {
		if execErr := runtime.ErrorFromOutputs(outputs); execErr != nil {
			err = execErr
		}
	}
	if err != nil {
		result, err := failure(ctx, err, outputs)
		if writeErr := update(job, func(b *notebook.PythonBlock) { b.Result = &result }); writeErr != nil {
			job.Logger.Warn("failed to store python failure", "error", writeErr)
		}
		return err
	}

	return update(job, func(b *notebook.PythonBlock) {
		if e.md.IsSuggestion && block.AISuggestions != nil {
			b.Source = code
			b.AISuggestions = nil
		}
		b.Result = &notebook.Result{Kind: notebook.ResultSuccess, Outputs: outputs}
	})
}
