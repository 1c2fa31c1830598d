package executor

import (
	"context"
	"fmt"
	"strings"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

type fileUploadExecutor struct {
	r *Registry
}

func (e *fileUploadExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.FileUploadBlock](job)
	if err != nil {
		return err
	}
	if block.FileRef == "" {
		return &execution.ValidationError{Code: "missing-file", Message: "upload a file first"}
	}
	variable := strings.TrimSpace(block.Variable.Value)
	if !identifierPattern.MatchString(variable) {
		return &execution.ValidationError{Code: "invalid-variable-name", Message: fmt.Sprintf("%q is not a valid variable name", variable)}
	}

	table, err := e.r.gateway.RegisterFile(ctx, runtime.FileRequest{
		WorkspaceID: e.r.workspaceID,
		SessionID:   e.r.sessionID(job),
		FileRef:     block.FileRef,
		FileName:    block.FileName,
		Variable:    variable,
	})
	if err != nil {
		result, err := failure(ctx, err, nil)
		if writeErr := update(job, func(b *notebook.FileUploadBlock) { b.Result = &result }); writeErr != nil {
			job.Logger.Warn("failed to store file upload failure", "error", writeErr)
		}
		return err
	}

	df := e.r.dataframe(job, variable, table)
	err = update(job, func(b *notebook.FileUploadBlock) {
		b.Result = &notebook.Result{Kind: notebook.ResultSuccess, Columns: table.Columns, Rows: table.Rows}
	}, df)
	if err != nil {
		return err
	}
	e.r.index(ctx, job, df)
	return nil
}
