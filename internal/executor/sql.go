package executor

import (
	"context"
	"strings"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

type sqlExecutor struct {
	r  *Registry
	md execution.SQL
}

func (e *sqlExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.SQLBlock](job)
	if err != nil {
		return err
	}
	// a block with no data source yet has nothing to run
	if block.DataSourceID == nil && !block.IsFileDataSource {
		job.Logger.Debug("sql block has no data source, skipping")
		return nil
	}
	dataframe := strings.TrimSpace(block.DataframeName.Value)
	if !identifierPattern.MatchString(dataframe) {
		return &execution.ValidationError{Code: "invalid-dataframe-name", Message: "sql block needs a valid dataframe name"}
	}

	query := block.Source
	switch {
	case e.md.SelectedCode != nil:
		query = *e.md.SelectedCode
	case e.md.IsSuggestion && block.AISuggestions != nil:
		query = *block.AISuggestions
	}

	req := runtime.QueryRequest{
		WorkspaceID:      e.r.workspaceID,
		SessionID:        e.r.sessionID(job),
		IsFileDataSource: block.IsFileDataSource,
		Query:            query,
		DataframeName:    dataframe,
	}
	if block.DataSourceID != nil {
		req.DataSourceID = *block.DataSourceID
	}
	if block.Result != nil {
		req.Page = block.Result.Page
	}

	sink := &outputSink{publish: func(outs []notebook.Output) {
		_ = update(job, func(b *notebook.SQLBlock) {
			b.Result = &notebook.Result{Kind: notebook.ResultRunning, Outputs: outs}
		})
	}}
	table, err := e.r.gateway.RunQuery(ctx, req, sink.add)
	if err != nil {
		result, err := failure(ctx, err, sink.all())
		if writeErr := update(job, func(b *notebook.SQLBlock) { b.Result = &result }); writeErr != nil {
			job.Logger.Warn("failed to store sql failure", "error", writeErr)
		}
		return err
	}

	if e.md.IsSuggestion && e.md.SelectedCode == nil && block.AISuggestions != nil {
		// a suggestion that ran cleanly becomes the block's source
		block.Source = *block.AISuggestions
	}
	df := e.r.dataframe(job, dataframe, table)
	err = update(job, func(b *notebook.SQLBlock) {
		b.Source = block.Source
		b.Result = &notebook.Result{
			Kind:    notebook.ResultSuccess,
			Outputs: sink.all(),
			Columns: table.Columns,
			Rows:    table.Rows,
			Page:    table.Page,
		}
		if e.md.IsSuggestion {
			b.AISuggestions = nil
		}
	}, df)
	if err != nil {
		return err
	}
	e.r.index(ctx, job, df)
	return nil
}

// sqlRenameExecutor promotes a pending dataframe name and renames the variable
// in the session when the old one exists.
type sqlRenameExecutor struct {
	r *Registry
}

func (e *sqlRenameExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.SQLBlock](job)
	if err != nil {
		return err
	}
	if !block.DataframeName.Pending() {
		return nil
	}
	from := block.DataframeName.Value
	to := strings.TrimSpace(*block.DataframeName.NewValue)
	if !identifierPattern.MatchString(to) {
		_ = update(job, func(b *notebook.SQLBlock) { b.DataframeName.Error = "invalid-dataframe-name" })
		return &execution.ValidationError{Code: "invalid-dataframe-name", Message: to + " is not a valid dataframe name"}
	}
	if _, taken := job.Document.Dataframe(to); taken {
		_ = update(job, func(b *notebook.SQLBlock) { b.DataframeName.Error = "dataframe-name-taken" })
		return &execution.ValidationError{Code: "dataframe-name-taken", Message: to + " is already used"}
	}

	existing, hasExisting := job.Document.Dataframe(from)
	if hasExisting && from != "" {
		err := e.r.gateway.RenameVariable(ctx, runtime.RenameRequest{
			WorkspaceID: e.r.workspaceID,
			SessionID:   e.r.sessionID(job),
			From:        from,
			To:          to,
		})
		if err != nil {
			if isAbort(ctx, err) {
				return execution.ErrAborted
			}
			_ = update(job, func(b *notebook.SQLBlock) { b.DataframeName.Error = err.Error() })
			return err
		}
	}

	_, err = job.Document.ApplyLocalUpdate(origin, func(tx *notebook.Tx) error {
		err := tx.UpdateBlock(job.Item.BlockID, func(b notebook.Block) error {
			sql, ok := b.(*notebook.SQLBlock)
			if !ok {
				return &execution.ValidationError{Code: "block-type-changed", Message: "block is no longer sql"}
			}
			sql.DataframeName = notebook.EditableValue{Value: to}
			return nil
		})
		if err != nil || !hasExisting {
			return err
		}
		tx.DeleteDataframe(from)
		existing.Name = to
		existing.UpdatedAt = e.r.now().UnixMilli()
		return tx.PutDataframe(existing)
	})
	return err
}
