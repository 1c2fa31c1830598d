package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// stepError is a failure tagged with the pipeline step it happened in.
type stepError struct {
	step notebook.WritebackStep
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("writeback %s: %v", e.step, e.err) }

func (e *stepError) Unwrap() error { return e.err }

type writebackExecutor struct {
	r *Registry
}

func (e *writebackExecutor) Execute(ctx context.Context, job execution.Job) error {
	block, err := blockAs[*notebook.WritebackBlock](job)
	if err != nil {
		return err
	}
	rows, err := e.run(ctx, job, block)

	var result notebook.WritebackResult
	var se *stepError
	tagged := errors.As(err, &se)
	switch {
	case err == nil:
		result = notebook.WritebackResult{Success: true, RowsInserted: rows}
	case isAbort(ctx, err):
		result = notebook.WritebackResult{Aborted: true}
		if tagged {
			result.Step = se.step
		}
		err = execution.ErrAborted
	default:
		result = notebook.WritebackResult{Reason: err.Error()}
		if tagged {
			result.Step = se.step
			result.Reason = se.err.Error()
		}
	}
	if writeErr := update(job, func(b *notebook.WritebackBlock) { b.Result = &result }); writeErr != nil {
		job.Logger.Warn("failed to store writeback result", "error", writeErr)
	}
	return err
}

func (e *writebackExecutor) run(ctx context.Context, job execution.Job, block *notebook.WritebackBlock) (int, error) {
	if block.DataSourceID == nil || strings.TrimSpace(*block.DataSourceID) == "" {
		return 0, &stepError{notebook.StepValidation, &execution.ValidationError{Code: "missing-data-source", Message: "choose a destination data source"}}
	}
	table := strings.TrimSpace(block.TableName)
	if !tableNamePattern.MatchString(table) {
		return 0, &stepError{notebook.StepValidation, &execution.ValidationError{Code: "invalid-table-name", Message: fmt.Sprintf("%q is not a valid table name", table)}}
	}
	df, ok := job.Document.Dataframe(block.DataframeName)
	if !ok {
		return 0, &stepError{notebook.StepValidation, &execution.ValidationError{Code: "dataframe-not-found", Message: fmt.Sprintf("dataframe %q does not exist", block.DataframeName)}}
	}

	ref := runtime.TableRef{
		WorkspaceID:  e.r.workspaceID,
		SessionID:    e.r.sessionID(job),
		DataSourceID: *block.DataSourceID,
		TableName:    table,
	}
	schema, err := e.r.gateway.InspectTable(ctx, ref)
	if err != nil {
		return 0, &stepError{notebook.StepSchemaInspection, err}
	}
	if schema.Exists && !block.OverwriteTable {
		if missing := missingColumns(df, schema); len(missing) > 0 {
			return 0, &stepError{notebook.StepSchemaInspection, &execution.ValidationError{
				Code:    "schema-mismatch",
				Message: "table has no columns " + strings.Join(missing, ", "),
			}}
		}
	}
	if schema.Exists && block.OverwriteTable {
		if err := e.r.gateway.DropTable(ctx, ref); err != nil {
			return 0, &stepError{notebook.StepCleanup, err}
		}
	}
	rows, err := e.r.gateway.InsertDataframe(ctx, ref, df.Name)
	if err != nil {
		return 0, &stepError{notebook.StepInsert, err}
	}
	job.Logger.Info("writeback finished", "table", table, "rows", rows)
	return rows, nil
}

func missingColumns(df notebook.Dataframe, schema runtime.TableSchema) []string {
	existing := make(map[string]struct{}, len(schema.Columns))
	for _, c := range schema.Columns {
		existing[strings.ToLower(c.Name)] = struct{}{}
	}
	var missing []string
	for _, c := range df.Columns {
		if _, ok := existing[strings.ToLower(c.Name)]; !ok {
			missing = append(missing, c.Name)
		}
	}
	return missing
}
