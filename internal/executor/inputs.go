package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/runtime"
)

type inputKind string

const (
	inputText     inputKind = "text"
	inputDropdown inputKind = "dropdown"
	inputDate     inputKind = "date"
)

const dateLayout = "2006-01-02"

// inputFields returns the editable fields of b when it is an input of kind.
func inputFields(b notebook.Block, kind inputKind) (variable, value *notebook.EditableValue, options []string, ok bool) {
	switch typed := b.(type) {
	case *notebook.TextInputBlock:
		return &typed.Variable, &typed.Value, nil, kind == inputText
	case *notebook.DropdownInputBlock:
		return &typed.Variable, &typed.Value, typed.Options, kind == inputDropdown
	case *notebook.DateInputBlock:
		return &typed.Variable, &typed.Value, nil, kind == inputDate
	}
	return nil, nil, nil, false
}

func updateInput(job execution.Job, kind inputKind, fn func(variable, value *notebook.EditableValue)) error {
	return job.Document.UpdateBlock(origin, job.Item.BlockID, func(b notebook.Block) error {
		variable, value, _, ok := inputFields(b, kind)
		if !ok {
			return &execution.ValidationError{Code: "block-type-changed", Message: fmt.Sprintf("block is now %s", b.Type())}
		}
		fn(variable, value)
		return nil
	})
}

func mismatch(job execution.Job) error {
	return &execution.ValidationError{
		Code:    "block-type-mismatch",
		Message: fmt.Sprintf("%s cannot run on a %s block", job.Metadata.Tag(), job.Block.Type()),
	}
}

func validateInputValue(kind inputKind, value string, options []string) string {
	switch kind {
	case inputDropdown:
		if len(options) > 0 && !slices.Contains(options, value) {
			return "invalid-option"
		}
	case inputDate:
		if value != "" {
			if _, err := time.Parse(dateLayout, value); err != nil {
				return "invalid-date"
			}
		}
	}
	return ""
}

// inputSaveExecutor pushes the pending value of an input into the session.
type inputSaveExecutor struct {
	r    *Registry
	kind inputKind
}

func (e *inputSaveExecutor) Execute(ctx context.Context, job execution.Job) error {
	variable, value, options, ok := inputFields(job.Block, e.kind)
	if !ok {
		return mismatch(job)
	}
	name := strings.TrimSpace(variable.Value)
	if !identifierPattern.MatchString(name) {
		_ = updateInput(job, e.kind, func(_, v *notebook.EditableValue) { v.Error = "invalid-variable-name" })
		return &execution.ValidationError{Code: "invalid-variable-name", Message: fmt.Sprintf("%q is not a valid variable name", name)}
	}
	next := value.Value
	if value.NewValue != nil {
		next = *value.NewValue
	}
	if reason := validateInputValue(e.kind, next, options); reason != "" {
		_ = updateInput(job, e.kind, func(_, v *notebook.EditableValue) { v.Error = reason })
		return &execution.ValidationError{Code: reason, Message: fmt.Sprintf("%q is not accepted", next)}
	}

	err := e.r.gateway.SetVariable(ctx, runtime.VariableRequest{
		WorkspaceID: e.r.workspaceID,
		SessionID:   e.r.sessionID(job),
		Name:        name,
		Kind:        string(e.kind),
		Value:       next,
	})
	if err != nil {
		if isAbort(ctx, err) {
			return execution.ErrAborted
		}
		message := err.Error()
		_ = updateInput(job, e.kind, func(_, v *notebook.EditableValue) { v.Error = message })
		return err
	}
	return updateInput(job, e.kind, func(_, v *notebook.EditableValue) {
		// a newer edit that arrived meanwhile stays pending
		if v.NewValue == nil || *v.NewValue == next {
			v.Value = next
			v.NewValue = nil
		}
		v.Error = ""
	})
}

// inputRenameExecutor moves the session variable to the pending name.
type inputRenameExecutor struct {
	r    *Registry
	kind inputKind
}

func (e *inputRenameExecutor) Execute(ctx context.Context, job execution.Job) error {
	variable, value, _, ok := inputFields(job.Block, e.kind)
	if !ok {
		return mismatch(job)
	}
	if !variable.Pending() {
		return nil
	}
	to := strings.TrimSpace(*variable.NewValue)
	if !identifierPattern.MatchString(to) {
		_ = updateInput(job, e.kind, func(v, _ *notebook.EditableValue) { v.Error = "invalid-variable-name" })
		return &execution.ValidationError{Code: "invalid-variable-name", Message: fmt.Sprintf("%q is not a valid variable name", to)}
	}

	var err error
	if variable.Value == "" {
		err = e.r.gateway.SetVariable(ctx, runtime.VariableRequest{
			WorkspaceID: e.r.workspaceID,
			SessionID:   e.r.sessionID(job),
			Name:        to,
			Kind:        string(e.kind),
			Value:       value.Value,
		})
	} else {
		err = e.r.gateway.RenameVariable(ctx, runtime.RenameRequest{
			WorkspaceID: e.r.workspaceID,
			SessionID:   e.r.sessionID(job),
			From:        variable.Value,
			To:          to,
		})
	}
	if err != nil {
		if isAbort(ctx, err) {
			return execution.ErrAborted
		}
		message := err.Error()
		_ = updateInput(job, e.kind, func(v, _ *notebook.EditableValue) { v.Error = message })
		return err
	}
	return updateInput(job, e.kind, func(v, _ *notebook.EditableValue) {
		*v = notebook.EditableValue{Value: to}
	})
}
