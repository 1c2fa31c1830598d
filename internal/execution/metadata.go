package execution

import (
	"encoding/json"
	"fmt"

	"notebook/api/internal/notebook"
)

// Metadata says which operation an item runs. It is closed; executors are
// picked through MetadataVisitor.
type Metadata interface {
	Tag() string
	Accept(v MetadataVisitor) error
	isMetadata()
}

type MetadataVisitor interface {
	VisitSQL(SQL) error
	VisitSQLRenameDataframe(SQLRenameDataframe) error
	VisitPython(Python) error
	VisitVisualization(Visualization) error
	VisitWriteback(Writeback) error
	VisitTextInputSaveValue(TextInputSaveValue) error
	VisitTextInputRenameVariable(TextInputRenameVariable) error
	VisitDropdownInputSaveValue(DropdownInputSaveValue) error
	VisitDropdownInputRenameVariable(DropdownInputRenameVariable) error
	VisitDateInputSaveValue(DateInputSaveValue) error
	VisitDateInputRenameVariable(DateInputRenameVariable) error
	VisitPivotTable(PivotTable) error
	VisitFileUpload(FileUpload) error
	VisitNoop(Noop) error
}

type SQL struct {
	IsSuggestion bool    `json:"isSuggestion"`
	SelectedCode *string `json:"selectedCode"`
}

type SQLRenameDataframe struct{}

type Python struct {
	IsSuggestion bool `json:"isSuggestion"`
}

type Visualization struct{}

type Writeback struct{}

type TextInputSaveValue struct{}

type TextInputRenameVariable struct{}

type DropdownInputSaveValue struct{}

type DropdownInputRenameVariable struct{}

type DateInputSaveValue struct{}

type DateInputRenameVariable struct{}

type PivotTable struct {
	Page int `json:"page"`
}

type FileUpload struct{}

type Noop struct{}

func (SQL) Tag() string                         { return "sql" }
func (SQLRenameDataframe) Tag() string          { return "sql-rename-dataframe" }
func (Python) Tag() string                      { return "python" }
func (Visualization) Tag() string               { return "visualization" }
func (Writeback) Tag() string                   { return "writeback" }
func (TextInputSaveValue) Tag() string          { return "text-input-save-value" }
func (TextInputRenameVariable) Tag() string     { return "text-input-rename-variable" }
func (DropdownInputSaveValue) Tag() string      { return "dropdown-input-save-value" }
func (DropdownInputRenameVariable) Tag() string { return "dropdown-input-rename-variable" }
func (DateInputSaveValue) Tag() string          { return "date-input-save-value" }
func (DateInputRenameVariable) Tag() string     { return "date-input-rename-variable" }
func (PivotTable) Tag() string                  { return "pivot-table" }
func (FileUpload) Tag() string                  { return "file-upload" }
func (Noop) Tag() string                        { return "noop" }

func (m SQL) Accept(v MetadataVisitor) error                { return v.VisitSQL(m) }
func (m SQLRenameDataframe) Accept(v MetadataVisitor) error { return v.VisitSQLRenameDataframe(m) }
func (m Python) Accept(v MetadataVisitor) error             { return v.VisitPython(m) }
func (m Visualization) Accept(v MetadataVisitor) error      { return v.VisitVisualization(m) }
func (m Writeback) Accept(v MetadataVisitor) error          { return v.VisitWriteback(m) }
func (m TextInputSaveValue) Accept(v MetadataVisitor) error { return v.VisitTextInputSaveValue(m) }
func (m TextInputRenameVariable) Accept(v MetadataVisitor) error {
	return v.VisitTextInputRenameVariable(m)
}
func (m DropdownInputSaveValue) Accept(v MetadataVisitor) error {
	return v.VisitDropdownInputSaveValue(m)
}
func (m DropdownInputRenameVariable) Accept(v MetadataVisitor) error {
	return v.VisitDropdownInputRenameVariable(m)
}
func (m DateInputSaveValue) Accept(v MetadataVisitor) error { return v.VisitDateInputSaveValue(m) }
func (m DateInputRenameVariable) Accept(v MetadataVisitor) error {
	return v.VisitDateInputRenameVariable(m)
}
func (m PivotTable) Accept(v MetadataVisitor) error { return v.VisitPivotTable(m) }
func (m FileUpload) Accept(v MetadataVisitor) error { return v.VisitFileUpload(m) }
func (m Noop) Accept(v MetadataVisitor) error       { return v.VisitNoop(m) }

func (SQL) isMetadata()                         {}
func (SQLRenameDataframe) isMetadata()          {}
func (Python) isMetadata()                      {}
func (Visualization) isMetadata()               {}
func (Writeback) isMetadata()                   {}
func (TextInputSaveValue) isMetadata()          {}
func (TextInputRenameVariable) isMetadata()     {}
func (DropdownInputSaveValue) isMetadata()      {}
func (DropdownInputRenameVariable) isMetadata() {}
func (DateInputSaveValue) isMetadata()          {}
func (DateInputRenameVariable) isMetadata()     {}
func (PivotTable) isMetadata()                  {}
func (FileUpload) isMetadata()                  {}
func (Noop) isMetadata()                        {}

const tagField = "_tag"

// EncodeMetadata writes m as a JSON object carrying its tag in "_tag".
func EncodeMetadata(m Metadata) (json.RawMessage, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", m.Tag(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode metadata %s: %w", m.Tag(), err)
	}
	tag, _ := json.Marshal(m.Tag())
	fields[tagField] = tag
	return json.Marshal(fields)
}

func DecodeMetadata(raw json.RawMessage) (Metadata, error) {
	var head struct {
		Tag string `json:"_tag"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var m Metadata
	switch head.Tag {
	case "sql":
		var v SQL
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode sql metadata: %w", err)
		}
		m = v
	case "python":
		var v Python
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode python metadata: %w", err)
		}
		m = v
	case "pivot-table":
		var v PivotTable
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode pivot metadata: %w", err)
		}
		m = v
	case "sql-rename-dataframe":
		m = SQLRenameDataframe{}
	case "visualization":
		m = Visualization{}
	case "writeback":
		m = Writeback{}
	case "text-input-save-value":
		m = TextInputSaveValue{}
	case "text-input-rename-variable":
		m = TextInputRenameVariable{}
	case "dropdown-input-save-value":
		m = DropdownInputSaveValue{}
	case "dropdown-input-rename-variable":
		m = DropdownInputRenameVariable{}
	case "date-input-save-value":
		m = DateInputSaveValue{}
	case "date-input-rename-variable":
		m = DateInputRenameVariable{}
	case "file-upload":
		m = FileUpload{}
	case "noop":
		m = Noop{}
	default:
		return nil, fmt.Errorf("decode metadata: unknown tag %q", head.Tag)
	}
	return m, nil
}

// DefaultMetadata is what a plain "run" of the block enqueues. Rich text has
// nothing to run and maps to Noop.
func DefaultMetadata(b notebook.Block) Metadata {
	picker := &defaultMetadata{}
	_ = b.Accept(picker)
	return picker.result
}

type defaultMetadata struct {
	result Metadata
}

func (d *defaultMetadata) VisitSQL(*notebook.SQLBlock) error {
	d.result = SQL{}
	return nil
}

func (d *defaultMetadata) VisitPython(*notebook.PythonBlock) error {
	d.result = Python{}
	return nil
}

func (d *defaultMetadata) VisitVisualization(*notebook.VisualizationBlock) error {
	d.result = Visualization{}
	return nil
}

func (d *defaultMetadata) VisitWriteback(*notebook.WritebackBlock) error {
	d.result = Writeback{}
	return nil
}

func (d *defaultMetadata) VisitTextInput(*notebook.TextInputBlock) error {
	d.result = TextInputSaveValue{}
	return nil
}

func (d *defaultMetadata) VisitDropdownInput(*notebook.DropdownInputBlock) error {
	d.result = DropdownInputSaveValue{}
	return nil
}

func (d *defaultMetadata) VisitDateInput(*notebook.DateInputBlock) error {
	d.result = DateInputSaveValue{}
	return nil
}

func (d *defaultMetadata) VisitPivotTable(b *notebook.PivotTableBlock) error {
	d.result = PivotTable{Page: b.Page}
	return nil
}

func (d *defaultMetadata) VisitFileUpload(*notebook.FileUploadBlock) error {
	d.result = FileUpload{}
	return nil
}

func (d *defaultMetadata) VisitRichText(*notebook.RichTextBlock) error {
	d.result = Noop{}
	return nil
}
