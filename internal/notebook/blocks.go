// Package notebook is the typed view over a notebook's replicated state.
package notebook

import "encoding/json"

type BlockType string

const (
	TypeSQL           BlockType = "sql"
	TypePython        BlockType = "python"
	TypeVisualization BlockType = "visualization"
	TypeWriteback     BlockType = "writeback"
	TypeTextInput     BlockType = "input-text"
	TypeDropdownInput BlockType = "input-dropdown"
	TypeDateInput     BlockType = "input-date"
	TypePivotTable    BlockType = "pivot-table"
	TypeFileUpload    BlockType = "file-upload"
	TypeRichText      BlockType = "rich-text"
)

// Block is closed: only the variants in this file implement it. Dispatch goes
// through Visitor so a new variant fails to compile until every site handles it.
type Block interface {
	Base() *BlockBase
	Type() BlockType
	Accept(v Visitor) error
	isBlock()
}

type Visitor interface {
	VisitSQL(*SQLBlock) error
	VisitPython(*PythonBlock) error
	VisitVisualization(*VisualizationBlock) error
	VisitWriteback(*WritebackBlock) error
	VisitTextInput(*TextInputBlock) error
	VisitDropdownInput(*DropdownInputBlock) error
	VisitDateInput(*DateInputBlock) error
	VisitPivotTable(*PivotTableBlock) error
	VisitFileUpload(*FileUploadBlock) error
	VisitRichText(*RichTextBlock) error
}

type BlockBase struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Index int    `json:"index"`
}

// EditableValue holds a committed value plus a pending edit that an executor
// validates and either promotes or rejects with Error.
type EditableValue struct {
	Value    string  `json:"value"`
	NewValue *string `json:"newValue,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Pending reports whether NewValue differs from Value.
func (e EditableValue) Pending() bool {
	return e.NewValue != nil && *e.NewValue != e.Value
}

type OutputType string

const (
	OutputStream  OutputType = "stream"
	OutputDisplay OutputType = "display"
	OutputError   OutputType = "error"
)

// Output is one chunk streamed by the runtime.
type Output struct {
	Type      OutputType                 `json:"type"`
	Name      string                     `json:"name,omitempty"`
	Text      string                     `json:"text,omitempty"`
	Data      map[string]json.RawMessage `json:"data,omitempty"`
	EName     string                     `json:"ename,omitempty"`
	EValue    string                     `json:"evalue,omitempty"`
	Traceback []string                   `json:"traceback,omitempty"`
}

type ResultKind string

const (
	ResultSuccess     ResultKind = "success"
	ResultError       ResultKind = "error"
	ResultAbortError  ResultKind = "abort-error"
	ResultSyntaxError ResultKind = "syntax-error"
	ResultRunning     ResultKind = "running"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Result struct {
	Kind    ResultKind `json:"kind"`
	Outputs []Output   `json:"outputs,omitempty"`
	Columns []Column   `json:"columns,omitempty"`
	Rows    int        `json:"rows,omitempty"`
	Page    int        `json:"page,omitempty"`
	Message string     `json:"message,omitempty"`
}

type SQLBlock struct {
	BlockBase
	Source           string        `json:"source"`
	DataSourceID     *string       `json:"dataSourceId"`
	IsFileDataSource bool          `json:"isFileDataSource"`
	DataframeName    EditableValue `json:"dataframeName"`
	Result           *Result       `json:"result,omitempty"`
	AISuggestions    *string       `json:"aiSuggestions,omitempty"`
}

type PythonBlock struct {
	BlockBase
	Source        string  `json:"source"`
	Result        *Result `json:"result,omitempty"`
	AISuggestions *string `json:"aiSuggestions,omitempty"`
}

type VisualizationBlock struct {
	BlockBase
	DataframeName string          `json:"dataframeName"`
	DataSourceID  *string         `json:"dataSourceId,omitempty"`
	ChartType     string          `json:"chartType"`
	XAxis         string          `json:"xAxis"`
	YAxis         []string        `json:"yAxis"`
	Spec          json.RawMessage `json:"spec,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type WritebackStep string

const (
	StepValidation       WritebackStep = "validation"
	StepSchemaInspection WritebackStep = "schema-inspection"
	StepCleanup          WritebackStep = "cleanup"
	StepInsert           WritebackStep = "insert"
)

type WritebackResult struct {
	Success      bool          `json:"success"`
	Step         WritebackStep `json:"step,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	RowsInserted int           `json:"rowsInserted,omitempty"`
	Aborted      bool          `json:"aborted,omitempty"`
}

type WritebackBlock struct {
	BlockBase
	DataframeName  string           `json:"dataframeName"`
	DataSourceID   *string          `json:"dataSourceId"`
	TableName      string           `json:"tableName"`
	OverwriteTable bool             `json:"overwriteTable"`
	Result         *WritebackResult `json:"result,omitempty"`
}

type TextInputBlock struct {
	BlockBase
	Variable EditableValue `json:"variable"`
	Value    EditableValue `json:"value"`
}

type DropdownInputBlock struct {
	BlockBase
	Variable EditableValue `json:"variable"`
	Value    EditableValue `json:"value"`
	Options  []string      `json:"options"`
}

type DateInputBlock struct {
	BlockBase
	Variable EditableValue `json:"variable"`
	Value    EditableValue `json:"value"`
}

type PivotMeasure struct {
	Column      string `json:"column"`
	Aggregation string `json:"aggregation"`
}

type PivotTableBlock struct {
	BlockBase
	DataframeName string         `json:"dataframeName"`
	Rows          []string       `json:"rows"`
	Columns       []string       `json:"columns"`
	Measures      []PivotMeasure `json:"measures"`
	Variable      EditableValue  `json:"variable"`
	Page          int            `json:"page"`
	Result        *Result        `json:"result,omitempty"`
}

type FileUploadBlock struct {
	BlockBase
	FileName string        `json:"fileName"`
	FileRef  string        `json:"fileRef"`
	Variable EditableValue `json:"variable"`
	Result   *Result       `json:"result,omitempty"`
}

type RichTextBlock struct {
	BlockBase
	Content string `json:"content"`
}

func (b *SQLBlock) Base() *BlockBase           { return &b.BlockBase }
func (b *PythonBlock) Base() *BlockBase        { return &b.BlockBase }
func (b *VisualizationBlock) Base() *BlockBase { return &b.BlockBase }
func (b *WritebackBlock) Base() *BlockBase     { return &b.BlockBase }
func (b *TextInputBlock) Base() *BlockBase     { return &b.BlockBase }
func (b *DropdownInputBlock) Base() *BlockBase { return &b.BlockBase }
func (b *DateInputBlock) Base() *BlockBase     { return &b.BlockBase }
func (b *PivotTableBlock) Base() *BlockBase    { return &b.BlockBase }
func (b *FileUploadBlock) Base() *BlockBase    { return &b.BlockBase }
func (b *RichTextBlock) Base() *BlockBase      { return &b.BlockBase }

func (*SQLBlock) Type() BlockType           { return TypeSQL }
func (*PythonBlock) Type() BlockType        { return TypePython }
func (*VisualizationBlock) Type() BlockType { return TypeVisualization }
func (*WritebackBlock) Type() BlockType     { return TypeWriteback }
func (*TextInputBlock) Type() BlockType     { return TypeTextInput }
func (*DropdownInputBlock) Type() BlockType { return TypeDropdownInput }
func (*DateInputBlock) Type() BlockType     { return TypeDateInput }
func (*PivotTableBlock) Type() BlockType    { return TypePivotTable }
func (*FileUploadBlock) Type() BlockType    { return TypeFileUpload }
func (*RichTextBlock) Type() BlockType      { return TypeRichText }

func (b *SQLBlock) Accept(v Visitor) error           { return v.VisitSQL(b) }
func (b *PythonBlock) Accept(v Visitor) error        { return v.VisitPython(b) }
func (b *VisualizationBlock) Accept(v Visitor) error { return v.VisitVisualization(b) }
func (b *WritebackBlock) Accept(v Visitor) error     { return v.VisitWriteback(b) }
func (b *TextInputBlock) Accept(v Visitor) error     { return v.VisitTextInput(b) }
func (b *DropdownInputBlock) Accept(v Visitor) error { return v.VisitDropdownInput(b) }
func (b *DateInputBlock) Accept(v Visitor) error     { return v.VisitDateInput(b) }
func (b *PivotTableBlock) Accept(v Visitor) error    { return v.VisitPivotTable(b) }
func (b *FileUploadBlock) Accept(v Visitor) error    { return v.VisitFileUpload(b) }
func (b *RichTextBlock) Accept(v Visitor) error      { return v.VisitRichText(b) }

func (*SQLBlock) isBlock()           {}
func (*PythonBlock) isBlock()        {}
func (*VisualizationBlock) isBlock() {}
func (*WritebackBlock) isBlock()     {}
func (*TextInputBlock) isBlock()     {}
func (*DropdownInputBlock) isBlock() {}
func (*DateInputBlock) isBlock()     {}
func (*PivotTableBlock) isBlock()    {}
func (*FileUploadBlock) isBlock()    {}
func (*RichTextBlock) isBlock()      {}

// NewBlock returns an empty variant for t, or nil when t is unknown.
func NewBlock(t BlockType) Block {
	switch t {
	case TypeSQL:
		return &SQLBlock{}
	case TypePython:
		return &PythonBlock{}
	case TypeVisualization:
		return &VisualizationBlock{}
	case TypeWriteback:
		return &WritebackBlock{}
	case TypeTextInput:
		return &TextInputBlock{}
	case TypeDropdownInput:
		return &DropdownInputBlock{}
	case TypeDateInput:
		return &DateInputBlock{}
	case TypePivotTable:
		return &PivotTableBlock{}
	case TypeFileUpload:
		return &FileUploadBlock{}
	case TypeRichText:
		return &RichTextBlock{}
	default:
		return nil
	}
}

// IsRunnable reports whether the block takes part in run-all.
func IsRunnable(b Block) bool {
	return b.Type() != TypeRichText
}
