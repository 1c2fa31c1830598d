package aitask

import (
	"encoding/json"
	"fmt"
)

// Metadata is the AI operation a task performs. It is closed.
type Metadata interface {
	Tag() string
	Accept(v MetadataVisitor) error
	isMetadata()
}

type MetadataVisitor interface {
	VisitEditPython(EditPython) error
	VisitFixPython(FixPython) error
	VisitEditSQL(EditSQL) error
	VisitFixSQL(FixSQL) error
}

type EditPython struct {
	Prompt string `json:"prompt"`
}

type FixPython struct{}

type EditSQL struct {
	Prompt string `json:"prompt"`
}

type FixSQL struct{}

func (EditPython) Tag() string { return "edit-python" }
func (FixPython) Tag() string  { return "fix-python" }
func (EditSQL) Tag() string    { return "edit-sql" }
func (FixSQL) Tag() string     { return "fix-sql" }

func (m EditPython) Accept(v MetadataVisitor) error { return v.VisitEditPython(m) }
func (m FixPython) Accept(v MetadataVisitor) error  { return v.VisitFixPython(m) }
func (m EditSQL) Accept(v MetadataVisitor) error    { return v.VisitEditSQL(m) }
func (m FixSQL) Accept(v MetadataVisitor) error     { return v.VisitFixSQL(m) }

func (EditPython) isMetadata() {}
func (FixPython) isMetadata()  {}
func (EditSQL) isMetadata()    {}
func (FixSQL) isMetadata()     {}

func EncodeMetadata(m Metadata) (json.RawMessage, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode ai metadata %s: %w", m.Tag(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode ai metadata %s: %w", m.Tag(), err)
	}
	fields["_tag"], _ = json.Marshal(m.Tag())
	return json.Marshal(fields)
}

func DecodeMetadata(raw json.RawMessage) (Metadata, error) {
	var head struct {
		Tag    string `json:"_tag"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode ai metadata: %w", err)
	}
	switch head.Tag {
	case "edit-python":
		return EditPython{Prompt: head.Prompt}, nil
	case "fix-python":
		return FixPython{}, nil
	case "edit-sql":
		return EditSQL{Prompt: head.Prompt}, nil
	case "fix-sql":
		return FixSQL{}, nil
	}
	return nil, fmt.Errorf("decode ai metadata: unknown tag %q", head.Tag)
}
