package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaURL = "https://notebook.local/schemas/replication-envelope.json"

const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "channel", "senderId", "clock", "payloadRef"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"channel": {"type": "string", "minLength": 1},
		"senderId": {"type": "string", "minLength": 1},
		"targetId": {"type": "string"},
		"clock": {"type": "integer", "minimum": 0},
		"payloadRef": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

type envelopeValidator struct {
	schema *jsonschema.Schema
}

func newEnvelopeValidator() (*envelopeValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &envelopeValidator{schema: schema}, nil
}

// decode validates raw against the envelope schema before unmarshalling it.
func (v *envelopeValidator) decode(raw []byte) (Envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if err := v.schema.Validate(inst); err != nil {
		return Envelope{}, &DecodeError{Reason: "schema validation failed", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid envelope", Err: err}
	}
	return env, nil
}
