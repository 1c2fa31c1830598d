package crdt

import (
	"encoding/json"
	"fmt"
)

type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Op is a single register write or key deletion. Field is empty for deletions.
type Op struct {
	Kind       OpKind          `json:"k"`
	Collection string          `json:"col"`
	Key        string          `json:"key"`
	Field      string          `json:"f,omitempty"`
	Value      json.RawMessage `json:"v,omitempty"`
	Stamp      Stamp           `json:"s"`
}

type Update struct {
	ID      string `json:"id"`
	Replica string `json:"replica"`
	// Origin tags who produced the transaction (a user id, "executor", "remote").
	Origin string `json:"origin,omitempty"`
	Clock  uint64 `json:"clock"`
	Ops    []Op   `json:"ops"`
}

func EncodeUpdate(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if u.ID == "" {
		return Update{}, fmt.Errorf("decode update: missing id")
	}
	for i, op := range u.Ops {
		if op.Collection == "" || op.Key == "" {
			return Update{}, fmt.Errorf("decode update: op %d missing collection or key", i)
		}
		switch op.Kind {
		case OpSet:
			if op.Field == "" {
				return Update{}, fmt.Errorf("decode update: set op %d missing field", i)
			}
		case OpDelete:
		default:
			return Update{}, fmt.Errorf("decode update: op %d has unknown kind %q", i, op.Kind)
		}
	}
	return u, nil
}

// KeyRef names one entry touched by an update.
type KeyRef struct {
	Collection string
	Key        string
}

// Change is what observers receive after a transaction or merge changed state.
type Change struct {
	Update Update
	Local  bool
	Keys   []KeyRef
}

// Touches reports whether the change affected key in collection.
func (c Change) Touches(collection, key string) bool {
	for _, ref := range c.Keys {
		if ref.Collection == collection && ref.Key == key {
			return true
		}
	}
	return false
}

// TouchesCollection reports whether any key in collection changed.
func (c Change) TouchesCollection(collection string) bool {
	for _, ref := range c.Keys {
		if ref.Collection == collection {
			return true
		}
	}
	return false
}
