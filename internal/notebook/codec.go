package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"

	"notebook/api/internal/crdt"
)

// Collection names inside the replicated document.
const (
	CollectionBlocks     = "blocks"
	CollectionLayout     = "layout"
	CollectionDashboard  = "dashboard"
	CollectionDataframes = "dataframes"
	CollectionMeta       = "meta"
)

const typeField = "type"

var nullJSON = []byte("null")

// Each top-level JSON field of a block is its own register, so a result written
// by an executor never overwrites a concurrent source edit.
func encodeBlockFields(b Block) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode block %s: %w", b.Base().ID, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode block %s: %w", b.Base().ID, err)
	}
	typ, _ := json.Marshal(b.Type())
	fields[typeField] = typ
	return fields, nil
}

func decodeBlockFields(id string, fields map[string]json.RawMessage) (Block, error) {
	var typ BlockType
	if raw, ok := fields[typeField]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil, fmt.Errorf("decode block %s type: %w", id, err)
		}
	}
	b := NewBlock(typ)
	if b == nil {
		return nil, fmt.Errorf("decode block %s: unknown type %q", id, typ)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("decode block %s: %w", id, err)
	}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", id, err)
	}
	b.Base().ID = id
	return b, nil
}

func readBlock(v crdt.View, id string) (Block, error) {
	fields := v.Fields(CollectionBlocks, id)
	if !hasType(fields) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	return decodeBlockFields(id, fields)
}

// hasType: fields written after a concurrent delete revive the key without
// its type register. Such a remnant is not a block.
func hasType(fields map[string]json.RawMessage) bool {
	_, ok := fields[typeField]
	return ok
}

// writeBlock only emits ops for fields whose encoding changed.
func writeBlock(tx *crdt.Txn, b Block) error {
	id := b.Base().ID
	if id == "" {
		return fmt.Errorf("write block: empty id")
	}
	next, err := encodeBlockFields(b)
	if err != nil {
		return err
	}
	current := tx.Fields(CollectionBlocks, id)
	for name, raw := range next {
		prev, ok := current[name]
		if ok && bytes.Equal(prev, raw) {
			continue
		}
		if !ok && bytes.Equal(raw, nullJSON) {
			continue
		}
		tx.SetRaw(CollectionBlocks, id, name, raw)
	}
	for name := range current {
		if _, ok := next[name]; !ok {
			tx.Unset(CollectionBlocks, id, name)
		}
	}
	return nil
}
