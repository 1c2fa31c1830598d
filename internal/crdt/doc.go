package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"notebook/api/internal/util"
)

const seenLimit = 4096

var nullValue = json.RawMessage("null")

type register struct {
	value json.RawMessage
	stamp Stamp
}

type entry struct {
	deleted Stamp
	fields  map[string]register
}

func (e *entry) clone() *entry {
	c := &entry{deleted: e.deleted, fields: make(map[string]register, len(e.fields))}
	for k, v := range e.fields {
		c.fields[k] = v
	}
	return c
}

// visible: at least one field was written after the latest deletion.
func (e *entry) visible() bool {
	for _, r := range e.fields {
		if e.deleted.Less(r.stamp) {
			return true
		}
	}
	return false
}

func (e *entry) field(name string) (json.RawMessage, bool) {
	r, ok := e.fields[name]
	if !ok || !e.deleted.Less(r.stamp) || bytes.Equal(r.value, nullValue) {
		return nil, false
	}
	return r.value, true
}

type Observer func(Change)

// Doc is one replica. All mutation goes through Transact or Apply; observers run
// after the document lock is released and must not block.
type Doc struct {
	mu        sync.Mutex
	replica   string
	clock     uint64
	cols      map[string]map[string]*entry
	seen      map[string]struct{}
	seenOrder []string

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

func NewDoc(replica string) *Doc {
	if replica == "" {
		replica = util.NewID("replica")
	}
	return &Doc{
		replica:   replica,
		cols:      map[string]map[string]*entry{},
		seen:      map[string]struct{}{},
		observers: map[int]Observer{},
	}
}

func (d *Doc) Replica() string { return d.replica }

func (d *Doc) Clock() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

func (d *Doc) Observe(fn Observer) func() {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()
	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Doc) notify(change Change) {
	if len(change.Keys) == 0 {
		return
	}
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// Transact runs fn against the document under its lock. Ops staged by fn are
// rolled back if fn returns an error. fn must not call other Doc methods.
func (d *Doc) Transact(origin string, fn func(*Txn) error) (Update, error) {
	d.mu.Lock()
	txn := &Txn{View: View{doc: d}, doc: d, startClock: d.clock, undo: map[KeyRef]*entry{}}
	if err := fn(txn); err != nil {
		txn.rollback()
		d.mu.Unlock()
		return Update{}, err
	}
	if len(txn.ops) == 0 {
		d.mu.Unlock()
		return Update{}, nil
	}
	update := Update{
		ID:      util.NewID("upd"),
		Replica: d.replica,
		Origin:  origin,
		Clock:   d.clock,
		Ops:     txn.ops,
	}
	d.remember(update.ID)
	keys := txn.touched()
	d.mu.Unlock()

	d.notify(Change{Update: update, Local: true, Keys: keys})
	return update, nil
}

// Apply merges a remote update. It reports false when the update was already seen.
func (d *Doc) Apply(update Update) bool {
	d.mu.Lock()
	if _, ok := d.seen[update.ID]; ok && update.ID != "" {
		d.mu.Unlock()
		return false
	}
	if update.ID != "" {
		d.remember(update.ID)
	}
	changed := d.merge(update.Ops)
	d.mu.Unlock()

	d.notify(Change{Update: update, Local: false, Keys: changed})
	return true
}

func (d *Doc) merge(ops []Op) []KeyRef {
	var changed []KeyRef
	marked := map[KeyRef]bool{}
	for _, op := range ops {
		if op.Stamp.Clock > d.clock {
			d.clock = op.Stamp.Clock
		}
		ref := KeyRef{Collection: op.Collection, Key: op.Key}
		if d.mergeOp(op) && !marked[ref] {
			marked[ref] = true
			changed = append(changed, ref)
		}
	}
	return changed
}

func (d *Doc) entryFor(collection, key string, create bool) *entry {
	col, ok := d.cols[collection]
	if !ok {
		if !create {
			return nil
		}
		col = map[string]*entry{}
		d.cols[collection] = col
	}
	e, ok := col[key]
	if !ok && create {
		e = &entry{fields: map[string]register{}}
		col[key] = e
	}
	return e
}

func (d *Doc) mergeOp(op Op) bool {
	e := d.entryFor(op.Collection, op.Key, true)
	switch op.Kind {
	case OpDelete:
		if e.deleted.Less(op.Stamp) {
			e.deleted = op.Stamp
			return true
		}
	case OpSet:
		current, ok := e.fields[op.Field]
		if !ok || current.stamp.Less(op.Stamp) {
			value := op.Value
			if len(value) == 0 {
				value = nullValue
			}
			e.fields[op.Field] = register{value: value, stamp: op.Stamp}
			return true
		}
	}
	return false
}

func (d *Doc) remember(id string) {
	d.seen[id] = struct{}{}
	d.seenOrder = append(d.seenOrder, id)
	if len(d.seenOrder) > seenLimit {
		drop := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, drop)
	}
}

// Read runs fn with a read-only view under the document lock.
func (d *Doc) Read(fn func(View)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(View{doc: d})
}

// Snapshot returns the whole state as one idempotent update.
func (d *Doc) Snapshot() Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []Op
	colNames := make([]string, 0, len(d.cols))
	for name := range d.cols {
		colNames = append(colNames, name)
	}
	sort.Strings(colNames)
	for _, colName := range colNames {
		col := d.cols[colName]
		keys := make([]string, 0, len(col))
		for k := range col {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			e := col[key]
			if !e.deleted.IsZero() {
				ops = append(ops, Op{Kind: OpDelete, Collection: colName, Key: key, Stamp: e.deleted})
			}
			fields := make([]string, 0, len(e.fields))
			for f := range e.fields {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				r := e.fields[f]
				ops = append(ops, Op{Kind: OpSet, Collection: colName, Key: key, Field: f, Value: r.value, Stamp: r.stamp})
			}
		}
	}
	return Update{ID: util.NewID("snap"), Replica: d.replica, Origin: "snapshot", Clock: d.clock, Ops: ops}
}

func (d *Doc) EncodeState() ([]byte, error) {
	return EncodeUpdate(d.Snapshot())
}

// LoadState merges an encoded snapshot into the document.
func (d *Doc) LoadState(data []byte) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	d.Apply(u)
	return nil
}

// View reads committed state. It is only valid inside Read or Transact.
type View struct {
	doc *Doc
}

func (v View) Exists(collection, key string) bool {
	e := v.doc.entryFor(collection, key, false)
	return e != nil && e.visible()
}

func (v View) Get(collection, key, field string) (json.RawMessage, bool) {
	e := v.doc.entryFor(collection, key, false)
	if e == nil || !e.visible() {
		return nil, false
	}
	return e.field(field)
}

// Decode unmarshals a field into dest. It reports false when the field is absent.
func (v View) Decode(collection, key, field string, dest any) (bool, error) {
	raw, ok := v.Get(collection, key, field)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("decode %s/%s.%s: %w", collection, key, field, err)
	}
	return true, nil
}

// Fields returns the visible, non-null fields of a key.
func (v View) Fields(collection, key string) map[string]json.RawMessage {
	e := v.doc.entryFor(collection, key, false)
	if e == nil || !e.visible() {
		return nil
	}
	out := make(map[string]json.RawMessage, len(e.fields))
	for name := range e.fields {
		if raw, ok := e.field(name); ok {
			out[name] = raw
		}
	}
	return out
}

// Keys lists visible keys of a collection in sorted order.
func (v View) Keys(collection string) []string {
	col := v.doc.cols[collection]
	keys := make([]string, 0, len(col))
	for k, e := range col {
		if e.visible() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// FieldStamp returns the stamp of the winning write for a field.
func (v View) FieldStamp(collection, key, field string) (Stamp, bool) {
	e := v.doc.entryFor(collection, key, false)
	if e == nil {
		return Stamp{}, false
	}
	r, ok := e.fields[field]
	if !ok || !e.deleted.Less(r.stamp) {
		return Stamp{}, false
	}
	return r.stamp, true
}

// Txn stages writes inside Transact. Each op gets its own clock tick so that
// later writes in the same transaction win over earlier ones.
type Txn struct {
	View
	doc        *Doc
	startClock uint64
	ops        []Op
	undo       map[KeyRef]*entry
	order      []KeyRef
}

func (t *Txn) next() Stamp {
	t.doc.clock++
	return Stamp{Clock: t.doc.clock, Replica: t.doc.replica}
}

func (t *Txn) track(collection, key string) {
	ref := KeyRef{Collection: collection, Key: key}
	if _, ok := t.undo[ref]; ok {
		return
	}
	t.order = append(t.order, ref)
	if e := t.doc.entryFor(collection, key, false); e != nil {
		t.undo[ref] = e.clone()
	} else {
		t.undo[ref] = nil
	}
}

func (t *Txn) Set(collection, key, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s.%s: %w", collection, key, field, err)
	}
	t.SetRaw(collection, key, field, raw)
	return nil
}

func (t *Txn) SetRaw(collection, key, field string, raw json.RawMessage) {
	t.track(collection, key)
	op := Op{Kind: OpSet, Collection: collection, Key: key, Field: field, Value: raw, Stamp: t.next()}
	t.doc.mergeOp(op)
	t.ops = append(t.ops, op)
}

// Unset clears a single field.
func (t *Txn) Unset(collection, key, field string) {
	t.SetRaw(collection, key, field, nullValue)
}

// Delete tombstones a key. A later Set revives it with only the newer fields.
func (t *Txn) Delete(collection, key string) {
	t.track(collection, key)
	op := Op{Kind: OpDelete, Collection: collection, Key: key, Stamp: t.next()}
	t.doc.mergeOp(op)
	t.ops = append(t.ops, op)
}

func (t *Txn) rollback() {
	for ref, prev := range t.undo {
		if prev == nil {
			if col := t.doc.cols[ref.Collection]; col != nil {
				delete(col, ref.Key)
			}
			continue
		}
		t.doc.cols[ref.Collection][ref.Key] = prev
	}
	t.doc.clock = t.startClock
	t.ops = nil
}

func (t *Txn) touched() []KeyRef {
	out := make([]KeyRef, len(t.order))
	copy(out, t.order)
	return out
}
