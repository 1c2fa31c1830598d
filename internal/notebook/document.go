package notebook

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"notebook/api/internal/crdt"
)

var ErrBlockNotFound = errors.New("block not found")

const metaKey = "document"

type DashboardItem struct {
	ID      string  `json:"id"`
	BlockID string  `json:"blockId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	W       float64 `json:"w"`
	H       float64 `json:"h"`
}

// Dataframe is metadata a block registers after producing a named result so
// sibling blocks can refer to it by name.
type Dataframe struct {
	Name      string   `json:"name"`
	BlockID   string   `json:"blockId"`
	Columns   []Column `json:"columns"`
	Rows      int      `json:"rows"`
	UpdatedAt int64    `json:"updatedAt"`
}

// Document is one notebook replica.
type Document struct {
	id  string
	doc *crdt.Doc
}

func New(id, replica string) *Document {
	return &Document{id: id, doc: crdt.NewDoc(replica)}
}

func (d *Document) ID() string { return d.id }

// CRDT exposes the underlying replica for packages that keep their own collections.
func (d *Document) CRDT() *crdt.Doc { return d.doc }

// ApplyLocalUpdate runs fn as one transaction and returns the update to replicate.
func (d *Document) ApplyLocalUpdate(origin string, fn func(*Tx) error) (crdt.Update, error) {
	return d.doc.Transact(origin, func(txn *crdt.Txn) error {
		return fn(&Tx{Txn: txn})
	})
}

// ApplyRemoteUpdate merges an update from another replica. It reports false for duplicates.
func (d *Document) ApplyRemoteUpdate(update crdt.Update) bool {
	return d.doc.Apply(update)
}

func (d *Document) Observe(fn crdt.Observer) func() {
	return d.doc.Observe(fn)
}

func (d *Document) Read(fn func(View)) {
	d.doc.Read(func(v crdt.View) { fn(View{View: v}) })
}

func (d *Document) Block(id string) (Block, error) {
	var (
		b   Block
		err error
	)
	d.Read(func(v View) { b, err = v.Block(id) })
	return b, err
}

// Blocks returns every block in layout order.
func (d *Document) Blocks() ([]Block, error) {
	var (
		out []Block
		err error
	)
	d.Read(func(v View) { out, err = v.Blocks() })
	return out, err
}

func (d *Document) Layout() []string {
	var ids []string
	d.Read(func(v View) { ids = v.Layout() })
	return ids
}

func (d *Document) Dashboard() []DashboardItem {
	var items []DashboardItem
	d.Read(func(v View) { items = v.Dashboard() })
	return items
}

func (d *Document) Dataframe(name string) (Dataframe, bool) {
	var (
		df Dataframe
		ok bool
	)
	d.Read(func(v View) { df, ok = v.Dataframe(name) })
	return df, ok
}

func (d *Document) Dataframes() []Dataframe {
	var out []Dataframe
	d.Read(func(v View) { out = v.Dataframes() })
	return out
}

func (d *Document) Title() string {
	var title string
	d.Read(func(v View) { title = v.Title() })
	return title
}

func (d *Document) SetTitle(origin, title string) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.SetTitle(title) })
	return err
}

// PutBlock creates or replaces a block, appending it to the layout when new.
func (d *Document) PutBlock(origin string, b Block) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.PutBlock(b) })
	return err
}

// UpdateBlock decodes the block, lets fn mutate it and writes back the changed fields.
func (d *Document) UpdateBlock(origin, id string, fn func(Block) error) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.UpdateBlock(id, fn) })
	return err
}

func (d *Document) DeleteBlock(origin, id string) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.DeleteBlock(id) })
	return err
}

func (d *Document) SetLayout(origin string, ids []string) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.SetLayout(ids) })
	return err
}

func (d *Document) PutDashboardItem(origin string, item DashboardItem) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.PutDashboardItem(item) })
	return err
}

func (d *Document) PutDataframe(origin string, df Dataframe) error {
	_, err := d.ApplyLocalUpdate(origin, func(tx *Tx) error { return tx.PutDataframe(df) })
	return err
}

// View is a typed read-only view of the document.
type View struct {
	crdt.View
}

func (v View) Block(id string) (Block, error) {
	return readBlock(v.View, id)
}

func (v View) Blocks() ([]Block, error) {
	ids := v.Layout()
	inLayout := make(map[string]bool, len(ids))
	for _, id := range ids {
		inLayout[id] = true
	}
	for _, id := range v.Keys(CollectionBlocks) {
		if !inLayout[id] {
			ids = append(ids, id)
		}
	}
	out := make([]Block, 0, len(ids))
	for _, id := range ids {
		if !v.Exists(CollectionBlocks, id) {
			continue
		}
		b, err := readBlock(v.View, id)
		if errors.Is(err, ErrBlockNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Layout orders block ids by position, ties broken by id.
func (v View) Layout() []string {
	type slot struct {
		id  string
		pos float64
	}
	var slots []slot
	for _, id := range v.Keys(CollectionLayout) {
		var pos float64
		if ok, err := v.Decode(CollectionLayout, id, "position", &pos); !ok || err != nil {
			continue
		}
		slots = append(slots, slot{id: id, pos: pos})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].pos != slots[j].pos {
			return slots[i].pos < slots[j].pos
		}
		return slots[i].id < slots[j].id
	})
	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.id)
	}
	return ids
}

func (v View) maxPosition() float64 {
	highest := 0.0
	for _, id := range v.Keys(CollectionLayout) {
		var pos float64
		if ok, _ := v.Decode(CollectionLayout, id, "position", &pos); ok && pos > highest {
			highest = pos
		}
	}
	return highest
}

func (v View) Dashboard() []DashboardItem {
	var items []DashboardItem
	for _, id := range v.Keys(CollectionDashboard) {
		var item DashboardItem
		if ok, err := v.Decode(CollectionDashboard, id, "item", &item); !ok || err != nil {
			continue
		}
		item.ID = id
		items = append(items, item)
	}
	return items
}

func (v View) Dataframe(name string) (Dataframe, bool) {
	var df Dataframe
	ok, err := v.Decode(CollectionDataframes, name, "meta", &df)
	if !ok || err != nil {
		return Dataframe{}, false
	}
	df.Name = name
	return df, true
}

func (v View) Dataframes() []Dataframe {
	var out []Dataframe
	for _, name := range v.Keys(CollectionDataframes) {
		if df, ok := v.Dataframe(name); ok {
			out = append(out, df)
		}
	}
	return out
}

func (v View) Title() string {
	var title string
	_, _ = v.Decode(CollectionMeta, metaKey, "title", &title)
	return title
}

// Tx is a typed transaction over the document.
type Tx struct {
	*crdt.Txn
}

func (tx *Tx) view() View { return View{View: tx.Txn.View} }

func (tx *Tx) Block(id string) (Block, error) {
	return readBlock(tx.Txn.View, id)
}

func (tx *Tx) PutBlock(b Block) error {
	if err := writeBlock(tx.Txn, b); err != nil {
		return err
	}
	id := b.Base().ID
	if _, ok := tx.Get(CollectionLayout, id, "position"); !ok {
		return tx.Set(CollectionLayout, id, "position", tx.view().maxPosition()+1)
	}
	return nil
}

func (tx *Tx) UpdateBlock(id string, fn func(Block) error) error {
	b, err := tx.Block(id)
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	b.Base().ID = id
	return writeBlock(tx.Txn, b)
}

// DeleteBlock removes the block with its layout slot and dashboard items.
func (tx *Tx) DeleteBlock(id string) error {
	if !tx.Exists(CollectionBlocks, id) || !hasType(tx.Fields(CollectionBlocks, id)) {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	tx.Delete(CollectionBlocks, id)
	if tx.Exists(CollectionLayout, id) {
		tx.Delete(CollectionLayout, id)
	}
	for _, item := range tx.view().Dashboard() {
		if item.BlockID == id {
			tx.Delete(CollectionDashboard, item.ID)
		}
	}
	return nil
}

// SetLayout rewrites positions so blocks appear in the order of ids.
func (tx *Tx) SetLayout(ids []string) error {
	for i, id := range ids {
		if !tx.Exists(CollectionBlocks, id) {
			return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
		}
		if err := tx.Set(CollectionLayout, id, "position", float64(i+1)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) PutDashboardItem(item DashboardItem) error {
	if item.ID == "" {
		return fmt.Errorf("dashboard item: empty id")
	}
	return tx.Set(CollectionDashboard, item.ID, "item", item)
}

func (tx *Tx) PutDataframe(df Dataframe) error {
	if df.Name == "" {
		return fmt.Errorf("dataframe: empty name")
	}
	if df.UpdatedAt == 0 {
		df.UpdatedAt = time.Now().UnixMilli()
	}
	return tx.Set(CollectionDataframes, df.Name, "meta", df)
}

func (tx *Tx) DeleteDataframe(name string) {
	if tx.Exists(CollectionDataframes, name) {
		tx.Delete(CollectionDataframes, name)
	}
}

func (tx *Tx) SetTitle(title string) error {
	return tx.Set(CollectionMeta, metaKey, "title", title)
}
