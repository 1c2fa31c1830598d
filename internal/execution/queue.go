package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"notebook/api/internal/crdt"
	"notebook/api/internal/notebook"
	"notebook/api/internal/util"
)

const CollectionQueue = "executionQueue"

type Item struct {
	ID             string
	BlockID        string
	UserID         string
	Status         Status
	Metadata       Metadata
	AbortRequested bool
	Error          string
	EnqueuedAt     time.Time
	FinishedAt     time.Time

	seq crdt.Stamp
}

// Queue is the per-document execution queue stored in the replicated document.
// Any replica may enqueue or request an abort; only the worker that holds the
// document lease writes status.
type Queue struct {
	doc       *notebook.Document
	signal    chan struct{}
	unobserve func()
	now       func() time.Time
}

func NewQueue(doc *notebook.Document) *Queue {
	q := &Queue{doc: doc, signal: make(chan struct{}, 1), now: time.Now}
	q.unobserve = doc.Observe(func(c crdt.Change) {
		if c.TouchesCollection(CollectionQueue) {
			q.wake()
		}
	})
	return q
}

func (q *Queue) Close() { q.unobserve() }

func (q *Queue) Document() *notebook.Document { return q.doc }

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until the queue collection changes or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.signal:
		return nil
	}
}

func (q *Queue) Enqueue(blockID, userID string, md Metadata) (Item, error) {
	var item Item
	_, err := q.doc.ApplyLocalUpdate(userID, func(tx *notebook.Tx) error {
		var err error
		item, err = enqueueTx(tx.Txn, blockID, userID, md, q.now())
		return err
	})
	return item, err
}

func enqueueTx(tx *crdt.Txn, blockID, userID string, md Metadata, now time.Time) (Item, error) {
	raw, err := EncodeMetadata(md)
	if err != nil {
		return Item{}, err
	}
	id := util.NewID("exec")
	// blockId is written first; its stamp orders the queue
	if err := tx.Set(CollectionQueue, id, "blockId", blockID); err != nil {
		return Item{}, err
	}
	tx.SetRaw(CollectionQueue, id, "metadata", raw)
	if err := tx.Set(CollectionQueue, id, "userId", userID); err != nil {
		return Item{}, err
	}
	if err := tx.Set(CollectionQueue, id, "status", StatusEnqueued); err != nil {
		return Item{}, err
	}
	if err := tx.Set(CollectionQueue, id, "enqueuedAt", now.UnixMilli()); err != nil {
		return Item{}, err
	}
	return readItem(tx.View, id)
}

func readItem(v crdt.View, id string) (Item, error) {
	fields := v.Fields(CollectionQueue, id)
	if fields == nil {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item := Item{ID: id}
	var enqueuedAt, finishedAt int64
	targets := map[string]any{
		"blockId":        &item.BlockID,
		"userId":         &item.UserID,
		"status":         &item.Status,
		"abortRequested": &item.AbortRequested,
		"error":          &item.Error,
		"enqueuedAt":     &enqueuedAt,
		"finishedAt":     &finishedAt,
	}
	for name, dest := range targets {
		if raw, ok := fields[name]; ok {
			if err := json.Unmarshal(raw, dest); err != nil {
				return Item{}, fmt.Errorf("decode item %s.%s: %w", id, name, err)
			}
		}
	}
	if raw, ok := fields["metadata"]; ok {
		md, err := DecodeMetadata(raw)
		if err != nil {
			return Item{}, fmt.Errorf("item %s: %w", id, err)
		}
		item.Metadata = md
	}
	if enqueuedAt > 0 {
		item.EnqueuedAt = time.UnixMilli(enqueuedAt)
	}
	if finishedAt > 0 {
		item.FinishedAt = time.UnixMilli(finishedAt)
	}
	item.seq, _ = v.FieldStamp(CollectionQueue, id, "blockId")
	return item, nil
}

func (q *Queue) Item(id string) (Item, error) {
	var (
		item Item
		err  error
	)
	q.doc.CRDT().Read(func(v crdt.View) { item, err = readItem(v, id) })
	return item, err
}

// Items returns every item in enqueue order.
func (q *Queue) Items() []Item {
	var items []Item
	q.doc.CRDT().Read(func(v crdt.View) { items = listItems(v) })
	return items
}

func listItems(v crdt.View) []Item {
	var items []Item
	for _, id := range v.Keys(CollectionQueue) {
		item, err := readItem(v, id)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].seq.Less(items[j].seq)
	})
	return items
}

// Next returns the oldest enqueued item that nobody asked to abort.
func (q *Queue) Next() (Item, bool) {
	for _, item := range q.Items() {
		if item.Status == StatusEnqueued && !item.AbortRequested {
			return item, true
		}
	}
	return Item{}, false
}

// RequestAbort flags an item for cancellation. Finished items are left alone.
func (q *Queue) RequestAbort(itemID, userID string) error {
	_, err := q.doc.ApplyLocalUpdate(userID, func(tx *notebook.Tx) error {
		item, err := readItem(tx.View, itemID)
		if err != nil {
			return err
		}
		if IsTerminal(item.Status) || item.AbortRequested {
			return nil
		}
		return tx.Set(CollectionQueue, itemID, "abortRequested", true)
	})
	return err
}

// ObserveStatus calls fn with the item's latest state whenever it changes.
func (q *Queue) ObserveStatus(itemID string, fn func(Item)) func() {
	return q.doc.Observe(func(c crdt.Change) {
		if !c.Touches(CollectionQueue, itemID) {
			return
		}
		item, err := q.Item(itemID)
		if err != nil {
			return
		}
		fn(item)
	})
}

// transition is only called by the worker that owns the document.
func (q *Queue) transition(itemID string, to Status, message string) (Item, error) {
	var item Item
	_, err := q.doc.ApplyLocalUpdate("executor", func(tx *notebook.Tx) error {
		current, err := readItem(tx.View, itemID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(current.Status, to); err != nil {
			return fmt.Errorf("item %s: %w", itemID, err)
		}
		if err := tx.Set(CollectionQueue, itemID, "status", to); err != nil {
			return err
		}
		if message != "" {
			if err := tx.Set(CollectionQueue, itemID, "error", message); err != nil {
				return err
			}
		}
		if IsTerminal(to) {
			if err := tx.Set(CollectionQueue, itemID, "finishedAt", q.now().UnixMilli()); err != nil {
				return err
			}
		}
		item, err = readItem(tx.View, itemID)
		return err
	})
	return item, err
}

// Prune deletes finished items that completed before cutoff.
func (q *Queue) Prune(cutoff time.Time) (int, error) {
	removed := 0
	_, err := q.doc.ApplyLocalUpdate("executor", func(tx *notebook.Tx) error {
		for _, item := range listItems(tx.View) {
			if IsTerminal(item.Status) && !item.FinishedAt.IsZero() && item.FinishedAt.Before(cutoff) {
				tx.Delete(CollectionQueue, item.ID)
				removed++
			}
		}
		return nil
	})
	return removed, err
}
