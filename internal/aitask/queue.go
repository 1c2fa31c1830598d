package aitask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"notebook/api/internal/crdt"
	"notebook/api/internal/notebook"
	"notebook/api/internal/util"
)

const (
	CollectionTasks = "aiTasks"
	origin          = "ai"
)

// Task is one AI request. Attempt counts claims; Requeued is set once the
// watchdog has handed the task back after a stall.
type Task struct {
	ID             string
	BlockID        string
	UserID         string
	Status         Status
	Result         Result
	Metadata       Metadata
	AbortRequested bool
	Requeued       bool
	Attempt        int
	Error          string
	Ping           time.Time
	EnqueuedAt     time.Time
	FinishedAt     time.Time

	seq crdt.Stamp
}

// Queue is a document's AI task list. Like the execution queue, any replica
// may enqueue or request an abort and only the lease holder's pool writes status.
type Queue struct {
	doc       *notebook.Document
	signal    chan struct{}
	unobserve func()
	now       func() time.Time
}

func NewQueue(doc *notebook.Document) *Queue {
	q := &Queue{doc: doc, signal: make(chan struct{}, 1), now: time.Now}
	q.unobserve = doc.Observe(func(c crdt.Change) {
		if c.TouchesCollection(CollectionTasks) {
			q.wake()
		}
	})
	return q
}

func (q *Queue) Close() { q.unobserve() }

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until the task collection changes or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.signal:
		return nil
	}
}

func (q *Queue) Enqueue(blockID, userID string, md Metadata) (Task, error) {
	raw, err := EncodeMetadata(md)
	if err != nil {
		return Task{}, err
	}
	if _, err := q.doc.Block(blockID); err != nil {
		return Task{}, err
	}
	id := util.NewID("ai")
	var task Task
	_, err = q.doc.ApplyLocalUpdate(userID, func(tx *notebook.Tx) error {
		if err := tx.Set(CollectionTasks, id, "blockId", blockID); err != nil {
			return err
		}
		tx.SetRaw(CollectionTasks, id, "metadata", raw)
		if err := setFields(tx.Txn, id, map[string]any{
			"userId":     userID,
			"status":     StatusEnqueued,
			"enqueuedAt": q.now().UnixMilli(),
		}); err != nil {
			return err
		}
		task, err = readTask(tx.View, id)
		return err
	})
	return task, err
}

func setFields(tx *crdt.Txn, id string, fields map[string]any) error {
	for name, value := range fields {
		if err := tx.Set(CollectionTasks, id, name, value); err != nil {
			return err
		}
	}
	return nil
}

func readTask(v crdt.View, id string) (Task, error) {
	fields := v.Fields(CollectionTasks, id)
	if fields == nil {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	task := Task{ID: id}
	var status string
	var ping, enqueuedAt, finishedAt int64
	targets := map[string]any{
		"blockId":        &task.BlockID,
		"userId":         &task.UserID,
		"status":         &status,
		"result":         &task.Result,
		"abortRequested": &task.AbortRequested,
		"requeued":       &task.Requeued,
		"attempt":        &task.Attempt,
		"error":          &task.Error,
		"ping":           &ping,
		"enqueuedAt":     &enqueuedAt,
		"finishedAt":     &finishedAt,
	}
	for name, dest := range targets {
		if raw, ok := fields[name]; ok {
			if err := json.Unmarshal(raw, dest); err != nil {
				return Task{}, fmt.Errorf("decode ai task %s.%s: %w", id, name, err)
			}
		}
	}
	task.Status = parseStatus(status)
	if raw, ok := fields["metadata"]; ok {
		md, err := DecodeMetadata(raw)
		if err != nil {
			return Task{}, fmt.Errorf("ai task %s: %w", id, err)
		}
		task.Metadata = md
	}
	task.Ping = fromMillis(ping)
	task.EnqueuedAt = fromMillis(enqueuedAt)
	task.FinishedAt = fromMillis(finishedAt)
	task.seq, _ = v.FieldStamp(CollectionTasks, id, "blockId")
	return task, nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (q *Queue) Task(id string) (Task, error) {
	var (
		task Task
		err  error
	)
	q.doc.CRDT().Read(func(v crdt.View) { task, err = readTask(v, id) })
	return task, err
}

// Tasks returns every task in enqueue order.
func (q *Queue) Tasks() []Task {
	var tasks []Task
	q.doc.CRDT().Read(func(v crdt.View) { tasks = listTasks(v) })
	return tasks
}

func listTasks(v crdt.View) []Task {
	var tasks []Task
	for _, id := range v.Keys(CollectionTasks) {
		task, err := readTask(v, id)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].seq.Less(tasks[j].seq)
	})
	return tasks
}

// RequestAbort flags a task for cancellation. Completed tasks are left alone.
func (q *Queue) RequestAbort(taskID, userID string) error {
	_, err := q.doc.ApplyLocalUpdate(userID, func(tx *notebook.Tx) error {
		task, err := readTask(tx.View, taskID)
		if err != nil {
			return err
		}
		if task.Status == StatusCompleted || task.AbortRequested {
			return nil
		}
		return tx.Set(CollectionTasks, taskID, "abortRequested", true)
	})
	return err
}

// ObserveTask calls fn with the task's latest state whenever it changes.
func (q *Queue) ObserveTask(taskID string, fn func(Task)) func() {
	return q.doc.Observe(func(c crdt.Change) {
		if !c.Touches(CollectionTasks, taskID) {
			return
		}
		task, err := q.Task(taskID)
		if err != nil {
			return
		}
		fn(task)
	})
}

// claimNext moves the oldest claimable task to running in one transaction so
// two pool slots never pick the same task.
func (q *Queue) claimNext() (Task, bool, error) {
	var (
		claimed Task
		found   bool
	)
	_, err := q.doc.ApplyLocalUpdate(origin, func(tx *notebook.Tx) error {
		for _, task := range listTasks(tx.View) {
			if task.Status != StatusEnqueued || task.AbortRequested {
				continue
			}
			if err := setFields(tx.Txn, task.ID, map[string]any{
				"status":  StatusRunning,
				"ping":    q.now().UnixMilli(),
				"attempt": task.Attempt + 1,
			}); err != nil {
				return err
			}
			var err error
			claimed, err = readTask(tx.View, task.ID)
			found = err == nil
			return err
		}
		return nil
	})
	return claimed, found, err
}

// ping refreshes the heartbeat of the given attempt. It is a no-op once the
// task moved on to another attempt or finished.
func (q *Queue) ping(task Task) error {
	_, err := q.doc.ApplyLocalUpdate(origin, func(tx *notebook.Tx) error {
		current, err := readTask(tx.View, task.ID)
		if err != nil {
			return err
		}
		if current.Attempt != task.Attempt || (current.Status != StatusRunning && current.Status != StatusAborting) {
			return nil
		}
		return tx.Set(CollectionTasks, task.ID, "ping", q.now().UnixMilli())
	})
	return err
}

// errStaleAttempt means the task was requeued or finished by someone else
// while this attempt was still working on it.
var errStaleAttempt = errors.New("stale ai task attempt")

// transition writes a status change for one attempt of a task.
func (q *Queue) transition(task Task, to Status, result Result, message string) (Task, error) {
	var updated Task
	_, err := q.doc.ApplyLocalUpdate(origin, func(tx *notebook.Tx) error {
		current, err := readTask(tx.View, task.ID)
		if err != nil {
			return err
		}
		if current.Attempt != task.Attempt {
			return fmt.Errorf("ai task %s: %w", task.ID, errStaleAttempt)
		}
		if err := ValidateTransition(current.Status, to); err != nil {
			return fmt.Errorf("ai task %s: %w", task.ID, err)
		}
		fields := map[string]any{"status": to}
		if to == StatusCompleted {
			fields["result"] = result
			fields["finishedAt"] = q.now().UnixMilli()
		}
		if message != "" {
			fields["error"] = message
		}
		if to == StatusEnqueued {
			fields["requeued"] = true
			tx.Unset(CollectionTasks, task.ID, "ping")
		}
		if err := setFields(tx.Txn, task.ID, fields); err != nil {
			return err
		}
		updated, err = readTask(tx.View, task.ID)
		return err
	})
	return updated, err
}

// Prune deletes completed tasks that finished before cutoff.
func (q *Queue) Prune(cutoff time.Time) (int, error) {
	removed := 0
	_, err := q.doc.ApplyLocalUpdate(origin, func(tx *notebook.Tx) error {
		for _, task := range listTasks(tx.View) {
			if task.Status == StatusCompleted && !task.FinishedAt.IsZero() && task.FinishedAt.Before(cutoff) {
				tx.Delete(CollectionTasks, task.ID)
				removed++
			}
		}
		return nil
	})
	return removed, err
}
