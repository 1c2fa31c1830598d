package execution

import (
	"fmt"
	"log/slog"

	"notebook/api/internal/crdt"
	"notebook/api/internal/notebook"
)

const (
	CollectionRunAll = "runAll"
	runAllKey        = "state"
)

type RunAllStatus string

const (
	RunAllIdle      RunAllStatus = "idle"
	RunAllRunning   RunAllStatus = "running"
	RunAllAborting  RunAllStatus = "aborting"
	RunAllCompleted RunAllStatus = "completed"
	RunAllAborted   RunAllStatus = "aborted"
)

type RunAllState struct {
	Status      RunAllStatus `json:"status"`
	Total       int          `json:"total"`
	Remaining   int          `json:"remaining"`
	ItemIDs     []string     `json:"itemIds"`
	RequestedBy string       `json:"requestedBy"`
}

// RunAll runs every runnable block in layout order through the execution queue
// and tracks progress in the document.
type RunAll struct {
	queue  *Queue
	logger *slog.Logger
}

func NewRunAll(queue *Queue, logger *slog.Logger) *RunAll {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunAll{queue: queue, logger: logger}
}

func decodeRunAll(v crdt.View) (RunAllState, error) {
	var state RunAllState
	ok, err := v.Decode(CollectionRunAll, runAllKey, "state", &state)
	if err != nil {
		return RunAllState{Status: RunAllIdle}, fmt.Errorf("decode run-all state: %w", err)
	}
	if !ok {
		return RunAllState{Status: RunAllIdle}, nil
	}
	return state, nil
}

func readRunAll(v crdt.View) RunAllState {
	state, _ := decodeRunAll(v)
	return state
}

func (r *RunAll) State() RunAllState {
	var state RunAllState
	r.queue.doc.CRDT().Read(func(v crdt.View) { state = readRunAll(v) })
	return state
}

// Request enqueues all runnable blocks. It fails with ErrRunAllInProgress while
// a previous run is still going.
func (r *RunAll) Request(userID string) (RunAllState, error) {
	var state RunAllState
	_, err := r.queue.doc.ApplyLocalUpdate(userID, func(tx *notebook.Tx) error {
		current := readRunAll(tx.View)
		if current.Status == RunAllRunning || current.Status == RunAllAborting {
			return ErrRunAllInProgress
		}
		blocks, err := notebook.View{View: tx.View}.Blocks()
		if err != nil {
			return err
		}
		state = RunAllState{Status: RunAllRunning, RequestedBy: userID}
		for _, b := range blocks {
			if !notebook.IsRunnable(b) {
				continue
			}
			item, err := enqueueTx(tx.Txn, b.Base().ID, userID, DefaultMetadata(b), r.queue.now())
			if err != nil {
				return err
			}
			state.ItemIDs = append(state.ItemIDs, item.ID)
		}
		state.Total = len(state.ItemIDs)
		state.Remaining = state.Total
		if state.Total == 0 {
			state.Status = RunAllCompleted
		}
		return tx.Set(CollectionRunAll, runAllKey, "state", state)
	})
	return state, err
}

// Abort asks every unfinished run-all item to stop.
func (r *RunAll) Abort(userID string) error {
	_, err := r.queue.doc.ApplyLocalUpdate(userID, func(tx *notebook.Tx) error {
		state := readRunAll(tx.View)
		if state.Status != RunAllRunning {
			return nil
		}
		for _, id := range state.ItemIDs {
			item, err := readItem(tx.View, id)
			if err != nil || IsTerminal(item.Status) || item.AbortRequested {
				continue
			}
			if err := tx.Set(CollectionQueue, id, "abortRequested", true); err != nil {
				return err
			}
		}
		state.Status = RunAllAborting
		return tx.Set(CollectionRunAll, runAllKey, "state", state)
	})
	return err
}

// ItemFinished is the worker hook that recounts remaining items.
func (r *RunAll) ItemFinished(finished Item) {
	_, err := r.queue.doc.ApplyLocalUpdate("executor", func(tx *notebook.Tx) error {
		state, err := decodeRunAll(tx.View)
		if err != nil {
			return err
		}
		if state.Status != RunAllRunning && state.Status != RunAllAborting {
			return nil
		}
		member := false
		remaining := 0
		for _, id := range state.ItemIDs {
			if id == finished.ID {
				member = true
			}
			item, err := readItem(tx.View, id)
			if err != nil {
				continue
			}
			if !IsTerminal(item.Status) {
				remaining++
			}
		}
		if !member {
			return nil
		}
		state.Remaining = remaining
		if remaining == 0 {
			if state.Status == RunAllAborting {
				state.Status = RunAllAborted
			} else {
				state.Status = RunAllCompleted
			}
		}
		return tx.Set(CollectionRunAll, runAllKey, "state", state)
	})
	if err != nil {
		r.logger.Error("failed to record run-all progress", "itemId", finished.ID, "error", err)
	}
}
