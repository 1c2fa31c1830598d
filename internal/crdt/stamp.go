// Package crdt implements the replicated state behind a notebook: a map of
// collections, each a last-writer-wins element map whose entries hold
// last-writer-wins field registers.
package crdt

import "fmt"

// Stamp is a Lamport timestamp. Replica breaks ties so stamps are totally ordered.
type Stamp struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Replica < o.Replica
}

func (s Stamp) IsZero() bool { return s.Clock == 0 && s.Replica == "" }

func (s Stamp) String() string { return fmt.Sprintf("%d@%s", s.Clock, s.Replica) }
