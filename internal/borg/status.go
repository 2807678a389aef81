package borg

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the supervision state of one job.
type RunState int

const (
	RunInit RunState = iota
	RunRunning
	RunStalled
	RunReconnecting
	RunStopping
)

func (r RunState) String() string {
	switch r {
	case RunInit:
		return "init"
	case RunRunning:
		return "running"
	case RunStalled:
		return "stalled"
	case RunReconnecting:
		return "reconnecting"
	case RunStopping:
		return "stopping"
	}
	return "unknown"
}

// historyLimit bounds the recent message ring kept for deriving a terminal
// error from the tail of the log.
const historyLimit = 100

// Status is one published snapshot of a job's run state. Snapshots obtained
// from Store.Load must be treated as immutable.
type Status struct {
	Run           RunState
	Started       *time.Time
	EstimatedSize *uint64
	LastMessage   Message
	History       []Message // recent log records and unparsable lines, oldest first
}

// Fraction computes the completed fraction of the backup from the last
// archive progress record and the estimated total size.
func (s *Status) Fraction() (float64, bool) {
	p, ok := s.LastMessage.(Progress)
	if !ok || !p.IsArchive() || s.EstimatedSize == nil || *s.EstimatedSize == 0 {
		return 0, false
	}
	return float64(p.OriginalSize) / float64(*s.EstimatedSize), true
}

func (s *Status) clone() *Status {
	next := *s
	next.History = make([]Message, len(s.History), len(s.History)+1)
	copy(next.History, s.History)
	return &next
}

// Store holds the shared status snapshot of one job. Update publishes a new
// snapshot atomically; Load never blocks and always observes a complete
// snapshot, though a slow reader may skip intermediate ones.
type Store struct {
	mu  sync.Mutex // serializes writers
	cur atomic.Pointer[Status]
}

func NewStore() *Store {
	st := &Store{}
	st.cur.Store(&Status{})
	return st
}

// Update applies fn to a private copy of the current snapshot and publishes
// the result. Concurrent updates are serialized into a total order.
func (st *Store) Update(fn func(*Status)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.cur.Load().clone()
	fn(next)
	st.cur.Store(next)
}

// Load returns the latest published snapshot. The caller must not modify it.
func (st *Store) Load() *Status {
	return st.cur.Load()
}

// AddMessage records a classified message as the most recent one and appends
// it to the bounded history ring, evicting the oldest entry when full.
func (st *Store) AddMessage(m Message) {
	st.Update(func(s *Status) {
		s.LastMessage = m
		if len(s.History) >= historyLimit {
			s.History = s.History[1:]
		}
		s.History = append(s.History, m)
	})
}
