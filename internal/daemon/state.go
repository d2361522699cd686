package daemon

import (
	"mere/internal/model"
	"sync"
	"time"
)

type State struct {
	mu         sync.RWMutex
	dst        string
	targets    []model.WatchTarget
	state      model.EngineState
	startedAt  time.Time
	applied    int
	failed     int
	skipped    int
	bytes      int64
	reconnects int
	overflows  int
	lastSync   *time.Time
	lastError  string
}

func NewState(dst model.Destination, targets []model.WatchTarget) *State {
	return &State{
		dst:       dst.String(),
		targets:   targets,
		state:     model.StateInitializing,
		startedAt: time.Now(),
	}
}

func (s *State) Set(state model.EngineState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *State) Get() model.EngineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *State) RecordSync(result model.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastSync = &now

	switch {
	case result.Err != nil:
		s.failed++
		s.lastError = result.Err.Error()
	case result.Skipped:
		s.skipped++
	default:
		s.applied++
		s.bytes += result.Bytes
	}
}

func (s *State) AddReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

func (s *State) AddOverflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overflows++
}

func (s *State) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

func (s *State) Snapshot() model.EngineSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.EngineSnapshot{
		State:       s.state,
		Destination: s.dst,
		Targets:     s.targets,
		StartedAt:   s.startedAt,
		Applied:     s.applied,
		Failed:      s.failed,
		Skipped:     s.skipped,
		Bytes:       s.bytes,
		Reconnects:  s.reconnects,
		Overflows:   s.overflows,
		LastSync:    s.lastSync,
		LastError:   s.lastError,
	}
}
