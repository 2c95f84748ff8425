package syncer

import (
	"sync"
	"time"
)

// Status is the sync indicator state exposed to observers.
type Status string

const (
	// StatusIdle means no sync activity (also the permanent state of a
	// session without a private key).
	StatusIdle Status = "idle"
	// StatusSyncing means a sync pass or publish is in flight.
	StatusSyncing Status = "syncing"
	// StatusSynced means the last pass completed; it auto-resets to idle
	// after a short delay so the UI indicator can flash.
	StatusSynced Status = "synced"
	// StatusError means the last pass failed; recoverable via explicit
	// retry.
	StatusError Status = "error"
)

// statusMachine drives idle → syncing → synced|error with the synced state
// auto-resetting to idle.
type statusMachine struct {
	mu         sync.Mutex
	status     Status
	resetDelay time.Duration
	resetTimer *time.Timer
	observer   func(Status)
}

func newStatusMachine(resetDelay time.Duration, observer func(Status)) *statusMachine {
	return &statusMachine{status: StatusIdle, resetDelay: resetDelay, observer: observer}
}

func (m *statusMachine) get() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *statusMachine) set(s Status) {
	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	changed := m.status != s
	m.status = s
	if s == StatusSynced && m.resetDelay > 0 {
		m.resetTimer = time.AfterFunc(m.resetDelay, func() {
			m.mu.Lock()
			if m.status == StatusSynced {
				m.status = StatusIdle
				obs := m.observer
				m.mu.Unlock()
				if obs != nil {
					obs(StatusIdle)
				}
				return
			}
			m.mu.Unlock()
		})
	}
	obs := m.observer
	m.mu.Unlock()
	if changed && obs != nil {
		obs(s)
	}
}
