package scope

import (
	"context"
)

// Tracker is the slice of the polling reconciler the Manager drives.
type Tracker interface {
	Track(scopeID, taskID string)
	CancelAll()
}

// Manager couples the session cache with the reconciler so a scope switch
// is one operation: cancel the old scope's probe timers, hydrate the new
// scope, then seed tracking for every task still in flight.
type Manager struct {
	session *Session
	tracker Tracker
}

func NewManager(session *Session, tracker Tracker) *Manager {
	return &Manager{session: session, tracker: tracker}
}

func (m *Manager) Session() *Session {
	return m.session
}

// SwitchScope activates scopeID. Timers for the previous scope are cancelled
// before hydration, so no probe scheduled for the old scope can fire against
// the new cache; results of probes already in flight are rejected later by
// the session's scope check.
func (m *Manager) SwitchScope(ctx context.Context, scopeID string) error {
	m.tracker.CancelAll()

	if err := m.session.Activate(ctx, scopeID); err != nil {
		return err
	}

	for _, id := range m.session.PendingIDs() {
		m.tracker.Track(scopeID, id)
	}
	return nil
}
