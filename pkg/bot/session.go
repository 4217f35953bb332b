// Package bot implements the Telegram conversation: plan selection,
// phone collection, payment initiation, and status polling. Conversation
// state lives in a session store with a TTL; everything durable lives in
// pkg/storage.
package bot

import (
	"context"
	"fmt"
	"time"
)

// State is a conversation phase. Transitions only move forward through
// the purchase funnel; /start resets to the beginning.
type State string

const (
	StateIdle           State = "idle"
	StatePlanChosen     State = "plan_chosen"
	StateAwaitingPhone  State = "awaiting_phone"
	StatePaymentPending State = "payment_pending"
	StateGranted        State = "granted"
)

// StateError reports an illegal conversation transition.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}

// validNext lists the forward edges of the conversation funnel. Any
// state may reset to idle.
var validNext = map[State][]State{
	StateIdle:           {StatePlanChosen},
	StatePlanChosen:     {StateAwaitingPhone, StatePaymentPending},
	StateAwaitingPhone:  {StatePaymentPending},
	StatePaymentPending: {StateGranted},
	StateGranted:        {},
}

// Session is one user's in-flight purchase conversation.
type Session struct {
	UserID    int64     `json:"user_id"`
	State     State     `json:"state"`
	PlanID    string    `json:"plan_id,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Reference string    `json:"reference,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns an idle session for the user.
func NewSession(userID int64) *Session {
	return &Session{
		UserID:    userID,
		State:     StateIdle,
		UpdatedAt: time.Now().UTC(),
	}
}

// Transition moves the session to the next state, enforcing the funnel.
// Transitioning to StateIdle always succeeds and clears the funnel data.
func (s *Session) Transition(to State) error {
	if to == StateIdle {
		s.State = StateIdle
		s.PlanID = ""
		s.Phone = ""
		s.Reference = ""
		s.UpdatedAt = time.Now().UTC()
		return nil
	}

	for _, next := range validNext[s.State] {
		if next == to {
			s.State = to
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return &StateError{From: s.State, To: to}
}

// ErrNoSession is returned when a user has no live session, either
// because none was created or because the TTL expired it.
var ErrNoSession = fmt.Errorf("no session")

// SessionStore holds live conversations. Implementations expire entries
// after a TTL so an abandoned funnel restarts cleanly.
type SessionStore interface {
	Get(ctx context.Context, userID int64) (*Session, error)
	Put(ctx context.Context, session *Session) error
	Delete(ctx context.Context, userID int64) error
	Close() error
}
