package models

import (
	"time"
)

type SessionStatus string

const (
	SessionPending       SessionStatus = "PENDING"
	SessionLivenessOK    SessionStatus = "LIVENESS_OK"
	SessionLivenessFail  SessionStatus = "LIVENESS_FAIL"
	SessionMatchOK       SessionStatus = "MATCH_OK"
	SessionMatchFail     SessionStatus = "MATCH_FAIL"
	SessionDirectoryOK   SessionStatus = "DIRECTORY_OK"
	SessionDirectoryFail SessionStatus = "DIRECTORY_FAIL"
	SessionIssued        SessionStatus = "ISSUED"
	SessionExpired       SessionStatus = "EXPIRED"
)

// SessionLifetime is how long a liveness session may be evaluated.
const SessionLifetime = 10 * time.Minute

var allowedTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:     {SessionLivenessOK, SessionLivenessFail, SessionExpired},
	SessionLivenessOK:  {SessionMatchOK, SessionMatchFail, SessionExpired},
	SessionMatchOK:     {SessionDirectoryOK, SessionDirectoryFail, SessionExpired},
	SessionDirectoryOK: {SessionIssued, SessionExpired},
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionLivenessOK, SessionLivenessFail, SessionMatchOK, SessionMatchFail,
		SessionDirectoryOK, SessionDirectoryFail, SessionIssued, SessionExpired:
		return true
	}
	return false
}

// Terminal states accept no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionLivenessFail, SessionMatchFail, SessionDirectoryFail, SessionIssued, SessionExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the session graph.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the per-attempt record shared by the create, result and verify
// calls.
type Session struct {
	SessionID         string        `json:"session_id"`
	ClaimedEmployeeID string        `json:"claimed_employee_id"`
	EngineSessionID   string        `json:"engine_session_id"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	UpdatedAt         time.Time     `json:"updated_at"`

	// Filled at liveness evaluation.
	IsLive     bool    `json:"is_live"`
	Confidence float64 `json:"confidence"`
	// ReferenceHandle points at the best captured frame. It is never
	// serialised to callers.
	ReferenceHandle string `json:"-"`

	// Outcome is the public outcome code recorded when the session was
	// frozen, either by a terminal transition or a terminal technical error.
	Outcome string `json:"outcome,omitempty"`
}

func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Frozen sessions are read-only: terminal status or a recorded outcome.
func (s *Session) Frozen() bool {
	return s.Status.Terminal() || s.Outcome != ""
}

// SessionUpdate carries the optional fields written together with a status
// change.
type SessionUpdate struct {
	IsLive          *bool
	Confidence      *float64
	ReferenceHandle string
	Outcome         string
}
