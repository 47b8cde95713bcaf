package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"faceauth-service/internal/client"
	"faceauth-service/internal/ids"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

const livenessSessionPrefix = "liveness_session:"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrInvalidTransition = errors.New("session transition not allowed")
	ErrStatusConflict    = errors.New("session status changed concurrently")
	ErrStoreUnavailable  = errors.New("session store unavailable")
)

// casStatus moves a session from an expected status to a new one. It refuses
// when the record is gone (-1), when the current status differs or an outcome
// is already recorded (0). Remaining ARGV entries are field/value pairs
// written in the same step.
var casStatus = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
  return -1
end
if current ~= ARGV[1] then
  return 0
end
local outcome = redis.call('HGET', KEYS[1], 'outcome')
if outcome and outcome ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// SessionStore keeps liveness sessions as Redis hashes. Records outlive
// expires_at by a retention window so expiry can be told apart from an
// unknown id; Redis TTL removes them afterwards.
type SessionStore struct {
	client    *client.RedisClient
	lifetime  time.Duration
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewSessionStore(client *client.RedisClient, lifetime, retention time.Duration, logger *zap.Logger) *SessionStore {
	if lifetime <= 0 {
		lifetime = models.SessionLifetime
	}
	if retention < 0 {
		retention = 0
	}
	return &SessionStore{
		client:    client,
		lifetime:  lifetime,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func sessionKey(sessionID string) string {
	return livenessSessionPrefix + sessionID
}

// Create writes a PENDING session bound to the claimed employee and the
// engine's liveness session.
func (s *SessionStore) Create(ctx context.Context, claimedEmployeeID, engineSessionID string) (*models.Session, error) {
	now := s.now().UTC()
	session := &models.Session{
		SessionID:         ids.NewSessionID(),
		ClaimedEmployeeID: claimedEmployeeID,
		EngineSessionID:   engineSessionID,
		Status:            models.SessionPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.lifetime),
		UpdatedAt:         now,
	}

	key := sessionKey(session.SessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"claimed_employee_id", session.ClaimedEmployeeID,
		"engine_session_id", session.EngineSessionID,
		"status", string(session.Status),
		"created_at", formatTime(session.CreatedAt),
		"expires_at", formatTime(session.ExpiresAt),
		"updated_at", formatTime(session.UpdatedAt),
	)
	pipe.Expire(ctx, key, s.lifetime+s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to create liveness session",
			util.String("session_id", session.SessionID),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.logger.Debug("Liveness session created",
		util.String("session_id", session.SessionID),
		util.Time("expires_at", session.ExpiresAt))

	return session, nil
}

// Get loads a session. An expired session is returned together with
// ErrSessionExpired so callers can still inspect it.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		s.logger.Error("Failed to load liveness session",
			util.String("session_id", sessionID),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	session, err := decodeSession(sessionID, fields)
	if err != nil {
		return nil, err
	}
	if session.ExpiredAt(s.now()) {
		return session, ErrSessionExpired
	}
	return session, nil
}

// UpdateStatus performs a conditional write keyed on the prior status.
// ErrStatusConflict means another writer got there first; re-read and treat
// it as a no-op.
func (s *SessionStore) UpdateStatus(ctx context.Context, sessionID string, from, to models.SessionStatus, update models.SessionUpdate) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return s.compareAndSet(ctx, sessionID, from, to, update)
}

// MarkTechnicalFailure freezes a non-terminal session with the given outcome
// without moving its status.
func (s *SessionStore) MarkTechnicalFailure(ctx context.Context, sessionID string, current models.SessionStatus, outcome string) error {
	if current.Terminal() {
		return nil
	}
	return s.Seal(ctx, sessionID, current, outcome)
}

// Seal records outcome on a session still in status current, which makes it
// read-only. Enrollment seals the liveness session it consumed.
func (s *SessionStore) Seal(ctx context.Context, sessionID string, current models.SessionStatus, outcome string) error {
	if outcome == "" {
		return fmt.Errorf("seal session %s: empty outcome", sessionID)
	}
	return s.compareAndSet(ctx, sessionID, current, current, models.SessionUpdate{Outcome: outcome})
}

func (s *SessionStore) compareAndSet(ctx context.Context, sessionID string, from, to models.SessionStatus, update models.SessionUpdate) error {
	args := []interface{}{string(from), string(to), formatTime(s.now().UTC())}
	if update.IsLive != nil {
		args = append(args, "is_live", strconv.FormatBool(*update.IsLive))
	}
	if update.Confidence != nil {
		args = append(args, "confidence", strconv.FormatFloat(*update.Confidence, 'f', -1, 64))
	}
	if update.ReferenceHandle != "" {
		args = append(args, "reference_handle", update.ReferenceHandle)
	}
	if update.Outcome != "" {
		args = append(args, "outcome", update.Outcome)
	}

	res, err := s.client.RunScript(ctx, casStatus, []string{sessionKey(sessionID)}, args...)
	if err != nil {
		s.logger.Error("Failed to update session status",
			util.String("session_id", sessionID),
			util.String("from", string(from)),
			util.String("to", string(to)),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch code, _ := res.(int64); code {
	case 1:
		s.logger.Debug("Session status updated",
			util.String("session_id", sessionID),
			util.String("from", string(from)),
			util.String("to", string(to)))
		return nil
	case -1:
		return ErrSessionNotFound
	default:
		return ErrStatusConflict
	}
}

func decodeSession(sessionID string, fields map[string]string) (*models.Session, error) {
	session := &models.Session{
		SessionID:         sessionID,
		ClaimedEmployeeID: fields["claimed_employee_id"],
		EngineSessionID:   fields["engine_session_id"],
		Status:            models.SessionStatus(fields["status"]),
		ReferenceHandle:   fields["reference_handle"],
		Outcome:           fields["outcome"],
	}
	if !session.Status.Valid() {
		return nil, fmt.Errorf("session %s has unknown status %q", sessionID, fields["status"])
	}

	var err error
	if session.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("session %s created_at: %w", sessionID, err)
	}
	if session.ExpiresAt, err = parseTime(fields["expires_at"]); err != nil {
		return nil, fmt.Errorf("session %s expires_at: %w", sessionID, err)
	}
	if v := fields["updated_at"]; v != "" {
		if session.UpdatedAt, err = parseTime(v); err != nil {
			return nil, fmt.Errorf("session %s updated_at: %w", sessionID, err)
		}
	}
	if v := fields["is_live"]; v != "" {
		session.IsLive, _ = strconv.ParseBool(v)
	}
	if v := fields["confidence"]; v != "" {
		session.Confidence, _ = strconv.ParseFloat(v, 64)
	}
	return session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
