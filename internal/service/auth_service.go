package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/credential"
	"faceauth-service/internal/deadline"
	"faceauth-service/internal/models"
	sessionstore "faceauth-service/internal/repository/redis"
	"faceauth-service/internal/util"
)

var (
	errInvalidEmployeeID = errors.New("employee_id must be 1-50 ASCII letters or digits")
	errInvalidSessionID  = errors.New("session_id is required")
	errLivenessPending   = errors.New("liveness check has not completed")
	errSessionConsumed   = errors.New("session already used")
	errDecided           = errors.New("session already decided")
	errNoReferenceFrame  = errors.New("liveness result has no reference frame")
)

// LivenessView is what the result endpoint reports.
type LivenessView struct {
	SessionID  string               `json:"session_id"`
	IsLive     bool                 `json:"is_live"`
	Confidence float64              `json:"confidence"`
	Status     models.SessionStatus `json:"status"`
}

// VerifyResult is a successful login.
type VerifyResult struct {
	SessionID  string                 `json:"session_id"`
	Status     models.SessionStatus   `json:"status"`
	Credential *credential.Credential `json:"credential"`
}

// AuthService drives the login state machine. Every session change is a
// conditional write, so duplicate or concurrent requests for one session
// settle on a single outcome.
type AuthService struct {
	engine   BiometricEngine
	sessions SessionStore
	registry TemplateRegistry
	dir      Directory
	issuer   CredentialIssuer
	steps    *steps
	reporter *reporter
	logger   *zap.Logger
}

func NewAuthService(
	cfg *config.Config,
	engine BiometricEngine,
	sessions SessionStore,
	registry TemplateRegistry,
	dir Directory,
	issuer CredentialIssuer,
	events EventPublisher,
	metrics Recorder,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		engine:   engine,
		sessions: sessions,
		registry: registry,
		dir:      dir,
		issuer:   issuer,
		steps:    newSteps(cfg, metrics, logger),
		reporter: &reporter{events: events, metrics: metrics, logger: logger},
		logger:   logger,
	}
}

// CreateSession opens an engine liveness session for the claimed employee
// and records it as PENDING.
func (s *AuthService) CreateSession(ctx context.Context, employeeID string) (*models.Session, error) {
	const op = "create session"
	if !util.ValidEmployeeID(employeeID) {
		return nil, E(KindBadRequest, op, errInvalidEmployeeID)
	}
	ctx, t := s.steps.tracker(ctx)

	var engineSessionID string
	err := s.steps.external(ctx, t, "liveness_create", false, func(c context.Context) error {
		var err error
		engineSessionID, err = s.engine.CreateLivenessSession(c, employeeID)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to open liveness session",
			util.String("employee_id", util.MaskID(employeeID)),
			util.ErrorField(err))
		return nil, err
	}

	var session *models.Session
	err = s.steps.write(ctx, t, "session_create", func(c context.Context) error {
		var err error
		session, err = s.sessions.Create(c, employeeID, engineSessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Liveness session created",
		util.String("session_id", session.SessionID),
		util.String("employee_id", util.MaskID(employeeID)),
		util.Time("expires_at", session.ExpiresAt))
	return session, nil
}

// GetResult evaluates the liveness outcome of a session. Repeated calls
// return the outcome recorded by the first.
func (s *AuthService) GetResult(ctx context.Context, sessionID string) (*LivenessView, error) {
	const op = "get result"
	started := time.Now()
	if sessionID == "" {
		return nil, E(KindBadRequest, op, errInvalidSessionID)
	}
	ctx, t := s.steps.tracker(ctx)

	session, err := s.load(ctx, t, sessionID)
	if err != nil {
		return nil, err
	}

	session, acted, err := s.evaluateLiveness(ctx, t, session)
	if acted {
		ev := sessionEvent(models.FlowLogin, session)
		s.reporter.report(ctx, ev, started, err, CodeLive)
	}
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionLivenessFail ||
		(session.Outcome != "" && !session.Status.Terminal() && session.Outcome != CodeEnrolled) {
		return nil, replayError(op, session)
	}
	return livenessView(session), nil
}

// Verify runs the remaining login steps for a session and issues a
// credential. It resumes from whatever status the session has reached.
func (s *AuthService) Verify(ctx context.Context, sessionID string) (*VerifyResult, error) {
	const op = "verify"
	started := time.Now()
	if sessionID == "" {
		return nil, E(KindBadRequest, op, errInvalidSessionID)
	}
	ctx, t := s.steps.tracker(ctx)

	session, err := s.load(ctx, t, sessionID)
	if err != nil {
		return nil, err
	}

	ev := sessionEvent(models.FlowLogin, session)
	result, acted, err := s.advance(ctx, t, session, ev)
	if acted {
		s.reporter.report(ctx, ev, started, err, CodeIssued)
	}
	return result, err
}

func (s *AuthService) advance(ctx context.Context, t *deadline.Tracker, session *models.Session, ev *models.AuthEvent) (*VerifyResult, bool, error) {
	const op = "verify"
	var (
		record *models.DirectoryRecord
		acted  bool
	)
	for {
		if session.Frozen() {
			return nil, acted, replayError(op, session)
		}

		var (
			changed bool
			err     error
		)
		switch session.Status {
		case models.SessionPending:
			session, changed, err = s.evaluateLiveness(ctx, t, session)
			if err == nil && session.Status == models.SessionPending && !session.Frozen() {
				return nil, acted || changed, E(KindConflict, op, errLivenessPending)
			}
		case models.SessionLivenessOK:
			session, changed, err = s.matchTemplate(ctx, t, session, ev)
		case models.SessionMatchOK:
			session, record, changed, err = s.verifyDirectory(ctx, t, session)
		case models.SessionDirectoryOK:
			result, issued, err := s.issue(ctx, t, session, record)
			return result, acted || issued, err
		default:
			return nil, acted, E(KindInternal, op, fmt.Errorf("unexpected session status %s", session.Status))
		}

		acted = acted || changed
		ev.Status = string(session.Status)
		ev.Confidence = session.Confidence
		if err != nil {
			return nil, acted, err
		}
	}
}

// evaluateLiveness moves a PENDING session to LIVENESS_OK or LIVENESS_FAIL.
// It reports whether this call changed the session.
func (s *AuthService) evaluateLiveness(ctx context.Context, t *deadline.Tracker, session *models.Session) (*models.Session, bool, error) {
	if session.Status != models.SessionPending || session.Frozen() {
		return session, false, nil
	}

	var result *models.LivenessResult
	err := s.steps.external(ctx, t, "liveness_result", true, func(c context.Context) error {
		var err error
		result, err = s.engine.FetchLivenessResult(c, session.EngineSessionID)
		return err
	})
	if KindOf(err) == KindUnauthorizedLiveness {
		return s.fail(ctx, t, session, models.SessionLivenessFail, CodeGenericTechnical, err)
	}
	if err != nil {
		s.steps.freeze(ctx, s.sessions, session, CodeGenericTechnical)
		session.Outcome = CodeGenericTechnical
		return session, true, err
	}
	if result.EngineStatus == models.EnginePending {
		return session, false, nil
	}

	threshold := s.engine.LivenessThreshold()
	frame, hasFrame := result.BestFrame()
	passed := result.Passes(threshold) && hasFrame

	s.logger.Info("Liveness evaluated",
		util.String("session_id", session.SessionID),
		util.String("engine_status", string(result.EngineStatus)),
		util.Bool("is_live", result.IsLive),
		util.Float64("confidence", result.Confidence),
		util.Float64("threshold", threshold),
		util.Bool("passed", passed))

	isLive, confidence := result.IsLive, result.Confidence
	update := models.SessionUpdate{IsLive: &isLive, Confidence: &confidence}
	to := models.SessionLivenessFail
	if passed {
		to = models.SessionLivenessOK
		update.ReferenceHandle = frame.Handle
	} else {
		update.Outcome = CodeGenericTechnical
	}

	session, changed, err := s.transition(ctx, t, session, to, update)
	if err != nil {
		return session, changed, err
	}
	if changed && to == models.SessionLivenessFail {
		return session, true, E(KindUnauthorizedLiveness, "liveness", fmt.Errorf("engine status %s, confidence %.1f", result.EngineStatus, result.Confidence))
	}
	return session, changed, nil
}

// matchTemplate compares the session's reference frame with the claimed
// employee's active template. Matches against anyone else are irrelevant.
func (s *AuthService) matchTemplate(ctx context.Context, t *deadline.Tracker, session *models.Session, ev *models.AuthEvent) (*models.Session, bool, error) {
	employeeID := session.ClaimedEmployeeID

	var tmpl *models.FaceTemplate
	err := s.steps.external(ctx, t, "template_lookup", false, func(c context.Context) error {
		var err error
		tmpl, err = s.registry.GetActive(c, employeeID)
		return err
	})
	if KindOf(err) == KindMismatchRegistration {
		s.logger.Info("No usable template for claimed employee",
			util.String("session_id", session.SessionID),
			util.String("employee_id", util.MaskID(employeeID)),
			util.ErrorField(err))
		return s.fail(ctx, t, session, models.SessionMatchFail, CodeRegistrationInfoMismatch, err)
	}
	if err != nil {
		s.steps.freeze(ctx, s.sessions, session, CodeGenericTechnical)
		return session, true, err
	}

	if session.ReferenceHandle == "" {
		s.steps.freeze(ctx, s.sessions, session, CodeGenericTechnical)
		return session, true, E(KindInternal, "face match", errNoReferenceFrame)
	}

	threshold := s.engine.MatchThreshold()
	var (
		matched    bool
		similarity float64
	)
	err = s.steps.external(ctx, t, "face_match", true, func(c context.Context) error {
		var err error
		matched, similarity, err = s.engine.MatchTemplate(c, session.ReferenceHandle, tmpl.FaceReferenceID, threshold)
		return err
	})
	if err != nil {
		s.steps.freeze(ctx, s.sessions, session, CodeGenericTechnical)
		return session, true, err
	}
	ev.Similarity = similarity

	s.logger.Info("Face match evaluated",
		util.String("session_id", session.SessionID),
		util.String("template_id", tmpl.TemplateID),
		util.Float64("similarity", similarity),
		util.Float64("threshold", threshold),
		util.Bool("matched", matched))

	if !matched {
		return s.fail(ctx, t, session, models.SessionMatchFail, CodeRegistrationInfoMismatch,
			fmt.Errorf("similarity %.1f below %.1f", similarity, threshold))
	}
	return s.transition(ctx, t, session, models.SessionMatchOK, models.SessionUpdate{})
}

func (s *AuthService) verifyDirectory(ctx context.Context, t *deadline.Tracker, session *models.Session) (*models.Session, *models.DirectoryRecord, bool, error) {
	record, err := s.lookupDirectory(ctx, t, session.ClaimedEmployeeID)
	switch KindOf(err) {
	case KindMismatchRegistration:
		next, changed, ferr := s.fail(ctx, t, session, models.SessionDirectoryFail, CodeRegistrationInfoMismatch, err)
		return next, nil, changed, ferr
	case KindAccountDisabled:
		next, changed, ferr := s.fail(ctx, t, session, models.SessionDirectoryFail, CodeAccountDisabled, err)
		return next, nil, changed, ferr
	}
	if err != nil {
		s.steps.freeze(ctx, s.sessions, session, CodeGenericTechnical)
		return session, nil, true, err
	}

	next, changed, err := s.transition(ctx, t, session, models.SessionDirectoryOK, models.SessionUpdate{})
	return next, record, changed, err
}

// lookupDirectory verifies the employee and treats a disabled record as
// ACCOUNT_DISABLED whichever way the directory reported it.
func (s *AuthService) lookupDirectory(ctx context.Context, t *deadline.Tracker, employeeID string) (*models.DirectoryRecord, error) {
	var record *models.DirectoryRecord
	err := s.steps.directory(ctx, t, "directory_verify", func(c context.Context) error {
		var err error
		record, err = s.dir.Verify(c, employeeID)
		return err
	})
	if err == nil && record.Disabled() {
		err = E(KindAccountDisabled, "directory verify", errors.New("account disabled"))
	}
	return record, err
}

func (s *AuthService) issue(ctx context.Context, t *deadline.Tracker, session *models.Session, record *models.DirectoryRecord) (*VerifyResult, bool, error) {
	const op = "issue credential"
	// A session resumed at DIRECTORY_OK has no record in hand.
	if record == nil {
		var err error
		record, err = s.lookupDirectory(ctx, t, session.ClaimedEmployeeID)
		if err != nil {
			code := CodeGenericTechnical
			if k := KindOf(err); k == KindMismatchRegistration || k == KindAccountDisabled {
				code = Classify(err).Code
			}
			s.steps.freeze(ctx, s.sessions, session, code)
			return nil, true, err
		}
	}

	cred, err := s.issuer.Issue(record, credential.MethodFace)
	if err != nil {
		s.steps.freeze(ctx, s.sessions, session, CodeGenericTechnical)
		return nil, true, E(KindInternal, op, err)
	}

	next, changed, err := s.transition(ctx, t, session, models.SessionIssued, models.SessionUpdate{Outcome: CodeIssued})
	if err != nil {
		return nil, changed, err
	}
	if !changed {
		// Another request issued first; this credential is discarded.
		return nil, false, replayError(op, next)
	}
	return &VerifyResult{SessionID: next.SessionID, Status: next.Status, Credential: cred}, true, nil
}

// fail writes a terminal failure and returns the public error for it.
func (s *AuthService) fail(ctx context.Context, t *deadline.Tracker, session *models.Session, to models.SessionStatus, code string, cause error) (*models.Session, bool, error) {
	next, changed, err := s.transition(ctx, t, session, to, models.SessionUpdate{Outcome: code})
	if err != nil {
		return next, changed, err
	}
	if !changed {
		return next, false, nil
	}
	return next, true, E(kindForOutcome(code, to), "session "+string(to), cause)
}

// transition applies a conditional status write. When another request won
// the race, the session is re-read and returned unchanged=false so the
// caller continues from the winner's state.
func (s *AuthService) transition(ctx context.Context, t *deadline.Tracker, session *models.Session, to models.SessionStatus, update models.SessionUpdate) (*models.Session, bool, error) {
	err := s.steps.store(ctx, t, "session_update", func(c context.Context) error {
		return s.sessions.UpdateStatus(c, session.SessionID, session.Status, to, update)
	})
	if err == nil {
		next := *session
		next.Status = to
		if update.IsLive != nil {
			next.IsLive = *update.IsLive
		}
		if update.Confidence != nil {
			next.Confidence = *update.Confidence
		}
		if update.ReferenceHandle != "" {
			next.ReferenceHandle = update.ReferenceHandle
		}
		if update.Outcome != "" {
			next.Outcome = update.Outcome
		}
		return &next, true, nil
	}
	if !errors.Is(err, sessionstore.ErrStatusConflict) {
		return session, false, err
	}

	s.logger.Debug("Lost session transition race, re-reading",
		util.String("session_id", session.SessionID),
		util.String("from", string(session.Status)),
		util.String("to", string(to)))
	fresh, lerr := s.load(ctx, t, session.SessionID)
	if lerr != nil {
		return session, false, lerr
	}
	return fresh, false, nil
}

// load reads a session. Past expires_at a live session is moved to EXPIRED
// and the call answers GONE.
func (s *AuthService) load(ctx context.Context, t *deadline.Tracker, sessionID string) (*models.Session, error) {
	var session *models.Session
	err := s.steps.store(ctx, t, "session_get", func(c context.Context) error {
		var err error
		session, err = s.sessions.Get(c, sessionID)
		return err
	})
	if errors.Is(err, sessionstore.ErrSessionExpired) && session != nil {
		if !session.Frozen() {
			uerr := s.steps.store(ctx, t, "session_update", func(c context.Context) error {
				return s.sessions.UpdateStatus(c, sessionID, session.Status, models.SessionExpired, models.SessionUpdate{Outcome: CodeGone})
			})
			if uerr != nil && !errors.Is(uerr, sessionstore.ErrStatusConflict) {
				s.logger.Warn("Failed to mark session expired",
					util.String("session_id", sessionID),
					util.ErrorField(uerr))
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// replayError reproduces the public outcome of a session that was decided
// earlier.
func replayError(op string, session *models.Session) error {
	switch session.Status {
	case models.SessionIssued:
		return E(KindGone, op, errSessionConsumed)
	case models.SessionExpired:
		return E(KindGone, op, sessionstore.ErrSessionExpired)
	case models.SessionLivenessFail:
		return E(KindUnauthorizedLiveness, op, errDecided)
	case models.SessionMatchFail:
		return E(KindMismatchRegistration, op, errDecided)
	}
	if session.Outcome == CodeEnrolled {
		return E(KindGone, op, errSessionConsumed)
	}
	return E(kindForOutcome(session.Outcome, session.Status), op, errDecided)
}

// livenessView hides how far past liveness a session got.
func livenessView(session *models.Session) *LivenessView {
	status := session.Status
	if status != models.SessionPending {
		status = models.SessionLivenessOK
	}
	return &LivenessView{
		SessionID:  session.SessionID,
		IsLive:     session.IsLive,
		Confidence: session.Confidence,
		Status:     status,
	}
}
