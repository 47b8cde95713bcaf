package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/credential"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

const emergencyKeyPrefix = "emergency:"

var (
	errPasswordRequired = errors.New("password is required")
	errLockedOut        = errors.New("too many failed emergency attempts")
)

// EmergencyService authenticates with the directory password when the face
// path is unavailable. Failed binds count toward a per-employee lockout.
type EmergencyService struct {
	dir         Directory
	issuer      CredentialIssuer
	limiter     AttemptLimiter
	maxAttempts int
	window      time.Duration
	steps       *steps
	reporter    *reporter
	logger      *zap.Logger
}

func NewEmergencyService(
	cfg *config.Config,
	dir Directory,
	issuer CredentialIssuer,
	limiter AttemptLimiter,
	events EventPublisher,
	metrics Recorder,
	logger *zap.Logger,
) *EmergencyService {
	maxAttempts := cfg.RateLimit.EmergencyMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	window := cfg.RateLimit.EmergencyWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &EmergencyService{
		dir:         dir,
		issuer:      issuer,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		window:      window,
		steps:       newSteps(cfg, metrics, logger),
		reporter:    &reporter{events: events, metrics: metrics, logger: logger},
		logger:      logger,
	}
}

func (s *EmergencyService) Login(ctx context.Context, employeeID, password string) (*credential.Credential, error) {
	const op = "emergency login"
	started := time.Now()
	switch {
	case !util.ValidEmployeeID(employeeID):
		return nil, E(KindBadRequest, op, errInvalidEmployeeID)
	case password == "":
		return nil, E(KindBadRequest, op, errPasswordRequired)
	}
	ctx, t := s.steps.tracker(ctx)
	ev := &models.AuthEvent{Flow: models.FlowEmergency, EmployeeID: employeeID}
	key := emergencyKeyPrefix + employeeID

	var locked bool
	err := s.steps.store(ctx, t, "attempts_check", func(c context.Context) error {
		var err error
		locked, err = s.limiter.IsLocked(c, key)
		return err
	})
	if err != nil {
		// Without the counter there is no brute-force bound, so refuse.
		err = E(KindStoreUnavailable, op, err)
		s.reporter.report(ctx, ev, started, err, CodeIssued)
		return nil, err
	}
	if locked {
		s.steps.metrics.EmergencyLockout()
		err = E(KindTooManyRequests, op, errLockedOut)
		s.reporter.report(ctx, ev, started, err, CodeIssued)
		return nil, err
	}

	var record *models.DirectoryRecord
	err = s.steps.directory(ctx, t, "directory_bind", func(c context.Context) error {
		var err error
		record, err = s.dir.Bind(c, employeeID, password)
		return err
	})
	if err == nil && record.Disabled() {
		err = E(KindAccountDisabled, op, errors.New("account disabled"))
	}

	switch KindOf(err) {
	case KindInvalidCredentials, KindMismatchRegistration:
		// An unknown employee looks the same as a wrong password.
		err = E(KindInvalidCredentials, op, err)
		s.registerFailure(ctx, key)
	}
	if err != nil {
		s.reporter.report(ctx, ev, started, err, CodeIssued)
		return nil, err
	}

	if rerr := s.steps.store(ctx, t, "attempts_reset", func(c context.Context) error {
		return s.limiter.ResetCounter(c, key)
	}); rerr != nil {
		s.logger.Warn("Failed to reset emergency attempt counter",
			util.String("employee_id", util.MaskID(employeeID)),
			util.ErrorField(rerr))
	}

	cred, err := s.issuer.Issue(record, credential.MethodPassword)
	if err != nil {
		err = E(KindInternal, op, err)
		s.reporter.report(ctx, ev, started, err, CodeIssued)
		return nil, err
	}

	s.reporter.report(ctx, ev, started, nil, CodeIssued)
	return cred, nil
}

// registerFailure runs detached so a spent budget still counts the attempt.
func (s *EmergencyService) registerFailure(ctx context.Context, key string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeCallCap)
	defer cancel()
	nowLocked, err := s.limiter.RegisterFailure(cctx, key, s.maxAttempts, s.window)
	if err != nil {
		s.logger.Error("Failed to count emergency attempt",
			util.String("key", util.MaskID(key)),
			util.ErrorField(err))
		return
	}
	if nowLocked {
		s.steps.metrics.EmergencyLockout()
		s.logger.Warn("Emergency login locked",
			util.String("key", util.MaskID(key)),
			util.Duration("window", s.window))
	}
}
