package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/deadline"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

const (
	storeCallCap = 2 * time.Second
	// sealGrace bounds the write that freezes a session after the request
	// budget is already spent.
	sealGrace = time.Second
)

// steps runs downstream calls under the request's deadline tracker. It is
// shared by the auth, enrollment and emergency flows.
type steps struct {
	budget       config.DeadlineConfig
	directoryCap time.Duration
	metrics      Recorder
	logger       *zap.Logger
}

func newSteps(cfg *config.Config, metrics Recorder, logger *zap.Logger) *steps {
	budget := cfg.Deadline
	if budget.Buffer <= 0 {
		budget.Buffer = deadline.DefaultBuffer
	}
	if budget.RetryBuffer <= 0 {
		budget.RetryBuffer = 3 * time.Second
	}
	return &steps{
		budget:       budget,
		directoryCap: cfg.Directory.Timeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// tracker returns the tracker installed by the HTTP layer, or starts one.
func (s *steps) tracker(ctx context.Context) (context.Context, *deadline.Tracker) {
	if t := deadline.FromContext(ctx); t != nil {
		return ctx, t
	}
	t := deadline.New(s.budget.Overall, s.budget.Directory)
	return deadline.WithTracker(ctx, t), t
}

// external runs fn bounded by the remaining overall budget. With retry set, a
// transport failure gets one more attempt if enough budget is left.
func (s *steps) external(ctx context.Context, t *deadline.Tracker, step string, retry bool, fn func(context.Context) error) error {
	return s.run(ctx, t, step, retry, false, fn)
}

// directory is external for directory calls: bounded by the directory
// sub-budget and always allowed one retry on transport failure.
func (s *steps) directory(ctx context.Context, t *deadline.Tracker, step string, fn func(context.Context) error) error {
	return s.run(ctx, t, step, true, true, fn)
}

func (s *steps) run(ctx context.Context, t *deadline.Tracker, step string, retry, dir bool, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if !t.ShouldContinue(s.budget.Buffer) {
			s.logger.Warn("Deadline budget exhausted before step",
				util.String("step", step),
				util.Duration("remaining", t.RemainingOverall()))
			return E(KindTimeout, step, ErrBudgetExhausted)
		}

		var (
			cctx    context.Context
			release func()
		)
		if dir {
			if t.RemainingDirectory() <= 0 {
				s.logger.Warn("Directory budget exhausted before step", util.String("step", step))
				return E(KindTimeout, step, ErrBudgetExhausted)
			}
			cctx, release = t.BoundDirectory(ctx, s.directoryCap)
		} else {
			var cancel context.CancelFunc
			cctx, cancel = t.Bound(ctx, 0)
			release = func() { cancel() }
		}

		start := time.Now()
		err := fn(cctx)
		release()
		s.metrics.ObserveStep(step, time.Since(start))
		if err == nil {
			return nil
		}

		err = mapErr(step, err)
		if retry && attempt == 1 && KindOf(err) == KindTransport && t.ShouldContinue(s.budget.RetryBuffer) {
			s.logger.Warn("Retrying step after transport error",
				util.String("step", step),
				util.ErrorField(err))
			continue
		}
		return err
	}
}

// write is store for a call that commits a new record. Like external it is
// not started once the budget is inside the buffer.
func (s *steps) write(ctx context.Context, t *deadline.Tracker, step string, fn func(context.Context) error) error {
	if !t.ShouldContinue(s.budget.Buffer) {
		s.logger.Warn("Deadline budget exhausted before step",
			util.String("step", step),
			util.Duration("remaining", t.RemainingOverall()))
		return E(KindTimeout, step, ErrBudgetExhausted)
	}
	return s.store(ctx, t, step, fn)
}

// store bounds a session or registry call without the continue check, so a
// decided transition or seal can still be written late in the budget.
func (s *steps) store(ctx context.Context, t *deadline.Tracker, step string, fn func(context.Context) error) error {
	cctx, cancel := t.Bound(ctx, storeCallCap)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	s.metrics.ObserveStep(step, time.Since(start))
	return mapErr(step, err)
}

// freeze records a terminal technical outcome on a session. It runs on a
// detached context because the request budget is usually spent by now.
func (s *steps) freeze(ctx context.Context, sessions SessionStore, session *models.Session, code string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sealGrace)
	defer cancel()
	if err := sessions.MarkTechnicalFailure(fctx, session.SessionID, session.Status, code); err != nil {
		s.logger.Warn("Failed to freeze session after technical error",
			util.String("session_id", session.SessionID),
			util.String("status", string(session.Status)),
			util.ErrorField(err))
	}
}
