package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

// reporter emits one auth event and one outcome sample per decision. The
// event carries the internal reason; callers only ever see Classify's view.
type reporter struct {
	events  EventPublisher
	metrics Recorder
	logger  *zap.Logger
}

func (r *reporter) report(ctx context.Context, ev *models.AuthEvent, started time.Time, err error, success string) {
	ev.Outcome = OutcomeCode(err, success)
	if err != nil {
		ev.Reason = err.Error()
	}
	ev.SourceIP = sourceIP(ctx)
	ev.DurationMs = time.Since(started).Milliseconds()

	r.metrics.Outcome(ev.Flow, ev.Outcome)

	fields := []zap.Field{
		util.String("flow", ev.Flow),
		util.String("employee_id", util.MaskID(ev.EmployeeID)),
		util.String("session_id", ev.SessionID),
		util.String("status", ev.Status),
		util.String("outcome", ev.Outcome),
		util.Any("duration_ms", ev.DurationMs),
	}
	if err != nil {
		r.logger.Warn("Auth flow failed", append(fields, util.ErrorField(err))...)
	} else {
		r.logger.Info("Auth flow completed", fields...)
	}

	if r.events != nil {
		r.events.Publish(ctx, ev)
	}
}

func sessionEvent(flow string, session *models.Session) *models.AuthEvent {
	ev := &models.AuthEvent{Flow: flow}
	if session != nil {
		ev.EmployeeID = session.ClaimedEmployeeID
		ev.SessionID = session.SessionID
		ev.Status = string(session.Status)
		ev.Confidence = session.Confidence
	}
	return ev
}
