package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"faceauth-service/internal/bucketing"
	"faceauth-service/internal/ids"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

var ErrPublisherClosed = errors.New("event publisher closed")

type failureRecorder interface {
	SinkFailure(sink string)
}

// Publisher fans auth events out to every sink in the background. Publishing
// never fails the caller: sink errors are logged and counted.
type Publisher struct {
	sinks     []Sink
	timeout   time.Duration
	bucketing *bucketing.BucketingManager
	failures  failureRecorder
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPublisher(timeout time.Duration, bm *bucketing.BucketingManager, failures failureRecorder, logger *zap.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:     sinks,
		timeout:   timeout,
		bucketing: bm,
		failures:  failures,
		logger:    logger,
		now:       time.Now,
	}
}

// Sinks lists the configured sink names.
func (p *Publisher) Sinks() []string {
	names := make([]string, 0, len(p.sinks))
	for _, s := range p.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish stamps ev with an id, bucket and time if missing and hands it to
// the sinks asynchronously. The request context only contributes values; its
// cancellation does not abort delivery.
func (p *Publisher) Publish(ctx context.Context, ev *models.AuthEvent) {
	if len(p.sinks) == 0 {
		return
	}
	p.stamp(ev)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("Dropping auth event after shutdown", util.String("event_id", ev.EventID))
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.deliver(context.WithoutCancel(ctx), ev)
	}()
}

// PublishSync delivers ev and returns the joined sink errors.
func (p *Publisher) PublishSync(ctx context.Context, ev *models.AuthEvent) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPublisherClosed
	}
	p.stamp(ev)
	return p.deliver(ctx, ev)
}

func (p *Publisher) stamp(ev *models.AuthEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now().UTC()
	}
	if ev.EventID == "" {
		ev.EventID = ids.NewEventID(ev.OccurredAt)
	}
	if p.bucketing != nil {
		ev.EventBucket = p.bucketing.GetEventBucket(ev.EmployeeID)
	}
}

func (p *Publisher) deliver(ctx context.Context, ev *models.AuthEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Plain Group: one failing sink must not cancel the others.
	var g errgroup.Group
	errs := make([]error, len(p.sinks))
	for i, sink := range p.sinks {
		i, sink := i, sink
		g.Go(func() error {
			if err := sink.Publish(ctx, ev); err != nil {
				errs[i] = fmt.Errorf("%s: %w", sink.Name(), err)
				if p.failures != nil {
					p.failures.SinkFailure(sink.Name())
				}
				p.logger.Warn("Auth event sink failed",
					util.String("sink", sink.Name()),
					util.String("event_id", ev.EventID),
					util.String("flow", ev.Flow),
					util.ErrorField(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops accepting events and waits for in-flight deliveries or ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher drain: %w", ctx.Err())
	}
}
