package events

import (
	"context"
	"encoding/json"
	"fmt"

	"faceauth-service/internal/models"
)

// Sink accepts one auth event. Implementations must be safe for concurrent
// use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *models.AuthEvent) error
}

type messageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaSink streams events keyed by employee id, so one employee's events keep
// their order within a partition.
type KafkaSink struct {
	producer messageProducer
}

func NewKafkaSink(p messageProducer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, ev *models.AuthEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode auth event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, []byte(ev.EmployeeID), payload, map[string]string{
		"flow":     ev.Flow,
		"outcome":  ev.Outcome,
		"event_id": ev.EventID,
	})
}

type rowWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

const insertAuthEvent = `INSERT INTO auth_events (
	event_id, event_bucket, flow, employee_id, session_id, status, outcome,
	reason, confidence, similarity, source_ip, duration_ms, occurred_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ClickHouseSink appends events to the auth_events analytics table.
type ClickHouseSink struct {
	db rowWriter
}

func NewClickHouseSink(db rowWriter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, ev *models.AuthEvent) error {
	return s.db.Exec(ctx, insertAuthEvent,
		ev.EventID, uint16(ev.EventBucket), ev.Flow, ev.EmployeeID, ev.SessionID, ev.Status,
		ev.Outcome, ev.Reason, ev.Confidence, ev.Similarity, ev.SourceIP, ev.DurationMs,
		ev.OccurredAt.UTC(),
	)
}

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// SearchSink indexes events by event id; a retried publish overwrites the
// same document.
type SearchSink struct {
	es    documentIndexer
	index string
}

func NewSearchSink(es documentIndexer, index string) *SearchSink {
	return &SearchSink{es: es, index: index}
}

func (s *SearchSink) Name() string { return "elasticsearch" }

func (s *SearchSink) Publish(ctx context.Context, ev *models.AuthEvent) error {
	return s.es.IndexDocument(ctx, s.index, ev.EventID, ev)
}
