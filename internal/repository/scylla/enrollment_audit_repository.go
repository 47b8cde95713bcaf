package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

// EnrollmentAuditRepository appends to the enrollment log. Rows are
// partitioned by day and event bucket.
type EnrollmentAuditRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewEnrollmentAuditRepository(client *ScyllaClient, logger *zap.Logger) *EnrollmentAuditRepository {
	return &EnrollmentAuditRepository{client: client, logger: logger}
}

func (r *EnrollmentAuditRepository) Append(ctx context.Context, e *models.EnrollmentAuditEntry) error {
	err := r.client.Query(ctx, r.client.Statements.InsertAudit,
		e.EventDate, e.EventBucket, e.EventID, e.EmployeeID, e.Action,
		uuidOrNil(e.TemplateID), uuidOrNil(e.PreviousTemplateID), e.FaceReferenceID,
		e.DisplayName, e.DisplayNameDEK, e.DisplayNameKeyID, e.SourceIP, e.CreatedAt,
	).Exec()
	if err != nil {
		r.logger.Error("Failed to append enrollment audit",
			util.String("event_id", e.EventID),
			util.String("action", e.Action),
			util.ErrorField(err))
		return fmt.Errorf("failed to append enrollment audit: %w", err)
	}
	return nil
}

// ListBucket reads one day/bucket partition, newest first.
func (r *EnrollmentAuditRepository) ListBucket(ctx context.Context, eventDate string, bucket, limit int) ([]*models.EnrollmentAuditEntry, error) {
	iter := r.client.Query(ctx, r.client.Statements.SelectAuditByBucket, eventDate, bucket, limit).Iter()

	var entries []*models.EnrollmentAuditEntry
	e := &models.EnrollmentAuditEntry{}
	for iter.Scan(&e.EventID, &e.EmployeeID, &e.Action, &e.TemplateID, &e.PreviousTemplateID,
		&e.FaceReferenceID, &e.DisplayName, &e.DisplayNameDEK, &e.DisplayNameKeyID,
		&e.SourceIP, &e.CreatedAt) {
		e.EventDate = eventDate
		e.EventBucket = bucket
		entries = append(entries, e)
		e = &models.EnrollmentAuditEntry{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list enrollment audit: %w", err)
	}
	return entries, nil
}

// uuidOrNil binds an empty id as CQL null.
func uuidOrNil(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}
