package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

var (
	ErrNotEnrolled         = errors.New("no face template enrolled")
	ErrTemplateSuspended   = errors.New("face template suspended")
	ErrConcurrentUpdate    = errors.New("face template changed concurrently")
	ErrRegistryUnavailable = errors.New("template registry unavailable")
)

// casExecutor runs a conditional batch. *ScyllaClient satisfies it.
type casExecutor interface {
	ExecuteCAS(ctx context.Context, stmts []BatchStatement) (bool, error)
}

// TemplateRepository keeps one partition per employee. A static
// active_template_id column points at the single ACTIVE row; every change to
// it is a lightweight transaction, so two enrollments cannot both win.
type TemplateRepository struct {
	client *ScyllaClient
	cas    casExecutor
	st     Statements
	logger *zap.Logger
	now    func() time.Time
}

func NewTemplateRepository(client *ScyllaClient, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		client: client,
		cas:    client,
		st:     client.Statements,
		logger: logger,
		now:    time.Now,
	}
}

type templateRow struct {
	templateID gocql.UUID
	activeID   gocql.UUID
	template   models.FaceTemplate
}

// GetActive returns the employee's ACTIVE template.
func (r *TemplateRepository) GetActive(ctx context.Context, employeeID string) (*models.FaceTemplate, error) {
	rows, err := r.loadPartition(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return resolveActive(rows)
}

// Enroll makes a new ACTIVE template and suspends the previous one in a
// single conditional batch. It returns the new template and the one it
// replaced, or nil for a first enrollment.
func (r *TemplateRepository) Enroll(ctx context.Context, employeeID, faceReferenceID, photoLocation string) (*models.FaceTemplate, *models.FaceTemplate, error) {
	rows, err := r.loadPartition(ctx, employeeID)
	if err != nil {
		return nil, nil, err
	}
	return r.enroll(ctx, employeeID, rows, faceReferenceID, photoLocation)
}

func (r *TemplateRepository) enroll(ctx context.Context, employeeID string, rows []templateRow, faceReferenceID, photoLocation string) (*models.FaceTemplate, *models.FaceTemplate, error) {
	now := r.now().UTC()
	templateID := gocql.UUIDFromTime(now)
	tpl := &models.FaceTemplate{
		EmployeeID:              employeeID,
		TemplateID:              templateID.String(),
		FaceReferenceID:         faceReferenceID,
		EnrollmentPhotoLocation: photoLocation,
		EnrolledAt:              now,
		LastUpdatedAt:           now,
		Status:                  models.TemplateActive,
	}

	prior, previous := priorActive(employeeID, rows)
	applied, err := r.cas.ExecuteCAS(ctx, enrollStatements(r.st, employeeID, prior, templateID, tpl))
	if err != nil {
		r.logger.Error("Failed to enroll face template",
			util.String("employee_id", util.MaskID(employeeID)),
			util.ErrorField(err))
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if !applied {
		return nil, nil, ErrConcurrentUpdate
	}

	previousID := ""
	if previous != nil {
		previous.Status = models.TemplateSuspended
		previous.LastUpdatedAt = now
		previousID = previous.TemplateID
	}
	r.logger.Info("Face template enrolled",
		util.String("employee_id", util.MaskID(employeeID)),
		util.String("template_id", tpl.TemplateID),
		util.String("previous_template_id", previousID))

	return tpl, previous, nil
}

// priorActive reads the static pointer off the partition and the row it
// names. A pointer whose row is missing still yields a template carrying
// only the id, so the batch can compare against it.
func priorActive(employeeID string, rows []templateRow) (gocql.UUID, *models.FaceTemplate) {
	if len(rows) == 0 || isZero(rows[0].activeID) {
		return gocql.UUID{}, nil
	}
	prior := rows[0].activeID
	for i := range rows {
		if rows[i].templateID == prior {
			tpl := rows[i].template
			return prior, &tpl
		}
	}
	return prior, &models.FaceTemplate{EmployeeID: employeeID, TemplateID: prior.String()}
}

// enrollStatements builds the batch that swaps the active pointer. With no
// prior pointer the swap is conditional on the pointer still being null.
func enrollStatements(st Statements, employeeID string, prior, templateID gocql.UUID, tpl *models.FaceTemplate) []BatchStatement {
	var stmts []BatchStatement
	if isZero(prior) {
		stmts = append(stmts, BatchStatement{st.SetActivePointerNull, []interface{}{templateID, employeeID}})
	} else {
		stmts = append(stmts,
			BatchStatement{st.SetActivePointerIfEq, []interface{}{templateID, employeeID, prior}},
			BatchStatement{st.SetTemplateStatus, []interface{}{string(models.TemplateSuspended), tpl.EnrolledAt, employeeID, prior}},
		)
	}
	return append(stmts, BatchStatement{st.InsertTemplate, []interface{}{
		employeeID, templateID, tpl.FaceReferenceID, tpl.EnrollmentPhotoLocation,
		tpl.EnrolledAt, tpl.LastUpdatedAt, string(models.TemplateActive),
	}})
}

// Revoke moves the ACTIVE template to REVOKED and clears the pointer.
func (r *TemplateRepository) Revoke(ctx context.Context, employeeID string) (*models.FaceTemplate, error) {
	active, err := r.GetActive(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return r.revoke(ctx, active)
}

func (r *TemplateRepository) revoke(ctx context.Context, active *models.FaceTemplate) (*models.FaceTemplate, error) {
	templateID, err := gocql.ParseUUID(active.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("stored template id %q: %w", active.TemplateID, err)
	}

	now := r.now().UTC()
	applied, err := r.cas.ExecuteCAS(ctx, []BatchStatement{
		{r.st.ClearActivePointer, []interface{}{active.EmployeeID, templateID}},
		{r.st.SetTemplateStatus, []interface{}{string(models.TemplateRevoked), now, active.EmployeeID, templateID}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if !applied {
		return nil, ErrConcurrentUpdate
	}

	active.Status = models.TemplateRevoked
	active.LastUpdatedAt = now
	r.logger.Info("Face template revoked",
		util.String("employee_id", util.MaskID(active.EmployeeID)),
		util.String("template_id", active.TemplateID))
	return active, nil
}

func (r *TemplateRepository) loadPartition(ctx context.Context, employeeID string) ([]templateRow, error) {
	iter := r.client.Query(ctx, r.st.SelectTemplates, employeeID).Iter()

	var (
		rows   []templateRow
		row    templateRow
		status string
	)
	for iter.Scan(&row.templateID, &row.activeID, &row.template.FaceReferenceID,
		&row.template.EnrollmentPhotoLocation, &row.template.EnrolledAt,
		&row.template.LastUpdatedAt, &status) {
		row.template.EmployeeID = employeeID
		row.template.TemplateID = row.templateID.String()
		row.template.Status = models.TemplateStatus(status)
		rows = append(rows, row)
		row = templateRow{}
	}
	if err := iter.Close(); err != nil {
		r.logger.Error("Failed to load face templates",
			util.String("employee_id", util.MaskID(employeeID)),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return rows, nil
}

// resolveActive picks the row the pointer names. Rows come newest first.
func resolveActive(rows []templateRow) (*models.FaceTemplate, error) {
	if len(rows) == 0 {
		return nil, ErrNotEnrolled
	}
	active := rows[0].activeID
	if !isZero(active) {
		for i := range rows {
			if rows[i].templateID == active && rows[i].template.Status == models.TemplateActive {
				tpl := rows[i].template
				return &tpl, nil
			}
		}
	}
	if rows[0].template.Status == models.TemplateRevoked {
		return nil, ErrNotEnrolled
	}
	return nil, ErrTemplateSuspended
}

func isZero(u gocql.UUID) bool {
	return u == gocql.UUID{}
}
