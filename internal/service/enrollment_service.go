package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"faceauth-service/internal/bucketing"
	"faceauth-service/internal/deadline"
	"faceauth-service/internal/ids"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

const (
	displayNamePurpose = "display_name"
	maxCardImageBytes  = 5 << 20
)

var (
	errCardImageRequired = errors.New("id_card_image is required")
	errCardImageTooLarge = errors.New("id_card_image exceeds 5 MiB")
	errCardIDMismatch    = errors.New("card employee number differs from claimed id")
	errCardNameMismatch  = errors.New("card name differs from directory display name")
	errSessionInUse      = errors.New("session already used for login")
	errFaceHeldByOther   = errors.New("face already enrolled for another employee")
)

// EnrollResult summarises a newly active template.
type EnrollResult struct {
	EmployeeID         string    `json:"employee_id"`
	TemplateID         string    `json:"template_id"`
	PreviousTemplateID string    `json:"previous_template_id,omitempty"`
	Status             string    `json:"status"`
	EnrolledAt         time.Time `json:"enrolled_at"`
}

// RevokeResult describes a revoked template.
type RevokeResult struct {
	EmployeeID string `json:"employee_id"`
	TemplateID string `json:"template_id"`
	Status     string `json:"status"`
}

// EnrollmentService binds a face to an employee after checking the ID card
// against the directory and the liveness session. It shares the login
// session machinery with AuthService.
type EnrollmentService struct {
	auth      *AuthService
	cards     CardParser
	photos    PhotoStore
	audit     AuditLog
	encryptor FieldEncryptor
	buckets   *bucketing.BucketingManager
	logger    *zap.Logger
	now       func() time.Time
}

func NewEnrollmentService(
	auth *AuthService,
	cards CardParser,
	photos PhotoStore,
	audit AuditLog,
	encryptor FieldEncryptor,
	buckets *bucketing.BucketingManager,
	logger *zap.Logger,
) *EnrollmentService {
	return &EnrollmentService{
		auth:      auth,
		cards:     cards,
		photos:    photos,
		audit:     audit,
		encryptor: encryptor,
		buckets:   buckets,
		logger:    logger,
		now:       time.Now,
	}
}

// Enroll registers the face captured in sessionID for the session's claimed
// employee. The card image is the raw decoded photo of the ID card.
func (s *EnrollmentService) Enroll(ctx context.Context, sessionID string, cardImage []byte) (*EnrollResult, error) {
	const op = "enroll"
	started := time.Now()
	switch {
	case sessionID == "":
		return nil, E(KindBadRequest, op, errInvalidSessionID)
	case len(cardImage) == 0:
		return nil, E(KindBadRequest, op, errCardImageRequired)
	case len(cardImage) > maxCardImageBytes:
		return nil, E(KindBadRequest, op, errCardImageTooLarge)
	}
	ctx, t := s.auth.steps.tracker(ctx)

	session, err := s.auth.load(ctx, t, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Frozen() {
		return nil, replayError(op, session)
	}
	if session.Status != models.SessionPending && session.Status != models.SessionLivenessOK {
		return nil, E(KindConflict, op, errSessionInUse)
	}

	ev := sessionEvent(models.FlowEnroll, session)
	result, err := s.enroll(ctx, t, session, cardImage, ev)
	s.auth.reporter.report(ctx, ev, started, err, CodeEnrolled)
	return result, err
}

func (s *EnrollmentService) enroll(ctx context.Context, t *deadline.Tracker, session *models.Session, cardImage []byte, ev *models.AuthEvent) (*EnrollResult, error) {
	steps := s.auth.steps
	employeeID := session.ClaimedEmployeeID

	var cardID, cardName string
	err := steps.external(ctx, t, "idcard_parse", true, func(c context.Context) error {
		card, err := s.cards.Parse(c, cardImage)
		if err != nil {
			return err
		}
		cardID, cardName = card.EmployeeID, card.Name
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cardID != employeeID {
		return nil, s.reject(ctx, session, errCardIDMismatch)
	}

	record, err := s.auth.lookupDirectory(ctx, t, employeeID)
	if err != nil {
		return nil, err
	}
	if util.NormalizeName(cardName) != util.NormalizeName(record.DisplayName) {
		return nil, s.reject(ctx, session, errCardNameMismatch)
	}

	session, _, err = s.auth.evaluateLiveness(ctx, t, session)
	ev.Status, ev.Confidence = string(session.Status), session.Confidence
	if err != nil {
		return nil, err
	}
	if session.Frozen() {
		return nil, replayError("enroll", session)
	}
	switch session.Status {
	case models.SessionPending:
		return nil, E(KindConflict, "enroll", errLivenessPending)
	case models.SessionLivenessOK:
	default:
		return nil, E(KindConflict, "enroll", errSessionInUse)
	}
	if session.ReferenceHandle == "" {
		return nil, E(KindInternal, "enroll", errNoReferenceFrame)
	}

	if err := s.checkDuplicate(ctx, t, session); err != nil {
		return nil, err
	}

	var faceRef string
	err = steps.external(ctx, t, "face_index", false, func(c context.Context) error {
		var err error
		faceRef, err = s.auth.engine.IndexFace(c, session.ReferenceHandle, employeeID)
		return err
	})
	if err != nil {
		return nil, err
	}

	photoKey := fmt.Sprintf("enrollment/%s/%s", employeeID, ids.NewEventID(s.now()))
	var location string
	err = steps.external(ctx, t, "photo_put", true, func(c context.Context) error {
		var err error
		location, err = s.photos.PutPhoto(c, photoKey, cardImage)
		return err
	})
	if err != nil {
		s.compensate(ctx, employeeID, faceRef, "")
		return nil, err
	}

	var tmpl, previous *models.FaceTemplate
	err = steps.write(ctx, t, "template_enroll", func(c context.Context) error {
		var err error
		tmpl, previous, err = s.auth.registry.Enroll(c, employeeID, faceRef, location)
		return err
	})
	if err != nil {
		s.compensate(ctx, employeeID, faceRef, photoKey)
		return nil, err
	}
	previousID := ""
	if previous != nil {
		previousID = previous.TemplateID
	}

	s.appendAudit(ctx, &models.EnrollmentAuditEntry{
		EmployeeID:         employeeID,
		Action:             models.AuditActionEnroll,
		TemplateID:         tmpl.TemplateID,
		PreviousTemplateID: previousID,
		FaceReferenceID:    faceRef,
	}, record.DisplayName)

	if err := steps.store(ctx, t, "session_seal", func(c context.Context) error {
		return s.auth.sessions.Seal(c, session.SessionID, session.Status, CodeEnrolled)
	}); err != nil {
		s.logger.Warn("Failed to seal enrollment session",
			util.String("session_id", session.SessionID),
			util.ErrorField(err))
	}

	s.logger.Info("Employee enrolled",
		util.String("employee_id", util.MaskID(employeeID)),
		util.String("template_id", tmpl.TemplateID),
		util.String("previous_template_id", previousID))

	// Only the active template's face stays searchable.
	if previous != nil && previous.FaceReferenceID != faceRef {
		s.dropFace(ctx, employeeID, previous.FaceReferenceID, "Failed to delete replaced face from collection")
	}

	return &EnrollResult{
		EmployeeID:         employeeID,
		TemplateID:         tmpl.TemplateID,
		PreviousTemplateID: previousID,
		Status:             string(tmpl.Status),
		EnrolledAt:         tmpl.EnrolledAt,
	}, nil
}

// checkDuplicate refuses a face the collection already holds for someone
// else. A hit on the same employee is a re-enrollment.
func (s *EnrollmentService) checkDuplicate(ctx context.Context, t *deadline.Tracker, session *models.Session) error {
	var matches []models.FaceMatch
	err := s.auth.steps.external(ctx, t, "face_search", true, func(c context.Context) error {
		var err error
		matches, err = s.auth.engine.SearchFace(c, session.ReferenceHandle, s.auth.engine.MatchThreshold())
		return err
	})
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.ExternalID != session.ClaimedEmployeeID {
			s.logger.Warn("Enrollment face matches another employee",
				util.String("session_id", session.SessionID),
				util.String("employee_id", util.MaskID(session.ClaimedEmployeeID)),
				util.String("other_employee_id", util.MaskID(m.ExternalID)),
				util.Float64("similarity", m.Similarity))
			return s.reject(ctx, session, errFaceHeldByOther)
		}
	}
	return nil
}

// reject seals the session with REGISTRATION_INFO_MISMATCH so the same
// liveness capture cannot be retried with another card.
func (s *EnrollmentService) reject(ctx context.Context, session *models.Session, cause error) error {
	s.auth.steps.freeze(ctx, s.auth.sessions, session, CodeRegistrationInfoMismatch)
	return E(KindMismatchRegistration, "enroll", cause)
}

// compensate removes what was created before the registry write failed. It
// runs detached from the request budget.
func (s *EnrollmentService) compensate(ctx context.Context, employeeID, faceRef, photoKey string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeCallCap)
	defer cancel()
	if faceRef != "" {
		if err := s.auth.engine.DeleteFace(cctx, faceRef); err != nil {
			s.logger.Error("Failed to delete indexed face after enrollment failure",
				util.String("employee_id", util.MaskID(employeeID)),
				util.String("face_reference_id", faceRef),
				util.ErrorField(err))
		}
	}
	if photoKey != "" {
		if err := s.photos.Delete(cctx, photoKey); err != nil {
			s.logger.Warn("Failed to delete enrollment photo",
				util.String("key", photoKey),
				util.ErrorField(err))
		}
	}
}

// dropFace removes a face whose template is no longer ACTIVE. The registry
// change is already committed, so a failure is only logged.
func (s *EnrollmentService) dropFace(ctx context.Context, employeeID, faceRef, msg string) {
	if faceRef == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeCallCap)
	defer cancel()
	if err := s.auth.engine.DeleteFace(dctx, faceRef); err != nil {
		s.logger.Warn(msg,
			util.String("employee_id", util.MaskID(employeeID)),
			util.String("face_reference_id", faceRef),
			util.ErrorField(err))
	}
}

// appendAudit writes one audit row. The template change is already committed,
// so a failed append is logged rather than returned.
func (s *EnrollmentService) appendAudit(ctx context.Context, entry *models.EnrollmentAuditEntry, displayName string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeCallCap)
	defer cancel()

	now := s.now().UTC()
	assignment := s.buckets.GetBucketAssignment(entry.EmployeeID, now)
	entry.EventID = ids.NewEventID(now)
	entry.EventDate = assignment.DateBucket
	entry.EventBucket = assignment.EventBucket
	entry.SourceIP = sourceIP(ctx)
	entry.CreatedAt = now

	if displayName != "" {
		enc, err := s.encryptor.EncryptField(actx, displayName, displayNamePurpose)
		if err != nil {
			s.logger.Error("Failed to encrypt audit display name",
				util.String("event_id", entry.EventID),
				util.ErrorField(err))
		} else {
			entry.DisplayName = enc.EncryptedValue
			entry.DisplayNameDEK = enc.EncryptedDEK
			entry.DisplayNameKeyID = enc.KeyID
		}
	}

	if err := s.audit.Append(actx, entry); err != nil {
		s.logger.Error("Enrollment audit row lost",
			util.String("event_id", entry.EventID),
			util.String("action", entry.Action),
			util.String("employee_id", util.MaskID(entry.EmployeeID)),
			util.ErrorField(err))
	}
}

// Revoke retires the caller's own ACTIVE template. The bearer token must be
// a credential this service issued.
func (s *EnrollmentService) Revoke(ctx context.Context, bearer string) (*RevokeResult, error) {
	const op = "revoke"
	started := time.Now()
	if strings.TrimSpace(bearer) == "" {
		return nil, E(KindUnauthorized, op, errors.New("missing bearer credential"))
	}

	claims, err := s.auth.issuer.Parse(bearer)
	if err != nil {
		return nil, mapErr(op, err)
	}
	employeeID := claims.Subject
	ctx, t := s.auth.steps.tracker(ctx)
	ev := &models.AuthEvent{Flow: models.FlowRevoke, EmployeeID: employeeID}

	var tmpl *models.FaceTemplate
	err = s.auth.steps.write(ctx, t, "template_revoke", func(c context.Context) error {
		var err error
		tmpl, err = s.auth.registry.Revoke(c, employeeID)
		return err
	})
	if KindOf(err) == KindMismatchRegistration {
		err = E(KindNotFound, op, err)
	}
	if err != nil {
		s.auth.reporter.report(ctx, ev, started, err, CodeRevoked)
		return nil, err
	}

	s.dropFace(ctx, employeeID, tmpl.FaceReferenceID, "Failed to delete revoked face from collection")

	s.appendAudit(ctx, &models.EnrollmentAuditEntry{
		EmployeeID:      employeeID,
		Action:          models.AuditActionRevoke,
		TemplateID:      tmpl.TemplateID,
		FaceReferenceID: tmpl.FaceReferenceID,
	}, claims.Name)

	s.auth.reporter.report(ctx, ev, started, nil, CodeRevoked)
	return &RevokeResult{
		EmployeeID: employeeID,
		TemplateID: tmpl.TemplateID,
		Status:     string(models.TemplateRevoked),
	}, nil
}
