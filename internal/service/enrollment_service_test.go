package service

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceauth-service/internal/idcard"
	"faceauth-service/internal/models"
	"faceauth-service/internal/repository/scylla"
)

var cardImage = []byte("\xff\xd8\xff\xe0 fake jpeg card")

func TestEnrollmentService_ReEnrollmentReplacesActiveTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := WithSourceIP(context.Background(), "192.0.2.10")
	session := h.createSession(t, "E1001")

	result, err := h.enroll.Enroll(ctx, session.SessionID, cardImage)
	require.NoError(t, err)
	assert.Equal(t, "E1001", result.EmployeeID)
	assert.Equal(t, "tpl-1", result.PreviousTemplateID)
	assert.Equal(t, string(models.TemplateActive), result.Status)

	assert.Equal(t, 1, h.registry.count("E1001", models.TemplateActive))
	assert.Equal(t, 1, h.registry.count("E1001", models.TemplateSuspended))
	active, err := h.registry.GetActive(ctx, "E1001")
	require.NoError(t, err)
	assert.Equal(t, result.TemplateID, active.TemplateID)
	assert.Equal(t, "face-E1001-frame-best", active.FaceReferenceID)
	assert.True(t, strings.HasPrefix(active.EnrollmentPhotoLocation, "s3://enrollment-photos/enrollment/E1001/"))
	assert.Equal(t, []string{"face-E1001-seed"}, h.engine.deleted)

	require.Len(t, h.audit.entries, 1)
	entry := h.audit.entries[0]
	assert.Equal(t, models.AuditActionEnroll, entry.Action)
	assert.Equal(t, "tpl-1", entry.PreviousTemplateID)
	assert.Equal(t, "enc(display_name):Yamada Taro", entry.DisplayName)
	assert.Equal(t, "192.0.2.10", entry.SourceIP)
	assert.NotEmpty(t, entry.EventID)
	assert.Less(t, entry.EventBucket, 16)

	stored := h.status(t, session.SessionID)
	assert.Equal(t, models.SessionLivenessOK, stored.Status)
	assert.Equal(t, CodeEnrolled, stored.Outcome)

	_, err = h.auth.Verify(ctx, session.SessionID)
	assert.Equal(t, CodeGone, Classify(err).Code)
	_, err = h.enroll.Enroll(ctx, session.SessionID, cardImage)
	assert.Equal(t, CodeGone, Classify(err).Code)

	events := h.events.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.FlowEnroll, last.Flow)
	assert.Equal(t, CodeEnrolled, last.Outcome)
}

func TestEnrollmentService_ReEnrollmentDropsReplacedFaces(t *testing.T) {
	h := newHarness(t)
	var refs []string
	for i := 0; i < 3; i++ {
		session := h.createSession(t, "E1001")
		_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
		require.NoError(t, err)
		active, err := h.registry.GetActive(context.Background(), "E1001")
		require.NoError(t, err)
		refs = append(refs, active.FaceReferenceID)
	}

	assert.Equal(t, []string{"face-E1001-frame-best", "face-E1001-frame-best-2", "face-E1001-frame-best-3"}, refs)
	assert.Equal(t, []string{"face-E1001-seed", refs[0], refs[1]}, h.engine.deleted)
	assert.Equal(t, 1, h.registry.count("E1001", models.TemplateActive))
	assert.Equal(t, 3, h.registry.count("E1001", models.TemplateSuspended))

	login := h.createSession(t, "E1001")
	_, err := h.auth.Verify(context.Background(), login.SessionID)
	require.NoError(t, err)
}

func TestEnrollmentService_NoRegistryWriteOnceBudgetIsSpent(t *testing.T) {
	h := newHarness(t)
	session := h.createSession(t, "E1001")
	clock := &steppedClock{now: time.Now()}
	h.photos.onPut = func() { clock.Advance(14500 * time.Millisecond) }

	_, err := h.enroll.Enroll(trackedContext(clock), session.SessionID, cardImage)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, CodeGenericTechnical, Classify(err).Code)

	assert.Equal(t, 1, h.registry.count("E1001", models.TemplateActive))
	assert.Zero(t, h.registry.count("E1001", models.TemplateSuspended))
	active, err := h.registry.GetActive(context.Background(), "E1001")
	require.NoError(t, err)
	assert.Equal(t, "tpl-1", active.TemplateID)

	assert.Equal(t, []string{"face-E1001-frame-best"}, h.engine.deleted)
	assert.Len(t, h.photos.deleted, 1)
	assert.Empty(t, h.photos.objects)
	assert.Empty(t, h.audit.entries)
}

func TestEnrollmentService_FirstEnrollment(t *testing.T) {
	h := newHarness(t)
	h.dir.records["E5005"] = &models.DirectoryRecord{EmployeeID: "E5005", DisplayName: "Sato Ken", AccountEnabled: true}
	h.cards.card = &idcard.Card{EmployeeID: "E5005", Name: "sato ken"}
	session := h.createSession(t, "E5005")

	result, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
	require.NoError(t, err)
	assert.Empty(t, result.PreviousTemplateID)

	login := h.createSession(t, "E5005")
	h.engine.similarity = 99.1
	_, err = h.auth.Verify(context.Background(), login.SessionID)
	require.NoError(t, err)
}

func TestEnrollmentService_CardFormatMismatch(t *testing.T) {
	h := newHarness(t)
	h.cards.err = idcard.ErrFormatMismatch
	session := h.createSession(t, "E1001")

	_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
	o := Classify(err)
	assert.Equal(t, CodeIDCardFormatMismatch, o.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, o.HTTPStatus)

	// A misread card can be retaken on the same session.
	stored := h.status(t, session.SessionID)
	assert.Empty(t, stored.Outcome)
	assert.Empty(t, h.engine.indexed)
}

func TestEnrollmentService_CardMustMatchSessionAndDirectory(t *testing.T) {
	cases := map[string]*idcard.Card{
		"other employee": {EmployeeID: "E9999", Name: "Yamada Taro"},
		"other name":     {EmployeeID: "E1001", Name: "Tanaka Jiro"},
	}
	for name, card := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.cards.card = card
			session := h.createSession(t, "E1001")

			_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
			assert.Equal(t, CodeRegistrationInfoMismatch, Classify(err).Code)
			assert.Equal(t, CodeRegistrationInfoMismatch, h.status(t, session.SessionID).Outcome)
			assert.Empty(t, h.engine.indexed)
			assert.Equal(t, 1, h.registry.count("E1001", models.TemplateActive))
		})
	}
}

func TestEnrollmentService_DisabledAccount(t *testing.T) {
	h := newHarness(t)
	h.cards.card = &idcard.Card{EmployeeID: "E2002", Name: "Suzuki Hana"}
	session := h.createSession(t, "E2002")

	_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
	assert.Equal(t, CodeAccountDisabled, Classify(err).Code)
	assert.Empty(t, h.engine.indexed)
}

func TestEnrollmentService_FaceHeldByAnotherEmployee(t *testing.T) {
	h := newHarness(t)
	h.engine.searchHits = []models.FaceMatch{{FaceReferenceID: "face-x", ExternalID: "E7777", Similarity: 99.4}}
	session := h.createSession(t, "E1001")

	_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
	assert.Equal(t, CodeRegistrationInfoMismatch, Classify(err).Code)
	assert.Empty(t, h.engine.indexed)
}

func TestEnrollmentService_RegistryFailureRemovesIndexedFace(t *testing.T) {
	h := newHarness(t)
	h.registry.enrollErr = scylla.ErrConcurrentUpdate
	session := h.createSession(t, "E1001")

	_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
	assert.Equal(t, CodeConflict, Classify(err).Code)
	assert.Equal(t, []string{"face-E1001-frame-best"}, h.engine.deleted)
	assert.Len(t, h.photos.deleted, 1)
	assert.Empty(t, h.photos.objects)
	assert.Empty(t, h.audit.entries)

	active, err := h.registry.GetActive(context.Background(), "E1001")
	require.NoError(t, err)
	assert.Equal(t, "tpl-1", active.TemplateID)
}

func TestEnrollmentService_LivenessFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.result.IsLive = false
	session := h.createSession(t, "E1001")

	_, err := h.enroll.Enroll(context.Background(), session.SessionID, cardImage)
	assert.Equal(t, KindUnauthorizedLiveness, KindOf(err))
	assert.Empty(t, h.engine.indexed)
}

func TestEnrollmentService_ValidatesInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.enroll.Enroll(context.Background(), "", cardImage)
	assert.Equal(t, CodeBadRequest, Classify(err).Code)
	_, err = h.enroll.Enroll(context.Background(), "abc", nil)
	assert.Equal(t, CodeBadRequest, Classify(err).Code)
	_, err = h.enroll.Enroll(context.Background(), "abc", make([]byte, maxCardImageBytes+1))
	assert.Equal(t, CodeBadRequest, Classify(err).Code)
}

func TestEnrollmentService_Revoke(t *testing.T) {
	h := newHarness(t)
	cred, err := h.issuer.Issue(h.dir.records["E1001"], "face")
	require.NoError(t, err)

	result, err := h.enroll.Revoke(context.Background(), cred.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tpl-1", result.TemplateID)
	assert.Equal(t, string(models.TemplateRevoked), result.Status)
	assert.Equal(t, []string{"face-E1001-seed"}, h.engine.deleted)
	assert.Zero(t, h.registry.count("E1001", models.TemplateActive))

	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, models.AuditActionRevoke, h.audit.entries[0].Action)
	assert.Equal(t, "enc(display_name):Yamada Taro", h.audit.entries[0].DisplayName)

	_, err = h.enroll.Revoke(context.Background(), cred.AccessToken)
	assert.Equal(t, CodeNotFound, Classify(err).Code)

	// A revoked employee can no longer log in by face.
	session := h.createSession(t, "E1001")
	_, err = h.auth.Verify(context.Background(), session.SessionID)
	assert.Equal(t, CodeRegistrationInfoMismatch, Classify(err).Code)
}

func TestEnrollmentService_RevokeNotStartedOnceBudgetIsSpent(t *testing.T) {
	h := newHarness(t)
	cred, err := h.issuer.Issue(h.dir.records["E1001"], "face")
	require.NoError(t, err)
	clock := &steppedClock{now: time.Now()}
	ctx := trackedContext(clock)
	clock.Advance(14500 * time.Millisecond)

	_, err = h.enroll.Revoke(ctx, cred.AccessToken)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, CodeGenericTechnical, Classify(err).Code)
	assert.Equal(t, 1, h.registry.count("E1001", models.TemplateActive))
	assert.Empty(t, h.engine.deleted)
}

func TestEnrollmentService_RevokeRequiresValidBearer(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "not-a-jwt"} {
		_, err := h.enroll.Revoke(context.Background(), token)
		o := Classify(err)
		assert.Equal(t, CodeUnauthorized, o.Code)
		assert.Equal(t, http.StatusUnauthorized, o.HTTPStatus)
	}
	assert.Equal(t, 1, h.registry.count("E1001", models.TemplateActive))
}
