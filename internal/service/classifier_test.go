package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"faceauth-service/internal/biometric"
	"faceauth-service/internal/credential"
	"faceauth-service/internal/directory"
	"faceauth-service/internal/idcard"
	sessionstore "faceauth-service/internal/repository/redis"
	"faceauth-service/internal/repository/scylla"
)

func TestClassify_AdapterErrors(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{idcard.ErrFormatMismatch, CodeIDCardFormatMismatch, http.StatusUnprocessableEntity},
		{directory.ErrNotFound, CodeRegistrationInfoMismatch, http.StatusUnauthorized},
		{scylla.ErrNotEnrolled, CodeRegistrationInfoMismatch, http.StatusUnauthorized},
		{scylla.ErrTemplateSuspended, CodeRegistrationInfoMismatch, http.StatusUnauthorized},
		{directory.ErrAccountDisabled, CodeAccountDisabled, http.StatusForbidden},
		{directory.ErrInvalidCredentials, CodeInvalidCredentials, http.StatusUnauthorized},
		{sessionstore.ErrSessionNotFound, CodeNotFound, http.StatusNotFound},
		{sessionstore.ErrSessionExpired, CodeGone, http.StatusGone},
		{scylla.ErrConcurrentUpdate, CodeConflict, http.StatusConflict},
		{credential.ErrInvalidToken, CodeUnauthorized, http.StatusUnauthorized},
		{biometric.ErrNoFace, CodeGenericTechnical, http.StatusUnauthorized},
		{biometric.ErrTimeout, CodeGenericTechnical, http.StatusInternalServerError},
		{directory.ErrTransport, CodeGenericTechnical, http.StatusInternalServerError},
		{sessionstore.ErrStoreUnavailable, CodeGenericTechnical, http.StatusInternalServerError},
		{context.DeadlineExceeded, CodeGenericTechnical, http.StatusInternalServerError},
		{errors.New("anything else"), CodeGenericTechnical, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := mapErr("step", fmt.Errorf("call: %w", tc.err))
		o := Classify(wrapped)
		assert.Equal(t, tc.code, o.Code, tc.err.Error())
		assert.Equal(t, tc.status, o.HTTPStatus, tc.err.Error())
		assert.NotEmpty(t, o.Message)
	}
}

func TestClassify_TechnicalCausesAreIndistinguishable(t *testing.T) {
	causes := []error{
		E(KindTimeout, "directory_verify", directory.ErrTimeout),
		E(KindTransport, "face_match", biometric.ErrTransport),
		E(KindStoreUnavailable, "session_get", sessionstore.ErrStoreUnavailable),
		E(KindInternal, "issue", errors.New("signing key missing")),
	}
	want := Classify(causes[0])
	for _, err := range causes {
		o := Classify(err)
		assert.Equal(t, want, o)
		assert.Equal(t, GenericTechnicalMessage, o.Message)
		assert.NotContains(t, o.Message, "directory")
	}
}

func TestClassify_BadRequestCarriesReason(t *testing.T) {
	o := Classify(E(KindBadRequest, "create session", errInvalidEmployeeID))
	assert.Equal(t, CodeBadRequest, o.Code)
	assert.Equal(t, errInvalidEmployeeID.Error(), o.Details["reason"])
}

func TestMapErr_KeepsExistingKind(t *testing.T) {
	inner := E(KindGone, "load", sessionstore.ErrSessionExpired)
	assert.Same(t, inner, mapErr("outer", inner))
	assert.Nil(t, mapErr("noop", nil))
}

func TestKind_Technical(t *testing.T) {
	for _, k := range []Kind{KindInternal, KindTimeout, KindTransport, KindStoreUnavailable, KindUnauthorizedLiveness} {
		assert.True(t, k.Technical(), k.String())
	}
	for _, k := range []Kind{KindBadRequest, KindMismatchRegistration, KindAccountDisabled, KindGone} {
		assert.False(t, k.Technical(), k.String())
	}
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestOutcomeCode(t *testing.T) {
	assert.Equal(t, CodeIssued, OutcomeCode(nil, CodeIssued))
	assert.Equal(t, CodeAccountDisabled, OutcomeCode(E(KindAccountDisabled, "x", nil), CodeIssued))
}
