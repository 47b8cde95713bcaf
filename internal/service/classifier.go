package service

import (
	"errors"
	"net/http"

	"faceauth-service/internal/models"
)

// Public outcome codes.
const (
	CodeIDCardFormatMismatch     = "ID_CARD_FORMAT_MISMATCH"
	CodeRegistrationInfoMismatch = "REGISTRATION_INFO_MISMATCH"
	CodeAccountDisabled          = "ACCOUNT_DISABLED"
	CodeGenericTechnical         = "GENERIC_TECHNICAL"
	CodeBadRequest               = "BAD_REQUEST"
	CodeNotFound                 = "NOT_FOUND"
	CodeGone                     = "GONE"
	CodeTooManyRequests          = "TOO_MANY_REQUESTS"
	CodeInvalidCredentials       = "INVALID_CREDENTIALS"
	CodeUnauthorized             = "UNAUTHORIZED"
	CodeConflict                 = "CONFLICT"

	// Success outcomes, used for sealing sessions, events and metrics.
	CodeIssued   = "ISSUED"
	CodeLive     = "LIVENESS_OK"
	CodeEnrolled = "ENROLLED"
	CodeRevoked  = "REVOKED"
)

// GenericTechnicalMessage is the one message every technical failure shares.
const GenericTechnicalMessage = "Authentication could not be completed. Please try again in brighter lighting."

var messages = map[string]string{
	CodeIDCardFormatMismatch:     "The ID card could not be read. Please retake the photo of the card.",
	CodeRegistrationInfoMismatch: "The registration information does not match. Please contact your administrator.",
	CodeAccountDisabled:          "This account is disabled. Please contact your administrator.",
	CodeGenericTechnical:         GenericTechnicalMessage,
	CodeBadRequest:               "The request is invalid.",
	CodeNotFound:                 "The session was not found.",
	CodeGone:                     "The session has expired. Please start again.",
	CodeTooManyRequests:          "Too many attempts. Please try again later.",
	CodeInvalidCredentials:       "The employee number or password is incorrect.",
	CodeUnauthorized:             "A valid credential is required.",
	CodeConflict:                 "The request conflicts with the current state. Please retry.",
}

// Outcome is the public face of an error.
type Outcome struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
}

// Classify maps any error to its public outcome. Nothing from the cause
// chain is copied into the outcome except the validation detail of a
// BAD_REQUEST.
func Classify(err error) Outcome {
	kind := KindOf(err)
	switch kind {
	case KindBadRequest:
		o := outcome(CodeBadRequest, http.StatusBadRequest)
		var se *Error
		if errors.As(err, &se) && se.Err != nil {
			o.Details = map[string]interface{}{"reason": se.Err.Error()}
		}
		return o
	case KindNotFound:
		return outcome(CodeNotFound, http.StatusNotFound)
	case KindGone:
		return outcome(CodeGone, http.StatusGone)
	case KindMismatchCard:
		return outcome(CodeIDCardFormatMismatch, http.StatusUnprocessableEntity)
	case KindMismatchRegistration:
		return outcome(CodeRegistrationInfoMismatch, http.StatusUnauthorized)
	case KindAccountDisabled:
		return outcome(CodeAccountDisabled, http.StatusForbidden)
	case KindInvalidCredentials:
		return outcome(CodeInvalidCredentials, http.StatusUnauthorized)
	case KindUnauthorized:
		return outcome(CodeUnauthorized, http.StatusUnauthorized)
	case KindTooManyRequests:
		return outcome(CodeTooManyRequests, http.StatusTooManyRequests)
	case KindConflict:
		return outcome(CodeConflict, http.StatusConflict)
	case KindUnauthorizedLiveness:
		return outcome(CodeGenericTechnical, http.StatusUnauthorized)
	}
	return outcome(CodeGenericTechnical, http.StatusInternalServerError)
}

// OutcomeCode is Classify(err).Code, or success when err is nil.
func OutcomeCode(err error, success string) string {
	if err == nil {
		return success
	}
	return Classify(err).Code
}

func outcome(code string, status int) Outcome {
	return Outcome{Code: code, Message: messages[code], HTTPStatus: status}
}

// kindForOutcome rebuilds the Kind of a recorded session outcome, so a replay
// classifies the same way as the original call.
func kindForOutcome(code string, status models.SessionStatus) Kind {
	switch code {
	case CodeRegistrationInfoMismatch:
		return KindMismatchRegistration
	case CodeAccountDisabled:
		return KindAccountDisabled
	case CodeGone:
		return KindGone
	case CodeGenericTechnical:
		if status == models.SessionLivenessFail {
			return KindUnauthorizedLiveness
		}
		return KindInternal
	}
	return KindInternal
}
