package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"faceauth-service/internal/credential"
	"faceauth-service/internal/models"
	"faceauth-service/internal/service"
	"faceauth-service/internal/util"
)

// The handler depends on these views of the services so tests can stub them.

type LoginFlow interface {
	CreateSession(ctx context.Context, employeeID string) (*models.Session, error)
	GetResult(ctx context.Context, sessionID string) (*service.LivenessView, error)
	Verify(ctx context.Context, sessionID string) (*service.VerifyResult, error)
}

type EnrollFlow interface {
	Enroll(ctx context.Context, sessionID string, cardImage []byte) (*service.EnrollResult, error)
	Revoke(ctx context.Context, bearer string) (*service.RevokeResult, error)
}

type EmergencyFlow interface {
	Login(ctx context.Context, employeeID, password string) (*credential.Credential, error)
}

// AuthHandler serves the login, enrollment and emergency endpoints.
type AuthHandler struct {
	login     LoginFlow
	enroll    EnrollFlow
	emergency EmergencyFlow
	logger    *zap.Logger
}

func NewAuthHandler(login LoginFlow, enroll EnrollFlow, emergency EmergencyFlow, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{login: login, enroll: enroll, emergency: emergency, logger: logger}
}

// ErrorResponse is the envelope of every failed call.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type createSessionRequest struct {
	EmployeeID string `json:"employee_id"`
}

type createSessionResponse struct {
	SessionID         string    `json:"session_id"`
	LivenessSessionID string    `json:"liveness_session_id"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

type enrollRequest struct {
	SessionID   string `json:"session_id"`
	IDCardImage string `json:"id_card_image"`
}

type emergencyRequest struct {
	EmployeeID string `json:"employee_id"`
	Password   string `json:"password"`
}

// RegisterRoutes registers the API routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/liveness/session", func(r chi.Router) {
		r.Post("/create", h.CreateSession)
		r.Get("/{sessionId}/result", h.GetResult)
	})
	router.Post("/auth/verify", h.Verify)
	router.Post("/auth/emergency", h.Emergency)
	router.Post("/enroll", h.Enroll)
	router.Delete("/enroll", h.Revoke)
}

func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	session, err := h.login.CreateSession(r.Context(), req.EmployeeID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, createSessionResponse{
		SessionID:         session.SessionID,
		LivenessSessionID: session.EngineSessionID,
		ExpiresAt:         session.ExpiresAt,
	})
}

func (h *AuthHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	view, err := h.login.GetResult(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, view)
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	result, err := h.login.Verify(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}

func (h *AuthHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	image, err := base64.StdEncoding.DecodeString(req.IDCardImage)
	if err != nil {
		writeError(w, h.logger, service.E(service.KindBadRequest, "decode", errors.New("id_card_image must be base64")))
		return
	}

	result, err := h.enroll.Enroll(r.Context(), req.SessionID, image)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, result)
}

func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	result, err := h.enroll.Revoke(r.Context(), bearerToken(r))
	if err != nil {
		if service.KindOf(err) == service.KindUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="faceauth"`)
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}

func (h *AuthHandler) Emergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	cred, err := h.emergency.Login(r.Context(), req.EmployeeID, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, cred)
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return service.E(service.KindBadRequest, "decode", errors.New("request body is required"))
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			err = fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			err = errors.New("request body is required")
		}
		return service.E(service.KindBadRequest, "decode", err)
	}
	if dec.More() {
		return service.E(service.KindBadRequest, "decode", errors.New("request body must hold a single JSON object"))
	}
	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// writeError maps err through the classifier. The cause is logged and never
// written to the response.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	o := service.Classify(err)
	if o.HTTPStatus >= http.StatusInternalServerError {
		logger.Error("HTTP error response",
			util.String("code", o.Code),
			util.Int("status_code", o.HTTPStatus),
			util.String("kind", service.KindOf(err).String()),
			util.ErrorField(err))
	} else {
		logger.Debug("HTTP error response",
			util.String("code", o.Code),
			util.Int("status_code", o.HTTPStatus),
			util.ErrorField(err))
	}
	writeJSON(w, logger, o.HTTPStatus, ErrorResponse{Error: o.Code, Message: o.Message, Details: o.Details})
}
