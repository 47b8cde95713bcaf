package service

import (
	"context"
	"time"

	"faceauth-service/internal/credential"
	"faceauth-service/internal/encryption"
	"faceauth-service/internal/idcard"
	"faceauth-service/internal/models"
)

// The service depends on narrow views of its adapters so tests can swap in
// fakes. The concrete adapters satisfy them as-is.

type BiometricEngine interface {
	CreateLivenessSession(ctx context.Context, employeeID string) (string, error)
	FetchLivenessResult(ctx context.Context, engineSessionID string) (*models.LivenessResult, error)
	SearchFace(ctx context.Context, handle string, threshold float64) ([]models.FaceMatch, error)
	MatchTemplate(ctx context.Context, handle, faceReferenceID string, threshold float64) (bool, float64, error)
	IndexFace(ctx context.Context, handle, employeeID string) (string, error)
	DeleteFace(ctx context.Context, faceReferenceID string) error
	LivenessThreshold() float64
	MatchThreshold() float64
}

type Directory interface {
	Verify(ctx context.Context, employeeID string) (*models.DirectoryRecord, error)
	Bind(ctx context.Context, employeeID, password string) (*models.DirectoryRecord, error)
}

type SessionStore interface {
	Create(ctx context.Context, claimedEmployeeID, engineSessionID string) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateStatus(ctx context.Context, sessionID string, from, to models.SessionStatus, update models.SessionUpdate) error
	MarkTechnicalFailure(ctx context.Context, sessionID string, current models.SessionStatus, outcome string) error
	Seal(ctx context.Context, sessionID string, current models.SessionStatus, outcome string) error
}

type TemplateRegistry interface {
	GetActive(ctx context.Context, employeeID string) (*models.FaceTemplate, error)
	Enroll(ctx context.Context, employeeID, faceReferenceID, photoLocation string) (current, previous *models.FaceTemplate, err error)
	Revoke(ctx context.Context, employeeID string) (*models.FaceTemplate, error)
}

type CredentialIssuer interface {
	Issue(record *models.DirectoryRecord, method string) (*credential.Credential, error)
	Parse(token string) (*credential.Claims, error)
}

type CardParser interface {
	Parse(ctx context.Context, image []byte) (*idcard.Card, error)
}

type PhotoStore interface {
	PutPhoto(ctx context.Context, key string, image []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

type AuditLog interface {
	Append(ctx context.Context, entry *models.EnrollmentAuditEntry) error
}

type FieldEncryptor interface {
	EncryptField(ctx context.Context, plaintext, keyPurpose string) (*encryption.EncryptedData, error)
}

type AttemptLimiter interface {
	IsLocked(ctx context.Context, key string) (bool, error)
	RegisterFailure(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error)
	ResetCounter(ctx context.Context, key string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev *models.AuthEvent)
}

type Recorder interface {
	Outcome(flow, outcome string)
	ObserveStep(step string, d time.Duration)
	EmergencyLockout()
}
