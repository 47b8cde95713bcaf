package service

import (
	"sync"

	"go.uber.org/zap"

	"faceauth-service/internal/bucketing"
	"faceauth-service/internal/config"
)

// Dependencies are the adapters the services are built from.
type Dependencies struct {
	Engine    BiometricEngine
	Directory Directory
	Sessions  SessionStore
	Registry  TemplateRegistry
	Issuer    CredentialIssuer
	Cards     CardParser
	Photos    PhotoStore
	Audit     AuditLog
	Encryptor FieldEncryptor
	Limiter   AttemptLimiter
	Events    EventPublisher
	Metrics   Recorder
	Buckets   *bucketing.BucketingManager
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	config *config.Config
	deps   Dependencies
	logger *zap.Logger

	mu                sync.Mutex
	authService       *AuthService
	enrollmentService *EnrollmentService
	emergencyService  *EmergencyService
}

func NewServiceFactory(cfg *config.Config, deps Dependencies, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{config: cfg, deps: deps, logger: logger}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authLocked()
}

func (f *ServiceFactory) authLocked() *AuthService {
	if f.authService == nil {
		d := f.deps
		f.authService = NewAuthService(f.config, d.Engine, d.Sessions, d.Registry, d.Directory,
			d.Issuer, d.Events, d.Metrics, f.logger.Named("auth"))
	}
	return f.authService
}

func (f *ServiceFactory) EnrollmentService() *EnrollmentService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrollmentService == nil {
		d := f.deps
		f.enrollmentService = NewEnrollmentService(f.authLocked(), d.Cards, d.Photos, d.Audit,
			d.Encryptor, d.Buckets, f.logger.Named("enroll"))
	}
	return f.enrollmentService
}

func (f *ServiceFactory) EmergencyService() *EmergencyService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emergencyService == nil {
		d := f.deps
		f.emergencyService = NewEmergencyService(f.config, d.Directory, d.Issuer, d.Limiter,
			d.Events, d.Metrics, f.logger.Named("emergency"))
	}
	return f.emergencyService
}
