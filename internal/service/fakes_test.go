package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"faceauth-service/internal/biometric"
	"faceauth-service/internal/bucketing"
	"faceauth-service/internal/client"
	"faceauth-service/internal/config"
	"faceauth-service/internal/credential"
	"faceauth-service/internal/deadline"
	"faceauth-service/internal/directory"
	"faceauth-service/internal/encryption"
	"faceauth-service/internal/idcard"
	"faceauth-service/internal/models"
	sessionstore "faceauth-service/internal/repository/redis"
	"faceauth-service/internal/repository/scylla"
)

type fakeEngine struct {
	mu         sync.Mutex
	created    int
	createErr  error
	result     *models.LivenessResult
	fetchErrs  []error
	fetchCalls int
	similarity float64
	matchErrs  []error
	matchCalls int
	searchHits []models.FaceMatch
	indexErr   error
	indexed    []string
	deleted    []string
	onCreate   func()
}

func passingResult() *models.LivenessResult {
	return &models.LivenessResult{
		EngineStatus: models.EngineSuccess,
		IsLive:       true,
		Confidence:   97.5,
		Candidates: []models.ReferenceFrame{
			{Handle: "frame-low", Confidence: 80},
			{Handle: "frame-best", Confidence: 99},
		},
	}
}

func (e *fakeEngine) CreateLivenessSession(_ context.Context, employeeID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	if e.onCreate != nil {
		e.onCreate()
	}
	e.created++
	return fmt.Sprintf("engine-%d", e.created), nil
}

func (e *fakeEngine) FetchLivenessResult(_ context.Context, engineSessionID string) (*models.LivenessResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetchCalls++
	if len(e.fetchErrs) > 0 {
		err := e.fetchErrs[0]
		e.fetchErrs = e.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := *e.result
	r.EngineSessionID = engineSessionID
	return &r, nil
}

func (e *fakeEngine) SearchFace(_ context.Context, _ string, _ float64) ([]models.FaceMatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.searchHits, nil
}

func (e *fakeEngine) MatchTemplate(_ context.Context, handle, _ string, threshold float64) (bool, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matchCalls++
	if len(e.matchErrs) > 0 {
		err := e.matchErrs[0]
		e.matchErrs = e.matchErrs[1:]
		if err != nil {
			return false, 0, err
		}
	}
	if handle != "frame-best" {
		return false, 0, nil
	}
	return e.similarity >= threshold, e.similarity, nil
}

func (e *fakeEngine) IndexFace(_ context.Context, handle, employeeID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indexErr != nil {
		return "", e.indexErr
	}
	ref := "face-" + employeeID + "-" + handle
	if n := len(e.indexed); n > 0 {
		ref = fmt.Sprintf("%s-%d", ref, n+1)
	}
	e.indexed = append(e.indexed, ref)
	return ref, nil
}

func (e *fakeEngine) DeleteFace(_ context.Context, faceReferenceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = append(e.deleted, faceReferenceID)
	return nil
}

func (e *fakeEngine) LivenessThreshold() float64 { return 90.0 }

func (e *fakeEngine) MatchThreshold() float64 { return 95.0 }

type fakeDirectory struct {
	mu         sync.Mutex
	records    map[string]*models.DirectoryRecord
	passwords  map[string]string
	verifyErrs []error
	block      bool
	calls      int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		records: map[string]*models.DirectoryRecord{
			"E1001": {EmployeeID: "E1001", DisplayName: "Yamada Taro", Department: "Ops", Email: "taro@example.com", AccountEnabled: true},
			"E2002": {EmployeeID: "E2002", DisplayName: "Suzuki Hana", AccountEnabled: false},
		},
		passwords: map[string]string{"E1001": "correct horse", "E2002": "battery"},
	}
}

func (d *fakeDirectory) next() (error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.verifyErrs) > 0 {
		err := d.verifyErrs[0]
		d.verifyErrs = d.verifyErrs[1:]
		return err, d.block
	}
	return nil, d.block
}

func (d *fakeDirectory) Verify(ctx context.Context, employeeID string) (*models.DirectoryRecord, error) {
	err, block := d.next()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	rec, ok := d.records[employeeID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (d *fakeDirectory) Bind(ctx context.Context, employeeID, password string) (*models.DirectoryRecord, error) {
	err, block := d.next()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	rec, ok := d.records[employeeID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	if d.passwords[employeeID] != password {
		return nil, directory.ErrInvalidCredentials
	}
	cp := *rec
	return &cp, nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	templates map[string][]*models.FaceTemplate
	getErr    error
	enrollErr error
	seq       int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{templates: map[string][]*models.FaceTemplate{}}
}

func (r *fakeRegistry) seed(employeeID, faceRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.templates[employeeID] = append(r.templates[employeeID], &models.FaceTemplate{
		EmployeeID:      employeeID,
		TemplateID:      fmt.Sprintf("tpl-%d", r.seq),
		FaceReferenceID: faceRef,
		Status:          models.TemplateActive,
	})
}

func (r *fakeRegistry) active(employeeID string) *models.FaceTemplate {
	for _, t := range r.templates[employeeID] {
		if t.Status == models.TemplateActive {
			return t
		}
	}
	return nil
}

func (r *fakeRegistry) GetActive(_ context.Context, employeeID string) (*models.FaceTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	if t := r.active(employeeID); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, scylla.ErrNotEnrolled
}

func (r *fakeRegistry) Enroll(_ context.Context, employeeID, faceReferenceID, photoLocation string) (*models.FaceTemplate, *models.FaceTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enrollErr != nil {
		return nil, nil, r.enrollErr
	}
	var previous *models.FaceTemplate
	if t := r.active(employeeID); t != nil {
		t.Status = models.TemplateSuspended
		cp := *t
		previous = &cp
	}
	r.seq++
	tpl := &models.FaceTemplate{
		EmployeeID:              employeeID,
		TemplateID:              fmt.Sprintf("tpl-%d", r.seq),
		FaceReferenceID:         faceReferenceID,
		EnrollmentPhotoLocation: photoLocation,
		EnrolledAt:              time.Now().UTC(),
		Status:                  models.TemplateActive,
	}
	r.templates[employeeID] = append(r.templates[employeeID], tpl)
	cp := *tpl
	return &cp, previous, nil
}

func (r *fakeRegistry) Revoke(_ context.Context, employeeID string) (*models.FaceTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.active(employeeID)
	if t == nil {
		return nil, scylla.ErrNotEnrolled
	}
	t.Status = models.TemplateRevoked
	cp := *t
	return &cp, nil
}

func (r *fakeRegistry) count(employeeID string, status models.TemplateStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.templates[employeeID] {
		if t.Status == status {
			n++
		}
	}
	return n
}

type fakeCards struct {
	card *idcard.Card
	err  error
}

func (c *fakeCards) Parse(_ context.Context, image []byte) (*idcard.Card, error) {
	if c.err != nil {
		return nil, c.err
	}
	cp := *c.card
	return &cp, nil
}

type fakePhotos struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	onPut   func()
}

func (p *fakePhotos) PutPhoto(_ context.Context, key string, image []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onPut != nil {
		p.onPut()
	}
	if p.objects == nil {
		p.objects = map[string][]byte{}
	}
	p.objects[key] = image
	return "s3://enrollment-photos/" + key, nil
}

func (p *fakePhotos) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, key)
	p.deleted = append(p.deleted, key)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.EnrollmentAuditEntry
}

func (a *fakeAudit) Append(_ context.Context, e *models.EnrollmentAuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fakeEncryptor struct{}

func (fakeEncryptor) EncryptField(_ context.Context, plaintext, keyPurpose string) (*encryption.EncryptedData, error) {
	return &encryption.EncryptedData{
		EncryptedValue: "enc(" + keyPurpose + "):" + plaintext,
		EncryptedDEK:   "dek",
		KeyID:          "local",
	}, nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	locked map[string]bool
	err    error
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: map[string]int{}, locked: map[string]bool{}}
}

func (l *fakeLimiter) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	return l.locked[key], nil
}

func (l *fakeLimiter) RegisterFailure(_ context.Context, key string, maxAttempts int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	if l.counts[key] >= maxAttempts {
		l.locked[key] = true
	}
	return l.locked[key], nil
}

func (l *fakeLimiter) ResetCounter(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, key)
	delete(l.locked, key)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.AuthEvent
}

func (r *recordingEvents) Publish(_ context.Context, ev *models.AuthEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events = append(r.events, &cp)
}

func (r *recordingEvents) all() []*models.AuthEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.AuthEvent(nil), r.events...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	steps    map[string]int
	lockouts int
}

func (r *fakeRecorder) Outcome(flow, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, flow+"/"+outcome)
}

func (r *fakeRecorder) ObserveStep(step string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps == nil {
		r.steps = map[string]int{}
	}
	r.steps[step]++
}

func (r *fakeRecorder) EmergencyLockout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockouts++
}

// steppedClock is a deadline clock the fakes can move forward mid-request.
type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// trackedContext installs a 15s tracker driven by clock.
func trackedContext(clock *steppedClock) context.Context {
	return deadline.WithTracker(context.Background(), deadline.NewWithClock(clock.Now, 15*time.Second, 10*time.Second))
}

type harness struct {
	cfg       *config.Config
	mr        *miniredis.Miniredis
	sessions  *sessionstore.SessionStore
	engine    *fakeEngine
	dir       *fakeDirectory
	registry  *fakeRegistry
	issuer    *credential.JWT
	cards     *fakeCards
	photos    *fakePhotos
	audit     *fakeAudit
	limiter   *fakeLimiter
	events    *recordingEvents
	rec       *fakeRecorder
	auth      *AuthService
	enroll    *EnrollmentService
	emergency *EmergencyService
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Deadline: config.DeadlineConfig{
			Overall:     15 * time.Second,
			Directory:   10 * time.Second,
			Buffer:      time.Second,
			RetryBuffer: 3 * time.Second,
		},
		Directory: config.DirectoryConfig{Timeout: 10 * time.Second},
		Session:   config.SessionConfig{Lifetime: 10 * time.Minute, Retention: 10 * time.Minute},
		JWT:       config.JWTConfig{Secret: "test-secret", Issuer: "faceauth-service", Audience: "workforce", AccessTTL: time.Hour},
		RateLimit: config.RateLimitConfig{EmergencyMaxAttempts: 3, EmergencyWindow: 15 * time.Minute},
		Bucketing: config.BucketingConfig{EventBuckets: 16},
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	mr := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = conn.Close() })

	h := &harness{
		cfg:      cfg,
		mr:       mr,
		sessions: sessionstore.NewSessionStore(client.NewRedisClientFromConn(conn), cfg.Session.Lifetime, cfg.Session.Retention, zap.NewNop()),
		engine:   &fakeEngine{result: passingResult(), similarity: 98.2},
		dir:      newFakeDirectory(),
		registry: newFakeRegistry(),
		issuer:   credential.NewJWT(cfg.JWT),
		cards:    &fakeCards{card: &idcard.Card{EmployeeID: "E1001", Name: "YAMADA  TARO"}},
		photos:   &fakePhotos{},
		audit:    &fakeAudit{},
		limiter:  newFakeLimiter(),
		events:   &recordingEvents{},
		rec:      &fakeRecorder{},
	}
	h.registry.seed("E1001", "face-E1001-seed")

	factory := NewServiceFactory(cfg, Dependencies{
		Engine:    h.engine,
		Directory: h.dir,
		Sessions:  h.sessions,
		Registry:  h.registry,
		Issuer:    h.issuer,
		Cards:     h.cards,
		Photos:    h.photos,
		Audit:     h.audit,
		Encryptor: fakeEncryptor{},
		Limiter:   h.limiter,
		Events:    h.events,
		Metrics:   h.rec,
		Buckets:   bucketing.NewBucketingManager(cfg.Bucketing),
	}, zap.NewNop())
	h.auth = factory.AuthService()
	h.enroll = factory.EnrollmentService()
	h.emergency = factory.EmergencyService()
	return h
}

func (h *harness) createSession(t *testing.T, employeeID string) *models.Session {
	t.Helper()
	s, err := h.auth.CreateSession(context.Background(), employeeID)
	require.NoError(t, err)
	return s
}

func (h *harness) status(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return s
}

var (
	errTransport = fmt.Errorf("%w: connection reset", biometric.ErrTransport)
	errBoom      = errors.New("boom")
)
