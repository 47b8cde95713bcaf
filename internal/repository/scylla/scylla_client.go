package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/util"
)

// Statements holds the CQL the repositories run. gocql prepares each one on
// first use and caches it per host.
type Statements struct {
	SelectTemplates      string
	SetActivePointerIfEq string
	SetActivePointerNull string
	ClearActivePointer   string
	SetTemplateStatus    string
	InsertTemplate       string
	InsertAudit          string
	SelectAuditByBucket  string
}

var statements = Statements{
	SelectTemplates: `
        SELECT template_id, active_template_id, face_reference_id,
            enrollment_photo_location, enrolled_at, last_updated_at, status
        FROM face_templates WHERE employee_id = ?`,

	SetActivePointerIfEq: `
        UPDATE face_templates SET active_template_id = ?
        WHERE employee_id = ? IF active_template_id = ?`,

	SetActivePointerNull: `
        UPDATE face_templates SET active_template_id = ?
        WHERE employee_id = ? IF active_template_id = null`,

	ClearActivePointer: `
        UPDATE face_templates SET active_template_id = null
        WHERE employee_id = ? IF active_template_id = ?`,

	SetTemplateStatus: `
        UPDATE face_templates SET status = ?, last_updated_at = ?
        WHERE employee_id = ? AND template_id = ?`,

	InsertTemplate: `
        INSERT INTO face_templates (
            employee_id, template_id, face_reference_id, enrollment_photo_location,
            enrolled_at, last_updated_at, status
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,

	InsertAudit: `
        INSERT INTO enrollment_audit (
            event_date, event_bucket, event_id, employee_id, action, template_id,
            previous_template_id, face_reference_id, display_name_encrypted,
            display_name_dek, display_name_key_id, source_ip, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

	SelectAuditByBucket: `
        SELECT event_id, employee_id, action, template_id, previous_template_id,
            face_reference_id, display_name_encrypted, display_name_dek,
            display_name_key_id, source_ip, created_at
        FROM enrollment_audit WHERE event_date = ? AND event_bucket = ? LIMIT ?`,
}

// Schema is applied by EnsureSchema when SCYLLA_AUTO_MIGRATE is set.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS face_templates (
        employee_id text,
        template_id timeuuid,
        active_template_id timeuuid static,
        face_reference_id text,
        enrollment_photo_location text,
        enrolled_at timestamp,
        last_updated_at timestamp,
        status text,
        PRIMARY KEY (employee_id, template_id)
    ) WITH CLUSTERING ORDER BY (template_id DESC)`,
	`CREATE INDEX IF NOT EXISTS face_templates_status_idx ON face_templates (status)`,
	`CREATE TABLE IF NOT EXISTS enrollment_audit (
        event_date text,
        event_bucket int,
        event_id text,
        employee_id text,
        action text,
        template_id timeuuid,
        previous_template_id timeuuid,
        face_reference_id text,
        display_name_encrypted text,
        display_name_dek text,
        display_name_key_id text,
        source_ip text,
        created_at timestamp,
        PRIMARY KEY ((event_date, event_bucket), event_id)
    ) WITH CLUSTERING ORDER BY (event_id DESC)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     config.ScyllaConfig
	Statements Statements
	logger     *zap.Logger
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        time.Second,
		NumRetries: 2,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: !cfg.IsDevelopment(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     scyllaConfig,
		Statements: statements,
		logger:     logger,
	}

	if scyllaConfig.AutoMigrate {
		if err := client.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}

	logger.Info("ScyllaDB client initialized",
		util.Strings("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the tables the repositories need.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Info("ScyllaDB schema ensured", util.Int("statements", len(Schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

// BatchStatement is one entry of a conditional batch.
type BatchStatement struct {
	Stmt string
	Args []interface{}
}

// ExecuteCAS runs stmts as one logged conditional batch and reports whether
// it applied.
func (s *ScyllaClient) ExecuteCAS(ctx context.Context, stmts []BatchStatement) (bool, error) {
	batch := s.Batch(ctx, gocql.LoggedBatch)
	for _, st := range stmts {
		batch.Query(st.Stmt, st.Args...)
	}
	applied, iter, err := s.Session.MapExecuteBatchCAS(batch, map[string]interface{}{})
	if iter != nil {
		_ = iter.Close()
	}
	return applied, err
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	s.logger.Debug("ScyllaDB health check passed", util.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries reads a couple of times on transient errors. Not
// found is returned at once.
func (s *ScyllaClient) ScanWithRetry(ctx context.Context, query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}
