// Package directory looks employees up in the corporate LDAP directory and
// verifies emergency passwords against it.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

var (
	ErrNotFound           = errors.New("employee not found in directory")
	ErrAccountDisabled    = errors.New("directory account disabled")
	ErrInvalidCredentials = errors.New("invalid directory credentials")
	ErrTimeout            = errors.New("directory timeout")
	ErrTransport          = errors.New("directory transport error")
)

const (
	attrDN                 = "distinguishedName"
	attrDisplayName        = "displayName"
	attrDepartment         = "department"
	attrMail               = "mail"
	attrUserAccountControl = "userAccountControl"
)

// Conn is the subset of *ldap.Conn the adapter uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens a fresh connection per operation.
type Dialer func(ctx context.Context) (Conn, error)

type LDAPDirectory struct {
	cfg    config.DirectoryConfig
	dial   Dialer
	logger *zap.Logger
}

func NewLDAPDirectory(cfg config.DirectoryConfig, logger *zap.Logger) *LDAPDirectory {
	return NewLDAPDirectoryWithDialer(cfg, dialLDAP(cfg), logger)
}

func NewLDAPDirectoryWithDialer(cfg config.DirectoryConfig, dial Dialer, logger *zap.Logger) *LDAPDirectory {
	if cfg.IDAttribute == "" {
		cfg.IDAttribute = "employeeID"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &LDAPDirectory{cfg: cfg, dial: dial, logger: logger}
}

func dialLDAP(cfg config.DirectoryConfig) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dialer := &net.Dialer{}
		if deadline, ok := ctx.Deadline(); ok {
			dialer.Deadline = deadline
		}
		conn, err := ldap.DialURL(cfg.URL,
			ldap.DialWithDialer(dialer),
			ldap.DialWithTLSConfig(&tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- opt-in for lab directories
			}),
		)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetTimeout(time.Until(deadline))
		}
		return conn, nil
	}
}

// Verify looks the employee up with the service account. A disabled account
// is returned together with ErrAccountDisabled.
func (d *LDAPDirectory) Verify(ctx context.Context, employeeID string) (*models.DirectoryRecord, error) {
	var record *models.DirectoryRecord
	err := d.withConn(ctx, "verify", func(conn Conn) error {
		if err := d.serviceBind(conn); err != nil {
			return err
		}
		var err error
		record, err = d.lookup(conn, employeeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if record.Disabled() {
		return record, ErrAccountDisabled
	}
	return record, nil
}

// Bind checks an employee's own password. The entry is located first so a
// disabled account is reported as such rather than as a bad password.
func (d *LDAPDirectory) Bind(ctx context.Context, employeeID, password string) (*models.DirectoryRecord, error) {
	if password == "" {
		// An empty password is an unauthenticated bind in LDAP and must
		// never count as success.
		return nil, ErrInvalidCredentials
	}

	var record *models.DirectoryRecord
	err := d.withConn(ctx, "bind", func(conn Conn) error {
		if err := d.serviceBind(conn); err != nil {
			return err
		}
		var err error
		if record, err = d.lookup(conn, employeeID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInvalidCredentials
			}
			return err
		}
		if record.Disabled() {
			return ErrAccountDisabled
		}
		if err := conn.Bind(record.DN, password); err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				return ErrInvalidCredentials
			}
			return fmt.Errorf("%w: user bind: %v", ErrTransport, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// HealthCheck binds with the service account.
func (d *LDAPDirectory) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return d.withConn(ctx, "health", d.serviceBind)
}

// withConn runs fn on a fresh connection. go-ldap calls are not context
// aware, so fn runs in its own goroutine and the connection is closed when
// ctx ends first.
func (d *LDAPDirectory) withConn(ctx context.Context, op string, fn func(Conn) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}

	started := time.Now()
	done := make(chan error, 1)
	var conn Conn
	connReady := make(chan struct{})

	go func() {
		c, err := d.dial(ctx)
		if err != nil {
			close(connReady)
			done <- classifyDial(ctx, err)
			return
		}
		conn = c
		close(connReady)
		done <- fn(c)
	}()

	select {
	case err := <-done:
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil && !isOutcome(err) {
			d.logger.Warn("Directory operation failed",
				util.String("op", op),
				util.Duration("elapsed", time.Since(started)),
				util.ErrorField(err))
		}
		return err
	case <-ctx.Done():
		go func() {
			<-connReady
			if conn != nil {
				_ = conn.Close()
			}
		}()
		d.logger.Warn("Directory operation timed out",
			util.String("op", op),
			util.Duration("elapsed", time.Since(started)))
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
}

func (d *LDAPDirectory) serviceBind(conn Conn) error {
	if d.cfg.BindDN == "" {
		return nil
	}
	if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
		return fmt.Errorf("%w: service bind: %v", ErrTransport, err)
	}
	return nil
}

func (d *LDAPDirectory) lookup(conn Conn, employeeID string) (*models.DirectoryRecord, error) {
	attrs := []string{attrDN, attrDisplayName, attrDepartment, attrMail, attrUserAccountControl, d.cfg.IDAttribute}
	if d.cfg.EnabledAttribute != "" {
		attrs = append(attrs, d.cfg.EnabledAttribute)
	}

	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, int(d.cfg.Timeout.Seconds()), false,
		fmt.Sprintf("(%s=%s)", d.cfg.IDAttribute, ldap.EscapeFilter(employeeID)),
		attrs,
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: search: %v", ErrTransport, err)
	}
	switch len(res.Entries) {
	case 0:
		return nil, ErrNotFound
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d entries share %s", ErrTransport, len(res.Entries), d.cfg.IDAttribute)
	}

	return d.toRecord(employeeID, res.Entries[0]), nil
}

func (d *LDAPDirectory) toRecord(employeeID string, entry *ldap.Entry) *models.DirectoryRecord {
	record := &models.DirectoryRecord{
		EmployeeID:     employeeID,
		DN:             entry.DN,
		DisplayName:    entry.GetAttributeValue(attrDisplayName),
		Department:     entry.GetAttributeValue(attrDepartment),
		Email:          entry.GetAttributeValue(attrMail),
		AccountEnabled: true,
	}
	if uac := entry.GetAttributeValue(attrUserAccountControl); uac != "" {
		if v, err := strconv.ParseInt(uac, 10, 64); err == nil {
			record.UserAccountControl = v
		}
	}
	if d.cfg.EnabledAttribute != "" {
		if v := entry.GetAttributeValue(d.cfg.EnabledAttribute); v != "" {
			if enabled, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
				record.AccountEnabled = enabled
			}
		}
	}
	return record
}

func classifyDial(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("dial: %w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("dial: %w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("dial: %w: %v", ErrTransport, err)
}

// isOutcome separates business answers from faults worth a warning.
func isOutcome(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccountDisabled) || errors.Is(err, ErrInvalidCredentials)
}
