// Package credential issues and parses the session credentials handed out
// after a successful login.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"faceauth-service/internal/config"
	"faceauth-service/internal/models"
)

// Authentication method references carried in the amr claim.
const (
	MethodFace     = "face"
	MethodPassword = "pwd"
)

var ErrInvalidToken = errors.New("invalid credential")

// Claims represents the JWT claims of a session credential.
type Claims struct {
	jwt.RegisteredClaims
	Name       string   `json:"name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Department string   `json:"department,omitempty"`
	AMR        []string `json:"amr"`
}

// Credential is the issued token plus what the caller needs to use it.
type Credential struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	EmployeeID  string    `json:"employee_id"`
}

// JWT issues HMAC-signed credentials.
type JWT struct {
	secretKey []byte
	issuer    string
	audience  string
	ttl       time.Duration
	now       func() time.Time
}

func NewJWT(cfg config.JWTConfig) *JWT {
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &JWT{
		secretKey: []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Issue signs a credential for the directory record. method is MethodFace or
// MethodPassword.
func (j *JWT) Issue(record *models.DirectoryRecord, method string) (*Credential, error) {
	now := j.now()
	expiresAt := now.Add(j.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   record.EmployeeID,
			Issuer:    j.issuer,
			Audience:  jwt.ClaimStrings{j.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name:       record.DisplayName,
		Email:      record.Email,
		Department: record.Department,
		AMR:        []string{method},
	})

	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}

	return &Credential{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.UTC(),
		EmployeeID:  record.EmployeeID,
	}, nil
}

// Parse validates a credential issued by this service and returns its
// claims.
func (j *JWT) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("wrong signing method %v", t.Header["alg"])
		}
		return j.secretKey, nil
	},
		jwt.WithIssuer(j.issuer),
		jwt.WithAudience(j.audience),
		jwt.WithTimeFunc(j.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
