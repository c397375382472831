package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrSubjectMismatch is returned when a token is valid but grants
// access to a different task instance than the one addressed.
var ErrSubjectMismatch = errors.New("token subject does not match task instance")

// ClaimsValidator checks that a bearer token grants access to the
// addressed task instance. It is injected so tests and alternative
// token issuers can substitute their own implementation.
type ClaimsValidator interface {
	Validate(tokenString, tiID string) error
}

// JWTConfig holds JWT configuration for execution tokens
type JWTConfig struct {
	SecretKey  []byte
	Expiration time.Duration
}

// DefaultJWTConfig returns default JWT configuration
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{
		SecretKey:  []byte("change-me-in-production"),
		Expiration: 24 * time.Hour,
	}
}

// ExecutionClaims are the claims of an execution token. The subject is
// the task instance id the token was minted for.
type ExecutionClaims struct {
	jwt.RegisteredClaims
}

// GenerateExecutionToken mints a token scoped to one task instance
func GenerateExecutionToken(config *JWTConfig, tiID string) (string, error) {
	claims := ExecutionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tiID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(config.Expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "taskwing",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(config.SecretKey)
}

// JWTValidator validates HS256 execution tokens against a shared secret
type JWTValidator struct {
	config *JWTConfig
}

// NewJWTValidator creates a new JWT claims validator
func NewJWTValidator(config *JWTConfig) *JWTValidator {
	if config == nil {
		config = DefaultJWTConfig()
	}
	return &JWTValidator{config: config}
}

// Validate parses the token and checks its subject names the instance
func (v *JWTValidator) Validate(tokenString, tiID string) error {
	token, err := jwt.ParseWithClaims(tokenString, &ExecutionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.config.SecretKey, nil
	})
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(*ExecutionClaims)
	if !ok || !token.Valid {
		return errors.New("invalid token")
	}
	if tiID != "" && claims.Subject != tiID {
		return ErrSubjectMismatch
	}
	return nil
}

// ExecutionAuth returns a middleware that requires a bearer token whose
// subject matches the task instance id in the named path parameter. An
// empty idParam only requires a valid token, without subject binding.
func ExecutionAuth(validator ClaimsValidator, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			AbortWithError(c, http.StatusUnauthorized, "NO_TOKEN", "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN_FORMAT", "Authorization header format must be 'Bearer {token}'")
			return
		}

		if err := validator.Validate(parts[1], c.Param(idParam)); err != nil {
			if errors.Is(err, ErrSubjectMismatch) {
				AbortWithError(c, http.StatusForbidden, "SUBJECT_MISMATCH", "Token does not grant access to this task instance")
				return
			}
			AbortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", err.Error())
			return
		}

		c.Next()
	}
}
