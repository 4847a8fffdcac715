package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed, mis-signed and incomplete tokens
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired means the token was once valid but is past its expiry
	ErrTokenExpired = errors.New("token expired")
)

// Validator turns a bearer token into a user identity. The gateway depends on
// this interface; tests substitute a fake.
type Validator interface {
	ValidateToken(tokenString string) (string, error)
}

// Claims are the JWT claims this service cares about. UserID falls back to
// the registered subject claim when absent.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256-signed bearer tokens
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator for tokens signed with secret. issuer
// is optional; when set, tokens from other issuers are rejected.
func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}, nil
}

// ValidateToken parses and verifies a token and returns the user id it
// carries. A "Bearer " prefix is tolerated.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return "", fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user identity in claims", ErrInvalidToken)
	}

	return userID, nil
}

// IssueToken signs a short-lived token for userID. Used by tests and local
// tooling; production tokens come from the upstream identity service.
func (v *JWTValidator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
