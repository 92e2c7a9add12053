package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// JWTManager signs and validates HS256 reviewer tokens.
type JWTManager struct {
	signingKey []byte
	issuer     string
	expiry     time.Duration
	now        func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey, issuer string, expiry time.Duration) *JWTManager {
	if issuer == "" {
		issuer = "math-solver"
	}
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &JWTManager{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		expiry:     expiry,
		now:        time.Now,
	}
}

// ReviewerClaims represents the custom JWT claims
type ReviewerClaims struct {
	jwt.RegisteredClaims
	Name   string   `json:"name,omitempty"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes,omitempty"`
}

// GenerateToken issues an access token for subject. Scopes default to the
// role's scopes.
func (j *JWTManager) GenerateToken(subject, name, role string, scopes ...string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if len(scopes) == 0 {
		scopes = ScopesForRole(role)
	}
	now := j.now()
	claims := ReviewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Name:   name,
		Role:   role,
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTManager) ValidateAccessToken(tokenString string) (*ReviewerContext, error) {
	claims := &ReviewerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	},
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	scopes := claims.Scopes
	if len(scopes) == 0 {
		scopes = ScopesForRole(claims.Role)
	}
	return &ReviewerContext{
		Subject: claims.Subject,
		Name:    claims.Name,
		Role:    claims.Role,
		Scopes:  scopes,
		TokenID: claims.ID,
	}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}
