package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/campuscash/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// UserMetadata is the profile block the hosted auth service embeds in its tokens.
type UserMetadata struct {
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Claims holds JWT claims. The user ID travels in the standard sub claim.
type Claims struct {
	Email        string       `json:"email,omitempty"`
	Role         string       `json:"role,omitempty"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims

	UserID uuid.UUID `json:"-"`
}

// Profile returns the caller identity carried by the token.
func (c *Claims) Profile() models.Profile {
	return models.Profile{ID: c.UserID, Username: c.UserMetadata.Username, AvatarURL: c.UserMetadata.AvatarURL}
}

// JWTService validates tokens issued by the hosted auth service and, for local
// development and tests, issues its own.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a new JWT for the user.
func (s *JWTService) Generate(p models.Profile, email, role string) (string, error) {
	claims := Claims{
		Email:        email,
		Role:         role,
		UserMetadata: UserMetadata{Username: p.Username, AvatarURL: p.AvatarURL},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims.UserID = id
	if claims.Role == "" {
		claims.Role = string(models.RoleAuthenticated)
	}
	return claims, nil
}
