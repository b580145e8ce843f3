package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shop-service/internal/apperr"
	"shop-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const principalKey = "principal"

var jwtSigningMethod = jwt.SigningMethodHS256

// AccessClaims is the token issued by the identity provider
type AccessClaims struct {
	UserID int64  `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves bearer tokens into principals
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// MintToken signs a token for p, mainly for local tooling and tests
func (a *Authenticator) MintToken(p models.Principal, now time.Time, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		UserID: p.ID,
		Email:  p.Email,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseToken validates the token and returns the caller
func (a *Authenticator) ParseToken(tokenString string) (models.Principal, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
	)
	if err != nil {
		return models.Principal{}, apperr.Unauthenticated("invalid or expired token").WithCause(err)
	}

	id := claims.UserID
	if id == 0 && claims.Subject != "" {
		id, _ = strconv.ParseInt(claims.Subject, 10, 64)
	}
	if id <= 0 {
		return models.Principal{}, apperr.Unauthenticated("token carries no user id")
	}
	return models.Principal{ID: id, Email: claims.Email, Role: claims.Role}, nil
}

// RequireAuth rejects requests without a valid bearer token
func (a *Authenticator) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if header == "" || !found {
			abortWithError(c, apperr.Unauthenticated("authorization header is missing"))
			return
		}

		p, err := a.ParseToken(strings.TrimSpace(tokenString))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireAdmin lets only operators through; it must run after RequireAuth
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !principal(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "FORBIDDEN", "message": "admin role required"},
			})
			return
		}
		c.Next()
	}
}

func principal(c *gin.Context) models.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(models.Principal); ok {
			return p
		}
	}
	return models.Principal{}
}
