package ledgerapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimsContextKey = "auth_claims"
	roleAdmin        = "admin"
)

var errMissingBearer = errors.New("missing bearer token")

// Claims is the token payload carried by every authenticated request.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (claims *Claims) UserID() string {
	return claims.Subject
}

// IsAdmin reports whether the token carries the admin role.
func (claims *Claims) IsAdmin() bool {
	for _, role := range claims.Roles {
		if role == roleAdmin {
			return true
		}
	}
	return false
}

// Authenticator validates and issues HMAC-signed bearer tokens.
type Authenticator struct {
	signingKey []byte
	issuer     string
}

// NewAuthenticator wires an Authenticator.
func NewAuthenticator(signingKey []byte, issuer string) (*Authenticator, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token signing key is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("token issuer is required")
	}
	return &Authenticator{signingKey: signingKey, issuer: issuer}, nil
}

// IssueToken mints a token for a user. Devices receive it at login and
// present it on every ledger call.
func (authenticator *Authenticator) IssueToken(userID string, roles []string, lifetime time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    authenticator.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authenticator.signingKey)
}

// ParseToken validates a bearer token and returns its claims.
func (authenticator *Authenticator) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Header["alg"])
		}
		return authenticator.signingKey, nil
	},
		jwt.WithIssuer(authenticator.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	return claims, nil
}

// GinMiddleware rejects requests without a valid bearer token and stores the
// claims on the request context.
func (authenticator *Authenticator) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw, err := bearerToken(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims, err := authenticator.ParseToken(raw)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

// RequireAdmin rejects authenticated requests whose token lacks the admin
// role. It must run after GinMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.IsAdmin() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errMissingBearer
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
