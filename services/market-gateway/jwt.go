package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role labels an admin identity's permission tier.
type Role string

const (
	// RoleAdmin manages webhook subscriptions and triggers exports.
	RoleAdmin Role = "admin"
	// RoleAuditor has read access to audit and subscription state.
	RoleAuditor Role = "auditor"
)

var allowedRoles = map[Role]bool{
	RoleAdmin:   true,
	RoleAuditor: true,
}

// AdminClaims carries the verified identity attached to admin requests.
type AdminClaims struct {
	Subject string
	Role    Role
}

type adminContextKey struct{}

var errNoAdminIdentity = errors.New("no admin identity in context")

// jwtVerifier validates HS256 bearer tokens for the admin API.
type jwtVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	nowFn    func() time.Time
}

func newJWTVerifier(secret []byte, issuer, audience string) *jwtVerifier {
	return &jwtVerifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
		nowFn:    time.Now,
	}
}

func (v *jwtVerifier) verify(token string) (*AdminClaims, error) {
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.nowFn),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("audience claim: %w", err)
		}
		if !containsAudience(audiences, v.audience) {
			return nil, errors.New("audience mismatch")
		}
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("subject claim missing")
	}
	rawRole, ok := claims["role"].(string)
	if !ok {
		return nil, errors.New("role claim missing")
	}
	role := Role(strings.ToLower(strings.TrimSpace(rawRole)))
	if !allowedRoles[role] {
		return nil, fmt.Errorf("role %q not permitted", rawRole)
	}
	return &AdminClaims{Subject: subject, Role: role}, nil
}

// Authenticate wraps next with bearer-token verification, storing the admin
// claims on the request context.
func (v *jwtVerifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := v.verify(strings.TrimSpace(header[len(prefix):]))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), adminContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose verified role is not in the allow list.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := adminFromContext(r.Context())
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "missing identity")
				return
			}
			if !allowed[claims.Role] {
				writeJSONError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func adminFromContext(ctx context.Context) (*AdminClaims, error) {
	claims, ok := ctx.Value(adminContextKey{}).(*AdminClaims)
	if !ok || claims == nil {
		return nil, errNoAdminIdentity
	}
	return claims, nil
}

func containsAudience(audiences jwt.ClaimStrings, want string) bool {
	for _, aud := range audiences {
		if aud == want {
			return true
		}
	}
	return false
}
