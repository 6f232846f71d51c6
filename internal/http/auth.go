package http

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

const (
	RoleUser     = "user"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Principal is the authenticated caller taken from the bearer token.
type Principal struct {
	Subject string
	Email   string
	Role    string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ParsePublicKey reads the PEM-encoded RS256 verification key.
func ParsePublicKey(pem string) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt public key")
	}
	return key, nil
}

// JWTMiddleware attaches the principal of a valid bearer token. Requests without a
// token pass through anonymous; routes that need a caller wrap themselves in
// RequireAuth. A token that is present but invalid is always rejected.
func JWTMiddleware(key *rsa.PublicKey) func(next http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || key == nil {
				writeJSON(w, http.StatusUnauthorized, envelope{Result: "UNAUTHORIZED", Message: "bearer token required"})
				return
			}
			var c claims
			if _, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) { return key, nil }); err != nil {
				writeJSON(w, http.StatusUnauthorized, envelope{Result: "UNAUTHORIZED", Message: "invalid token"})
				return
			}
			email := strings.ToLower(strings.TrimSpace(c.Email))
			if c.Subject == "" || email == "" {
				writeJSON(w, http.StatusUnauthorized, envelope{Result: "UNAUTHORIZED", Message: "token lacks subject or email"})
				return
			}
			role := c.Role
			if role == "" {
				role = RoleUser
			}
			p := Principal{Subject: c.Subject, Email: email, Role: role}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			writeJSON(w, http.StatusUnauthorized, envelope{Result: "UNAUTHORIZED", Message: "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeJSON(w, http.StatusUnauthorized, envelope{Result: "UNAUTHORIZED", Message: "authentication required"})
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, envelope{Result: "FORBIDDEN", Message: domain.ErrForbidden.Error()})
		})
	}
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}
