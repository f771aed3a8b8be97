package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

// Role is the caller class carried in the token.
type Role string

const (
	RoleUser    Role = "user"
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleService || r == RoleAdmin
}

// Claims are the JWT claims ledgerd accepts. Subject identifies the caller.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

type principalKey struct{}

// PrincipalFrom returns the caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthenticator creates the middleware. Requests to skipPaths are passed
// through unauthenticated.
func NewAuthenticator(secret, issuer string, log *logger.Logger, skipPaths ...string) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, svcerrors.InvalidArgument("jwt secret must be at least 16 bytes")
	}
	if log == nil {
		log = logger.NewNop()
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, log: log, skipPaths: skip}, nil
}

// Issue signs a token for subject with role, valid for ttl.
func (a *Authenticator) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if subject == "" || !role.valid() {
		return "", svcerrors.InvalidArgument("token needs a subject and a known role")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Handler authenticates the request and stores its Principal in the context.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, a.log, svcerrors.Unauthorized("missing Authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, a.log, svcerrors.Unauthorized("invalid Authorization header format"))
			return
		}

		p, err := a.validate(parts[1])
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
			writeError(w, a.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) validate(raw string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Principal{}, svcerrors.Unauthorized("invalid token")
	}
	if claims.Subject == "" || !claims.Role.valid() {
		return Principal{}, svcerrors.Unauthorized("token is missing subject or role")
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// requireRole admits only callers holding one of roles.
func requireRole(log *logger.Logger, next http.HandlerFunc, roles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, log, svcerrors.Unauthorized("authentication required"))
			return
		}
		for _, role := range roles {
			if p.Role == role {
				next(w, r)
				return
			}
		}
		writeError(w, log, svcerrors.Forbidden("role "+string(p.Role)+" may not call this endpoint"))
	}
}
