package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
	"upkeep/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (*auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.AccountID != "" {
		return &p, nil
	}
	return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token for an account.
func IssueToken(secret string, accountID string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	expires := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, expires, err
}

// authenticateJWT parses the token and resolves the live account so role and
// employer always reflect the store, not stale claims.
func authenticateJWT(ctx context.Context, r *repo.Repo, token, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return auth.Principal{}, errors.New("invalid token")
	}
	account, err := r.GetAccount(ctx, claims.Subject)
	if err != nil {
		return auth.Principal{}, errors.New("unknown account")
	}
	return principalFor(account, "jwt")
}

func authenticateAPIKey(ctx context.Context, r *repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	account, err := r.GetAccountByAPIKey(ctx, key)
	if err != nil {
		return auth.Principal{}, err
	}
	return principalFor(account, "api_key")
}

func principalFor(account domain.Account, source string) (auth.Principal, error) {
	if !account.Active {
		return auth.Principal{}, errors.New("account disabled")
	}
	p := auth.Principal{
		AccountID: account.ID,
		Role:      account.Role,
		Source:    source,
	}
	if account.Role == domain.RoleOperator {
		if account.EmployerID == nil || *account.EmployerID == "" {
			return auth.Principal{}, errors.New("operator without employer")
		}
		p.EmployerID = *account.EmployerID
	}
	return p, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r *repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "auth/login"):    true,
		path.Join(basePath, "auth/signup"):   true,
		path.Join(basePath, "issues/report"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(req.Context(), r, token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
