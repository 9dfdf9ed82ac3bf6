package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
)

type ctxKey int

const ownerKey ctxKey = iota

// devOwnerEmail identifies the synthetic owner used when AUTH_DISABLED
// is set. Dev only; the owner is created on first request.
const devOwnerEmail = "dev@localhost"

func ownerFrom(ctx context.Context) *store.Owner {
	owner, _ := ctx.Value(ownerKey).(*store.Owner)
	return owner
}

// bearerToken pulls the JWT from the Authorization header, falling
// back to the token query parameter for WebSocket upgrades.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the request owner, or returns a kinded auth
// error. It does not write the response so the WS path can close with
// its own code.
func (s *Server) authenticate(r *http.Request) (*store.Owner, error) {
	if s.cfg.AuthDisabled {
		return s.devOwner(r.Context())
	}

	token := bearerToken(r)
	if token == "" {
		return nil, apierr.New(apierr.KindAuth, "missing token")
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	owner, err := s.store.GetOwner(r.Context(), claims.OwnerID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.KindAuth, "unknown owner")
		}
		return nil, err
	}
	return owner, nil
}

func (s *Server) devOwner(ctx context.Context) (*store.Owner, error) {
	var onceErr error
	s.devOnce.Do(func() {
		if _, err := s.store.GetOwnerByEmail(ctx, devOwnerEmail); errors.Is(err, store.ErrNotFound) {
			onceErr = s.store.CreateOwner(ctx, &store.Owner{
				ID:    ident.NewID(),
				Email: devOwnerEmail,
				Role:  store.RoleAdmin,
			})
		}
	})
	if onceErr != nil {
		return nil, onceErr
	}
	return s.store.GetOwnerByEmail(ctx, devOwnerEmail)
}

// requireAuth wraps owner-scoped routes.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	}
}

// corsMiddleware reflects allowed origins. An empty allowlist keeps
// CORS off entirely.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed["*"] || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireOwner checks that the resource belongs to the caller. Admins
// may cross the boundary.
func requireOwner(owner *store.Owner, resourceOwnerID string) error {
	if owner.ID == resourceOwnerID || owner.Role == store.RoleAdmin {
		return nil
	}
	return apierr.New(apierr.KindNotFound, "not found")
}
