// Package credentials resolves tool secrets for a single agent run.
//
// Resolution order is agent override first, then the owner's account
// credential. Values decrypt lazily and are cached for the life of the
// resolver, so one run sees a consistent snapshot even if the owner
// rotates a credential mid-run.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
)

// ErrNotConfigured is returned when neither an agent override nor an
// account credential exists for the connector type.
var ErrNotConfigured = errors.New("credential not configured")

// Storage is the subset of the store the resolver needs.
type Storage interface {
	GetAgentCredential(ctx context.Context, agentID, connectorType string) (*store.AgentCredential, error)
	GetAccountCredential(ctx context.Context, ownerID, connectorType string) (*store.AccountCredential, error)
	ListAccountCredentials(ctx context.Context, ownerID string) ([]*store.AccountCredential, error)
}

type cached struct {
	value string
	err   error
}

// Resolver is request-scoped: build one per run and discard it.
type Resolver struct {
	st      Storage
	box     *secrets.Box
	ownerID string
	agentID string // empty when resolving outside an agent run

	mu    sync.Mutex
	cache map[string]cached
}

// NewResolver builds a resolver scoped to one owner and, optionally,
// one agent.
func NewResolver(st Storage, box *secrets.Box, ownerID, agentID string) *Resolver {
	return &Resolver{
		st:      st,
		box:     box,
		ownerID: ownerID,
		agentID: agentID,
		cache:   make(map[string]cached),
	}
}

// Get returns the plaintext credential for a connector type. The first
// call per type hits storage and decrypts; later calls return the
// cached result.
func (r *Resolver) Get(ctx context.Context, connectorType string) (string, error) {
	r.mu.Lock()
	if c, ok := r.cache[connectorType]; ok {
		r.mu.Unlock()
		return c.value, c.err
	}
	r.mu.Unlock()

	value, err := r.fetch(ctx, connectorType)

	r.mu.Lock()
	r.cache[connectorType] = cached{value: value, err: err}
	r.mu.Unlock()
	return value, err
}

func (r *Resolver) fetch(ctx context.Context, connectorType string) (string, error) {
	encrypted, err := r.lookup(ctx, connectorType)
	if err != nil {
		return "", err
	}
	plain, err := r.box.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt %s credential: %w", connectorType, err)
	}
	return plain, nil
}

func (r *Resolver) lookup(ctx context.Context, connectorType string) (string, error) {
	if r.agentID != "" {
		ov, err := r.st.GetAgentCredential(ctx, r.agentID, connectorType)
		switch {
		case err == nil:
			return ov.EncryptedValue, nil
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("agent credential: %w", err)
		}
	}

	acct, err := r.st.GetAccountCredential(ctx, r.ownerID, connectorType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotConfigured, connectorType)
		}
		return "", fmt.Errorf("account credential: %w", err)
	}
	return acct.EncryptedValue, nil
}

// Has reports whether a credential exists without decrypting it.
func (r *Resolver) Has(ctx context.Context, connectorType string) bool {
	r.mu.Lock()
	if c, ok := r.cache[connectorType]; ok {
		r.mu.Unlock()
		return c.err == nil
	}
	r.mu.Unlock()

	_, err := r.lookup(ctx, connectorType)
	return err == nil
}

// Status lists the owner's configured connector types with their last
// test outcome. Used for prompt context injection; never decrypts.
func (r *Resolver) Status(ctx context.Context) (map[string]string, error) {
	creds, err := r.st.ListAccountCredentials(ctx, r.ownerID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make(map[string]string, len(creds))
	for _, c := range creds {
		out[c.ConnectorType] = c.TestStatus
	}
	return out, nil
}
