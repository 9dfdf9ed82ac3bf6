package tools

import (
	"context"

	"github.com/zerg-ai/zerg/internal/credentials"
)

type ownerIDKey struct{}
type agentIDKey struct{}
type resolverKey struct{}

// WithOwnerID attaches the owning user's id to the context.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, id)
}

// OwnerIDFromContext extracts the owner id, or "" if absent.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgentID attaches the running agent's id to the context.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, id)
}

// AgentIDFromContext extracts the agent id, or "" if absent.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithResolver attaches the run-scoped credential resolver.
func WithResolver(ctx context.Context, r *credentials.Resolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, r)
}

// ResolverFromContext extracts the credential resolver, or nil.
func ResolverFromContext(ctx context.Context) *credentials.Resolver {
	if v, ok := ctx.Value(resolverKey{}).(*credentials.Resolver); ok {
		return v
	}
	return nil
}
