package adapter

import (
	"context"

	"github.com/giantswarm/mcp-oncall/internal/upstream"
)

// resolvedSessionKey carries the upstream session resolved by the auth
// middleware through to the session registration hook.
type resolvedSessionKey struct{}

// protocolKey carries the transport protocol a connection arrived on.
type protocolKey struct{}

func withResolvedSession(ctx context.Context, session *upstream.Session) context.Context {
	return context.WithValue(ctx, resolvedSessionKey{}, session)
}

func resolvedSessionFromContext(ctx context.Context) *upstream.Session {
	session, _ := ctx.Value(resolvedSessionKey{}).(*upstream.Session)
	return session
}

func withProtocol(ctx context.Context, protocol Protocol) context.Context {
	return context.WithValue(ctx, protocolKey{}, protocol)
}

func protocolFromContext(ctx context.Context) (Protocol, bool) {
	protocol, ok := ctx.Value(protocolKey{}).(Protocol)
	return protocol, ok
}
