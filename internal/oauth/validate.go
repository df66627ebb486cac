package oauth

import (
	"context"
	"time"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/store"
)

// Principal is the authenticated caller a valid bearer token resolves to.
type Principal struct {
	User    *store.User
	Session *store.SessionKey
	Scopes  []string
	McpSlug string
}

// HasScope reports whether the token carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	return containsScope(p.Scopes, scope)
}

// ValidateAccessToken resolves a raw bearer token to its principal. It
// returns KindUnauthorized for any token that is unknown, revoked,
// expired, or bound to an inactive session key.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, apperr.Newf(apperr.KindUnauthorized, "missing bearer token")
	}

	token, err := s.store.GetAccessTokenByHash(ctx, HashToken(raw))
	if err != nil {
		return nil, apperr.Newf(apperr.KindUnauthorized, "invalid access token")
	}
	if token.RevokedAt != nil {
		return nil, apperr.Newf(apperr.KindUnauthorized, "access token has been revoked")
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, apperr.Newf(apperr.KindUnauthorized, "access token has expired")
	}

	session, err := s.store.GetSessionKeyByID(ctx, token.SessionKeyID)
	if err != nil {
		return nil, apperr.Newf(apperr.KindUnauthorized, "session key no longer exists")
	}
	if !session.IsActive {
		return nil, apperr.Newf(apperr.KindUnauthorized, "session key has been revoked")
	}

	user, err := s.store.GetUser(ctx, token.UserID)
	if err != nil {
		return nil, apperr.Newf(apperr.KindUnauthorized, "token user no longer exists")
	}

	return &Principal{
		User:    user,
		Session: session,
		Scopes:  token.Scopes,
		McpSlug: token.McpSlug,
	}, nil
}

// RequireSlug enforces slug binding: a token minted for one MCP server
// must not be replayed against another.
func (p *Principal) RequireSlug(slug string) error {
	if p.McpSlug != "" && p.McpSlug != slug {
		return apperr.Newf(apperr.KindForbidden,
			"Token is scoped to slug %q, not %q", p.McpSlug, slug)
	}
	return nil
}
