package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/agentgate/backend/internal/apperr"
)

// redirectSetKey joins a normalized redirect set into the unique dedup key.
func redirectSetKey(normalized []string) string {
	return strings.Join(normalized, "\n")
}

func (p *Postgres) CreateOAuthClient(ctx context.Context, client *OAuthClient) error {
	normalized := NormalizeRedirectURIs(client.RedirectURIs)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_clients
			(id, secret_hash, name, description, logo_url, redirect_uris,
			 redirect_set, allowed_scopes, is_active, mcp_slug)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), $6, $7, $8, true, NULLIF($9,''))`,
		client.ID, client.SecretHash, client.Name, client.Description, client.LogoURL,
		pq.Array(client.RedirectURIs), redirectSetKey(normalized),
		pq.Array(client.AllowedScopes), client.McpSlug)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindConflict, "client with identical redirect set exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert oauth client: %w", err)
	}
	client.IsActive = true
	return nil
}

const oauthClientColumns = `id, secret_hash, name, COALESCE(description, ''),
	COALESCE(logo_url, ''), redirect_uris, allowed_scopes, is_active,
	COALESCE(mcp_slug, ''), created_at`

func (p *Postgres) scanOAuthClient(row interface{ Scan(...any) error }) (*OAuthClient, error) {
	var c OAuthClient
	err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &c.Description, &c.LogoURL,
		pq.Array(&c.RedirectURIs), pq.Array(&c.AllowedScopes), &c.IsActive,
		&c.McpSlug, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) GetOAuthClient(ctx context.Context, id string) (*OAuthClient, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+oauthClientColumns+` FROM oauth_clients WHERE id = $1`, id)
	c, err := p.scanOAuthClient(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "client %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query oauth client: %w", err)
	}
	return c, nil
}

func (p *Postgres) FindOAuthClientByRedirectSet(ctx context.Context, normalized []string) (*OAuthClient, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+oauthClientColumns+` FROM oauth_clients WHERE redirect_set = $1`,
		redirectSetKey(normalized))
	c, err := p.scanOAuthClient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query oauth client by redirect set: %w", err)
	}
	return c, nil
}

func (p *Postgres) RotateOAuthClientSecret(ctx context.Context, id, secretHash string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE oauth_clients SET secret_hash = $2 WHERE id = $1`, id, secretHash)
	if err != nil {
		return fmt.Errorf("failed to rotate client secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "client %s not found", id)
	}
	return nil
}

func (p *Postgres) InsertAuthCode(ctx context.Context, code *AuthCode) error {
	cfgJSON, err := jsonValue(code.SessionConfig)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO oauth_auth_codes
			(code, client_id, user_id, requested_scopes, approved_scopes,
			 session_config, code_challenge, code_challenge_method, redirect_uri, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		code.Code, code.ClientID, code.UserID,
		pq.Array(code.RequestedScopes), pq.Array(code.ApprovedScopes),
		cfgJSON, code.CodeChallenge, code.CodeChallengeMethod,
		code.RedirectURI, code.ExpiresAt)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindConflict, "auth code already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode marks the code used and returns it in one statement, so
// two concurrent token requests can never both succeed.
func (p *Postgres) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	var (
		ac     AuthCode
		cfgRaw []byte
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE oauth_auth_codes
		SET used_at = now()
		WHERE code = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING code, client_id, user_id, requested_scopes, approved_scopes,
			session_config, code_challenge, code_challenge_method, redirect_uri,
			expires_at, used_at`, code).
		Scan(&ac.Code, &ac.ClientID, &ac.UserID,
			pq.Array(&ac.RequestedScopes), pq.Array(&ac.ApprovedScopes),
			&cfgRaw, &ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.RedirectURI,
			&ac.ExpiresAt, &ac.UsedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindUnauthorized, "authorization code is invalid, expired, or already used")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	if err := scanJSON(cfgRaw, &ac.SessionConfig); err != nil {
		return nil, fmt.Errorf("decode session config: %w", err)
	}
	return &ac, nil
}

func (p *Postgres) InsertAccessToken(ctx context.Context, token *AccessToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oauth_access_tokens
			(token_hash, client_id, user_id, session_key_id, scopes, mcp_slug, expires_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7)`,
		token.TokenHash, token.ClientID, token.UserID, token.SessionKeyID,
		pq.Array(token.Scopes), token.McpSlug, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert access token: %w", err)
	}
	return nil
}

// GetAccessTokenByHash reads the token with its revocation and expiry
// state in a single snapshot.
func (p *Postgres) GetAccessTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error) {
	var t AccessToken
	var revokedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT token_hash, client_id, user_id, session_key_id, scopes,
			COALESCE(mcp_slug, ''), expires_at, revoked_at, created_at
		FROM oauth_access_tokens
		WHERE token_hash = $1`, tokenHash).
		Scan(&t.TokenHash, &t.ClientID, &t.UserID, &t.SessionKeyID,
			pq.Array(&t.Scopes), &t.McpSlug, &t.ExpiresAt, &revokedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "access token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query access token: %w", err)
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}
