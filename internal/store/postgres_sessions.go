package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
)

const sessionKeyColumns = `id, user_id, session_id, session_key_address, scopes,
	on_chain_params, valid_after, valid_until, is_active, revoked_at,
	COALESCE(oauth_client_id, ''), created_at`

func (p *Postgres) CreateSessionKey(ctx context.Context, key *SessionKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	encKey, err := jsonValue(key.EncryptedPrivateKey)
	if err != nil {
		return err
	}
	scopesJSON, err := jsonValue(key.Scopes)
	if err != nil {
		return err
	}
	paramsJSON, err := jsonValue(key.OnChainParams)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_keys
			(id, user_id, session_id, session_key_address, encrypted_private_key,
			 scopes, on_chain_params, valid_after, valid_until, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true)`,
		key.ID, key.UserID, key.SessionID, key.SessionKeyAddress,
		encKey, scopesJSON, paramsJSON, key.ValidAfter, key.ValidUntil)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindConflict, "session %s already exists", key.SessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert session key: %w", err)
	}
	key.IsActive = true
	return nil
}

func (p *Postgres) scanSessionKey(row interface{ Scan(...any) error }) (*SessionKey, error) {
	var (
		key        SessionKey
		scopesRaw  []byte
		paramsRaw  []byte
		revokedAt  sql.NullTime
	)
	err := row.Scan(&key.ID, &key.UserID, &key.SessionID, &key.SessionKeyAddress,
		&scopesRaw, &paramsRaw, &key.ValidAfter, &key.ValidUntil,
		&key.IsActive, &revokedAt, &key.OAuthClientID, &key.CreatedAt)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	if err := scanJSON(scopesRaw, &key.Scopes); err != nil {
		return nil, fmt.Errorf("decode session scopes: %w", err)
	}
	if err := scanJSON(paramsRaw, &key.OnChainParams); err != nil {
		return nil, fmt.Errorf("decode on-chain params: %w", err)
	}
	return &key, nil
}

func (p *Postgres) ListActiveSessionKeys(ctx context.Context, userID string) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE user_id = $1 AND is_active = true AND valid_until > now()
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session keys: %w", err)
	}
	defer rows.Close()

	var out []*SessionKey
	for rows.Next() {
		key, err := p.scanSessionKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSessionKey(ctx context.Context, userID, sessionID string) (*SessionKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE user_id = $1 AND session_id = $2`, userID, strings.ToLower(sessionID))
	key, err := p.scanSessionKey(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session key: %w", err)
	}
	return key, nil
}

func (p *Postgres) GetSessionKeyByID(ctx context.Context, id string) (*SessionKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE id = $1`, id)
	key, err := p.scanSessionKey(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "session key %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session key: %w", err)
	}
	return key, nil
}

func (p *Postgres) GetSessionKeySecret(ctx context.Context, userID, sessionID string) (*hybridcrypto.Encrypted, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT encrypted_private_key
		FROM session_keys
		WHERE user_id = $1 AND session_id = $2`, userID, strings.ToLower(sessionID)).
		Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session secret: %w", err)
	}
	var enc hybridcrypto.Encrypted
	if err := scanJSON(raw, &enc); err != nil {
		return nil, fmt.Errorf("decode encrypted key: %w", err)
	}
	return &enc, nil
}

func (p *Postgres) RevokeSessionKey(ctx context.Context, userID, sessionID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE session_keys
		SET is_active = false, revoked_at = now()
		WHERE user_id = $1 AND session_id = $2 AND is_active = true`,
		userID, strings.ToLower(sessionID))
	if err != nil {
		return false, fmt.Errorf("failed to revoke session key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return false, nil
	}

	// Nothing updated: either already revoked or unknown session.
	var exists bool
	err = p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM session_keys WHERE user_id = $1 AND session_id = $2)`,
		userID, strings.ToLower(sessionID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	if !exists {
		return false, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
	}
	return true, nil
}

func (p *Postgres) BindSessionOAuthClient(ctx context.Context, sessionID, clientID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE session_keys SET oauth_client_id = $2 WHERE session_id = $1`,
		strings.ToLower(sessionID), clientID)
	if err != nil {
		return fmt.Errorf("failed to bind oauth client: %w", err)
	}
	return nil
}
