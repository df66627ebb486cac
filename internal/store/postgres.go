package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // also registers the postgres driver

	"github.com/agentgate/backend/internal/apperr"
)

// Postgres implements Store on database/sql with the pq driver.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects and verifies the connection.
func OpenPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate creates the schema if absent. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS session_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			session_id TEXT NOT NULL UNIQUE,
			session_key_address TEXT NOT NULL,
			encrypted_private_key JSONB NOT NULL,
			scopes JSONB NOT NULL,
			on_chain_params JSONB NOT NULL,
			valid_after TIMESTAMPTZ NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			revoked_at TIMESTAMPTZ,
			oauth_client_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_clients (
			id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			logo_url TEXT,
			redirect_uris TEXT[] NOT NULL,
			redirect_set TEXT NOT NULL,
			allowed_scopes TEXT[] NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			mcp_slug TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS oauth_clients_redirect_set ON oauth_clients(redirect_set)`,
		`CREATE TABLE IF NOT EXISTS oauth_auth_codes (
			code TEXT PRIMARY KEY,
			client_id TEXT NOT NULL REFERENCES oauth_clients(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			requested_scopes TEXT[] NOT NULL,
			approved_scopes TEXT[] NOT NULL,
			session_config JSONB NOT NULL,
			code_challenge TEXT NOT NULL,
			code_challenge_method TEXT NOT NULL,
			redirect_uri TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
			token_hash TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_key_id TEXT NOT NULL,
			scopes TEXT[] NOT NULL,
			mcp_slug TEXT,
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS api_proxies (
			id TEXT PRIMARY KEY,
			slug TEXT,
			name TEXT,
			description TEXT,
			owner_user_id TEXT NOT NULL,
			target_url TEXT NOT NULL,
			http_method TEXT NOT NULL,
			encrypted_headers JSONB,
			price_per_request BIGINT NOT NULL DEFAULT 0,
			payment_address TEXT NOT NULL,
			variables_schema JSONB,
			request_body_template JSONB,
			query_params_template JSONB,
			content_type TEXT,
			is_public BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_templates (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			input_schema JSONB,
			definition JSONB NOT NULL,
			is_public BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			owner_user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_proxy_tools (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES mcp_servers(id),
			proxy_id TEXT NOT NULL REFERENCES api_proxies(id),
			name TEXT,
			description TEXT,
			enabled BOOLEAN NOT NULL DEFAULT true,
			display_order INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_workflow_tools (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL REFERENCES mcp_servers(id),
			workflow_id TEXT NOT NULL REFERENCES workflow_templates(id),
			name TEXT,
			description TEXT,
			enabled BOOLEAN NOT NULL DEFAULT true,
			display_order INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			slug TEXT,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status_code INT NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetOrCreateUser(ctx context.Context, walletAddress string) (*User, error) {
	addr := strings.ToLower(walletAddress)
	if !reAddress.MatchString(addr) {
		return nil, apperr.Newf(apperr.KindValidation, "invalid wallet address")
	}

	u := &User{ID: uuid.NewString(), WalletAddress: addr}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, wallet_address)
		VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO UPDATE SET wallet_address = EXCLUDED.wallet_address
		RETURNING id, wallet_address, created_at`,
		u.ID, addr).Scan(&u.ID, &u.WalletAddress, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, wallet_address, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.WalletAddress, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (p *Postgres) InsertRequestLog(ctx context.Context, rl *RequestLog) error {
	if rl.ID == "" {
		rl.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_logs (id, user_id, slug, method, path, status_code, duration_ms)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $5, $6, $7)`,
		rl.ID, rl.UserID, rl.Slug, rl.Method, rl.Path, rl.StatusCode, rl.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// jsonValue marshals v for a jsonb column, mapping nil pointers to SQL NULL.
func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb value: %w", err)
	}
	return data, nil
}

func scanJSON(src []byte, dst any) error {
	if len(src) == 0 {
		return nil
	}
	return json.Unmarshal(src, dst)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
