// Package store persists users, session keys, OAuth state, the tool
// catalog, and request logs. The Store interface hides the driver so the
// service can run against Postgres or the in-memory fallback.
package store

import (
	"context"

	"github.com/agentgate/backend/internal/hybridcrypto"
)

// Store is the persistence surface consumed by the rest of the service.
type Store interface {
	// Users
	GetOrCreateUser(ctx context.Context, walletAddress string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	// Session keys
	CreateSessionKey(ctx context.Context, key *SessionKey) error
	ListActiveSessionKeys(ctx context.Context, userID string) ([]*SessionKey, error)
	GetSessionKey(ctx context.Context, userID, sessionID string) (*SessionKey, error)
	GetSessionKeyByID(ctx context.Context, id string) (*SessionKey, error)
	GetSessionKeySecret(ctx context.Context, userID, sessionID string) (*hybridcrypto.Encrypted, error)
	RevokeSessionKey(ctx context.Context, userID, sessionID string) (alreadyRevoked bool, err error)
	BindSessionOAuthClient(ctx context.Context, sessionID, clientID string) error

	// OAuth clients
	CreateOAuthClient(ctx context.Context, client *OAuthClient) error
	GetOAuthClient(ctx context.Context, id string) (*OAuthClient, error)
	FindOAuthClientByRedirectSet(ctx context.Context, normalized []string) (*OAuthClient, error)
	RotateOAuthClientSecret(ctx context.Context, id, secretHash string) error

	// Auth codes
	InsertAuthCode(ctx context.Context, code *AuthCode) error
	// ConsumeAuthCode sets usedAt in the same transaction that reads the
	// code. It returns the pre-consumption record only when the code was
	// unused and unexpired.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// Access tokens
	InsertAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error)

	// Catalog
	GetMcpServerBySlug(ctx context.Context, slug string) (*McpServer, error)
	ListProxyToolBindings(ctx context.Context, serverID string) ([]*ProxyToolBinding, error)
	ListWorkflowToolBindings(ctx context.Context, serverID string) ([]*WorkflowToolBinding, error)
	GetProxy(ctx context.Context, id string) (*ApiProxy, error)
	GetWorkflowTemplate(ctx context.Context, id string) (*WorkflowTemplate, error)

	// Request logs
	InsertRequestLog(ctx context.Context, log *RequestLog) error

	Close() error
}
