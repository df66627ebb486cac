package store

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/scopes"
)

var (
	reSessionID = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	reAddress   = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
)

// User maps a wallet address to an internal id. Created on first
// authenticated login, never deleted.
type User struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SessionKey is the persistent record of a delegated signing key.
// EncryptedPrivateKey never leaves the store except through
// GetSessionKeySecret, which only the signing service calls.
type SessionKey struct {
	ID                  string                 `json:"id"`
	UserID              string                 `json:"userId"`
	SessionID           string                 `json:"sessionId"`
	SessionKeyAddress   string                 `json:"sessionKeyAddress"`
	EncryptedPrivateKey *hybridcrypto.Encrypted `json:"-"`
	Scopes              []scopes.Scope         `json:"scopes"`
	OnChainParams       scopes.OnChainParams   `json:"onChainParams"`
	ValidAfter          time.Time              `json:"validAfter"`
	ValidUntil          time.Time              `json:"validUntil"`
	IsActive            bool                   `json:"isActive"`
	RevokedAt           *time.Time             `json:"revokedAt,omitempty"`
	OAuthClientID       string                 `json:"oauthClientId,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
}

// CreateSessionKeyInput is the dual-shape create payload. Either Scopes
// (new shape) or ApprovedContracts plus the legacy on-chain lists may be
// present; NewSessionKey synthesizes whichever half is missing.
type CreateSessionKeyInput struct {
	UserID              string
	SessionID           string
	SessionKeyAddress   string
	EncryptedPrivateKey *hybridcrypto.Encrypted
	Scopes              []scopes.Scope
	OnChainParams       *scopes.OnChainParams
	ApprovedContracts   []scopes.ApprovedContract
	ValidAfter          time.Time
	ValidUntil          time.Time
}

// NewSessionKey validates the input invariants and produces the record to
// persist. Addresses and the session id are lowercased on write.
func NewSessionKey(in CreateSessionKeyInput) (*SessionKey, error) {
	sessionID := strings.ToLower(in.SessionID)
	keyAddr := strings.ToLower(in.SessionKeyAddress)

	if !reSessionID.MatchString(sessionID) {
		return nil, apperr.Newf(apperr.KindValidation, "sessionId must be 0x-prefixed 32-byte hex")
	}
	if !reAddress.MatchString(keyAddr) {
		return nil, apperr.Newf(apperr.KindValidation, "sessionKeyAddress must be a 0x-prefixed address")
	}
	if in.EncryptedPrivateKey == nil {
		return nil, apperr.Newf(apperr.KindValidation, "encryptedPrivateKey is required")
	}
	if !in.ValidAfter.Before(in.ValidUntil) {
		return nil, apperr.Newf(apperr.KindValidation, "validAfter must precede validUntil")
	}

	scopeSet := in.Scopes
	if len(scopeSet) == 0 {
		if len(in.ApprovedContracts) == 0 {
			return nil, apperr.Newf(apperr.KindValidation, "either scopes or approvedContracts must be provided")
		}
		scopeSet = []scopes.Scope{scopes.DefaultPaymentScope(in.ApprovedContracts)}
	}
	for _, sc := range scopeSet {
		for _, ac := range sc.ApprovedContracts {
			if !reAddress.MatchString(strings.ToLower(ac.Address)) {
				return nil, apperr.Newf(apperr.KindValidation, "approved contract %q is not a valid address", ac.Address)
			}
		}
	}

	params := scopes.Flatten(scopeSet)
	if in.OnChainParams != nil {
		params = *in.OnChainParams
	}

	return &SessionKey{
		SessionID:           sessionID,
		UserID:              in.UserID,
		SessionKeyAddress:   keyAddr,
		EncryptedPrivateKey: in.EncryptedPrivateKey,
		Scopes:              scopeSet,
		OnChainParams:       params,
		ValidAfter:          in.ValidAfter,
		ValidUntil:          in.ValidUntil,
		IsActive:            true,
	}, nil
}

// OAuthClient is a dynamically registered client. Only the bcrypt hash of
// the secret is kept.
type OAuthClient struct {
	ID            string    `json:"id"`
	SecretHash    string    `json:"-"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	LogoURL       string    `json:"logoUrl,omitempty"`
	RedirectURIs  []string  `json:"redirectUris"`
	AllowedScopes []string  `json:"allowedScopes"`
	IsActive      bool      `json:"isActive"`
	McpSlug       string    `json:"mcpSlug,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NormalizeRedirectURIs lowercases and sorts the set. Client dedup keys on
// this normalized form.
func NormalizeRedirectURIs(uris []string) []string {
	out := make([]string, 0, len(uris))
	seen := map[string]struct{}{}
	for _, u := range uris {
		n := strings.ToLower(strings.TrimSpace(u))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SessionConfig is the snapshot carried by an auth code from consent to
// token issuance.
type SessionConfig struct {
	SessionID  string         `json:"sessionId"`
	ValidAfter time.Time      `json:"validAfter"`
	ValidUntil time.Time      `json:"validUntil"`
	Scopes     []scopes.Scope `json:"scopes"`
	McpSlug    string         `json:"mcpSlug,omitempty"`
}

// AuthCode is a single-use authorization code. UsedAt only ever moves
// from null to a timestamp.
type AuthCode struct {
	Code                string        `json:"code"`
	ClientID            string        `json:"clientId"`
	UserID              string        `json:"userId"`
	RequestedScopes     []string      `json:"requestedScopes"`
	ApprovedScopes      []string      `json:"approvedScopes"`
	SessionConfig       SessionConfig `json:"sessionConfig"`
	CodeChallenge       string        `json:"codeChallenge"`
	CodeChallengeMethod string        `json:"codeChallengeMethod"`
	RedirectURI         string        `json:"redirectUri"`
	ExpiresAt           time.Time     `json:"expiresAt"`
	UsedAt              *time.Time    `json:"usedAt,omitempty"`
}

// AccessToken is a bearer token record. Lookup is always by SHA-256 hash.
type AccessToken struct {
	TokenHash    string     `json:"-"`
	ClientID     string     `json:"clientId"`
	UserID       string     `json:"userId"`
	SessionKeyID string     `json:"sessionKeyId"`
	Scopes       []string   `json:"scopes"`
	McpSlug      string     `json:"mcpSlug,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// VariableDefinition is the data-driven input descriptor shared by proxy
// and workflow tools.
type VariableDefinition struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required"`
	Default     any            `json:"default,omitempty"`
	Example     any            `json:"example,omitempty"`
	Validation  map[string]any `json:"validation,omitempty"`
}

// ApiProxy fronts one pay-gated upstream endpoint.
type ApiProxy struct {
	ID                  string                  `json:"id"`
	Slug                string                  `json:"slug,omitempty"`
	Name                string                  `json:"name,omitempty"`
	Description         string                  `json:"description,omitempty"`
	OwnerUserID         string                  `json:"ownerUserId"`
	TargetURL           string                  `json:"targetUrl"`
	HTTPMethod          string                  `json:"httpMethod"`
	EncryptedHeaders    *hybridcrypto.Encrypted `json:"-"`
	PricePerRequest     int64                   `json:"pricePerRequest"`
	PaymentAddress      string                  `json:"paymentAddress"`
	VariablesSchema     []VariableDefinition    `json:"variablesSchema,omitempty"`
	RequestBodyTemplate map[string]any          `json:"requestBodyTemplate,omitempty"`
	QueryParamsTemplate map[string]string       `json:"queryParamsTemplate,omitempty"`
	ContentType         string                  `json:"contentType,omitempty"`
	IsPublic            bool                    `json:"isPublic"`
}

// WorkflowTemplate stores an authored workflow. The definition is kept as
// raw JSON; the workflow engine owns its typed shape.
type WorkflowTemplate struct {
	ID          string               `json:"id"`
	Slug        string               `json:"slug"`
	UserID      string               `json:"userId"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	InputSchema []VariableDefinition `json:"inputSchema,omitempty"`
	Definition  json.RawMessage      `json:"workflowDefinition"`
	IsPublic    bool                 `json:"isPublic"`
}

// McpServer is a published tool surface addressed by slug.
type McpServer struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	OwnerUserID string `json:"ownerUserId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"isActive"`
}

// ProxyToolBinding attaches a proxy to an MCP server.
type ProxyToolBinding struct {
	ID           string `json:"id"`
	ServerID     string `json:"serverId"`
	ProxyID      string `json:"proxyId"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	Enabled      bool   `json:"enabled"`
	DisplayOrder int    `json:"displayOrder"`
}

// WorkflowToolBinding attaches a workflow to an MCP server.
type WorkflowToolBinding struct {
	ID           string `json:"id"`
	ServerID     string `json:"serverId"`
	WorkflowID   string `json:"workflowId"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	Enabled      bool   `json:"enabled"`
	DisplayOrder int    `json:"displayOrder"`
}

// RequestLog is one gateway request record.
type RequestLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	Slug       string    `json:"slug,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"statusCode"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}
