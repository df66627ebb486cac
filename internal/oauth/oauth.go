// Package oauth implements the authorization server: RFC 8414/9470
// discovery, RFC 7591 dynamic client registration, the authorization and
// token endpoints, and bearer validation. Access tokens are bound to a
// delegated session key; a token never outlives its session.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/config"
	"github.com/agentgate/backend/internal/store"
)

// SupportedScopes is the full scope vocabulary offered through discovery.
var SupportedScopes = []string{"x402:payments", "mcp:tools", "workflow:token-approvals"}

// ScopeDetail describes one scope for the consent UI.
type ScopeDetail struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Type              string `json:"type"`
	BudgetEnforceable bool   `json:"budgetEnforceable"`
}

var scopeCatalog = map[string]ScopeDetail{
	"x402:payments": {
		ID:                "x402:payments",
		Name:              "Token payments",
		Description:       "Authorize pay-per-call API payments with approved tokens",
		Type:              "eip712",
		BudgetEnforceable: false,
	},
	"mcp:tools": {
		ID:                "mcp:tools",
		Name:              "MCP tools",
		Description:       "Invoke the tools published on this MCP server",
		Type:              "eip712",
		BudgetEnforceable: false,
	},
	"workflow:token-approvals": {
		ID:                "workflow:token-approvals",
		Name:              "Workflow token approvals",
		Description:       "Approve token spending required by workflow steps",
		Type:              "execute",
		BudgetEnforceable: true,
	},
}

// Server implements the OAuth endpoints over the shared store.
type Server struct {
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
}

func NewServer(st store.Store, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, cfg: cfg, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error to the OAuth error JSON shape while keeping
// the kind-distinct code.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := map[string]any{
		"error":             apperr.Code(kind),
		"error_description": err.Error(),
	}
	if appErr := apperr.Get(err); appErr != nil {
		for k, v := range appErr.Details {
			body[k] = v
		}
	}
	writeJSON(w, apperr.HTTPStatus(kind), body)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken is the storage form of a bearer token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// splitScopes tokenizes a space-joined scope string.
func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

// slugQuery appends ?mcp_slug=<slug> when a slug is in play.
func slugQuery(base, slug string) string {
	if slug == "" {
		return base
	}
	return base + "?mcp_slug=" + url.QueryEscape(slug)
}
