// Package mcpserver exposes each published MCP slug as a streamable HTTP
// MCP endpoint. Sessions are created on the first POST without an
// mcp-session-id header and are bound to their slug for their lifetime.
package mcpserver

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentgate/backend/internal/oauth"
	"github.com/agentgate/backend/internal/payment"
	"github.com/agentgate/backend/internal/store"
	"github.com/agentgate/backend/internal/tools"
	"github.com/agentgate/backend/internal/workflow"
)

const sessionHeader = "Mcp-Session-Id"

// TokenValidator resolves bearer tokens to principals.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, raw string) (*oauth.Principal, error)
}

// PayClient performs pay-gated HTTP requests for proxy tools.
type PayClient interface {
	Do(ctx context.Context, req *payment.Request, auth payment.Auth) (int, []byte, error)
}

// WorkflowRunner executes workflow templates for workflow tools.
type WorkflowRunner interface {
	Execute(ctx context.Context, tpl *store.WorkflowTemplate, input map[string]any, auth workflow.Auth) (map[string]any, error)
}

type session struct {
	id      string
	slug    string
	handler http.Handler
}

// Manager owns the session map and the per-session MCP servers.
type Manager struct {
	validator    TokenValidator
	registry     *tools.Registry
	runner       WorkflowRunner
	pay          PayClient
	store        store.Store
	serverKey    *rsa.PrivateKey
	issuerURL    string
	publicMcpURL string
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type ManagerConfig struct {
	Validator    TokenValidator
	Registry     *tools.Registry
	Runner       WorkflowRunner
	Pay          PayClient
	Store        store.Store
	ServerKey    *rsa.PrivateKey
	IssuerURL    string
	PublicMcpURL string
	Logger       *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		validator:    cfg.Validator,
		registry:     cfg.Registry,
		runner:       cfg.Runner,
		pay:          cfg.Pay,
		store:        cfg.Store,
		serverKey:    cfg.ServerKey,
		issuerURL:    strings.TrimSuffix(cfg.IssuerURL, "/"),
		publicMcpURL: strings.TrimSuffix(cfg.PublicMcpURL, "/"),
		logger:       logger,
		sessions:     map[string]*session{},
	}
}

type ctxKey int

const principalKey ctxKey = 0

func principalFrom(ctx context.Context) *oauth.Principal {
	p, _ := ctx.Value(principalKey).(*oauth.Principal)
	return p
}

// Handle serves POST, GET, and DELETE for /mcp/:slug.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request, slug string) {
	principal, err := m.authenticate(r)
	if err != nil {
		m.writeUnauthorized(w, slug, err)
		return
	}
	if err := principal.RequireSlug(slug); err != nil {
		writeJSONError(w, http.StatusForbidden, err.Error())
		return
	}

	sessionID := r.Header.Get(sessionHeader)

	switch r.Method {
	case http.MethodDelete:
		m.Remove(sessionID)
		w.WriteHeader(http.StatusNoContent)
		return

	case http.MethodGet:
		sess := m.lookup(sessionID)
		if sess == nil {
			writeJSONError(w, http.StatusNotFound, "unknown MCP session")
			return
		}
		if sess.slug != slug {
			writeJSONError(w, http.StatusForbidden, "session belongs to a different MCP server")
			return
		}
		m.serve(sess, w, r, principal)
		return

	case http.MethodPost:
		var sess *session
		if sessionID != "" {
			sess = m.lookup(sessionID)
			if sess == nil {
				writeJSONError(w, http.StatusNotFound, "unknown MCP session")
				return
			}
			if sess.slug != slug {
				writeJSONError(w, http.StatusForbidden, "session belongs to a different MCP server")
				return
			}
		} else {
			sess, err = m.create(r.Context(), slug, principal)
			if err != nil {
				writeAppError(w, err)
				return
			}
			if sess == nil {
				writeJSONError(w, http.StatusNotFound, "no MCP server under this slug")
				return
			}
		}
		w.Header().Set(sessionHeader, sess.id)
		m.serve(sess, w, r, principal)
		return

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (m *Manager) serve(sess *session, w http.ResponseWriter, r *http.Request, principal *oauth.Principal) {
	ctx := context.WithValue(r.Context(), principalKey, principal)
	r = r.WithContext(ctx)
	r.Header.Set(sessionHeader, sess.id)
	sess.handler.ServeHTTP(w, r)
}

func (m *Manager) authenticate(r *http.Request) (*oauth.Principal, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return m.validator.ValidateAccessToken(r.Context(), strings.TrimSpace(raw))
}

// create builds the per-session server and publishes it in one step, so a
// session id never resolves to a missing transport.
func (m *Manager) create(ctx context.Context, slug string, principal *oauth.Principal) (*session, error) {
	cfg, err := m.registry.LoadToolsForSlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	srv := m.buildServer(cfg)
	handler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{Stateless: true},
	)

	sess := &session{
		id:      uuid.New().String(),
		slug:    slug,
		handler: handler,
	}
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Info("mcp session opened", "slug", slug, "sessionId", sess.id,
		"proxyTools", len(cfg.ProxyTools), "workflowTools", len(cfg.WorkflowTools))
	return sess, nil
}

func (m *Manager) lookup(id string) *session {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Remove tears down a session. Safe to call more than once; the transport
// close path and DELETE both land here.
func (m *Manager) Remove(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed {
		m.logger.Info("mcp session closed", "sessionId", id)
	}
}

// Close drops all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = map[string]*session{}
}

func (m *Manager) writeUnauthorized(w http.ResponseWriter, slug string, err error) {
	resourceMeta := m.publicMcpURL + "/mcp/" + url.PathEscape(slug) + "/.well-known/oauth-protected-resource"
	w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+resourceMeta+`"`)
	authURL := m.issuerURL + "/authorize?mcp_slug=" + url.QueryEscape(slug)
	writeJSONBody(w, http.StatusUnauthorized, map[string]any{
		"error":             "unauthorized",
		"error_description": err.Error(),
		"authorization_url": authURL,
	})
}
