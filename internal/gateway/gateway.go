// Package gateway is the HTTP surface of the service: MCP transport
// routes, OAuth endpoints, well-known discovery documents, the session
// key REST API, and process observability.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/config"
	"github.com/agentgate/backend/internal/mcpserver"
	"github.com/agentgate/backend/internal/nonce"
	"github.com/agentgate/backend/internal/oauth"
	"github.com/agentgate/backend/internal/signing"
	"github.com/agentgate/backend/internal/store"
	"github.com/agentgate/backend/internal/workflow"
)

// Server wires handlers to their dependencies.
type Server struct {
	cfg           *config.Config
	store         store.Store
	oauth         *oauth.Server
	signer        *signing.Service
	mcp           *mcpserver.Manager
	engine        *workflow.Engine
	loginNonces   nonce.Store
	paymentNonces nonce.Store
	logger        *slog.Logger
}

func NewServer(cfg *config.Config, st store.Store, oauthSrv *oauth.Server, signer *signing.Service, mcp *mcpserver.Manager, engine *workflow.Engine, loginNonces, paymentNonces nonce.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		store:         st,
		oauth:         oauthSrv,
		signer:        signer,
		mcp:           mcp,
		engine:        engine,
		loginNonces:   loginNonces,
		paymentNonces: paymentNonces,
		logger:        logger,
	}
}

// Router builds the full route surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, forwardedMiddleware, s.observeMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// MCP transport. OPTIONS terminates in the CORS middleware.
	r.HandleFunc("/mcp/{slug}", s.handleMCP).
		Methods(http.MethodPost, http.MethodGet, http.MethodDelete, http.MethodOptions)

	// Discovery, both at the root and per slug. Clients probe several
	// path layouts, so every variant answers.
	r.HandleFunc("/.well-known/oauth-authorization-server", s.oauth.HandleAuthorizationServerMetadata).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/oauth-authorization-server/{rest:.*}", s.oauth.HandleAuthorizationServerMetadata).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/oauth-protected-resource", s.oauth.HandleProtectedResourceMetadata).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/oauth-protected-resource/{rest:.*}", s.oauth.HandleProtectedResourceMetadata).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/openid-configuration", s.oauth.HandleOpenIDConfiguration).Methods(http.MethodGet)
	r.HandleFunc("/mcp/{slug}/.well-known/oauth-authorization-server", s.oauth.HandleAuthorizationServerMetadata).Methods(http.MethodGet)
	r.HandleFunc("/mcp/{slug}/.well-known/oauth-protected-resource", s.oauth.HandleProtectedResourceMetadata).Methods(http.MethodGet)
	r.HandleFunc("/mcp/{slug}/.well-known/openid-configuration", s.oauth.HandleOpenIDConfiguration).Methods(http.MethodGet)
	r.HandleFunc("/oauth/{slug}/.well-known/oauth-authorization-server", s.oauth.HandleAuthorizationServerMetadata).Methods(http.MethodGet)
	r.HandleFunc("/oauth/{slug}/.well-known/oauth-protected-resource", s.oauth.HandleProtectedResourceMetadata).Methods(http.MethodGet)
	r.HandleFunc("/oauth/{slug}/.well-known/openid-configuration", s.oauth.HandleOpenIDConfiguration).Methods(http.MethodGet)

	// OAuth.
	r.HandleFunc("/register", s.oauth.HandleRegister).Methods(http.MethodPost)
	r.HandleFunc("/authorize", s.oauth.HandleAuthorizeGet).Methods(http.MethodGet)
	r.HandleFunc("/authorize", s.handleAuthorizePost).Methods(http.MethodPost)
	r.HandleFunc("/token", s.oauth.HandleToken).Methods(http.MethodPost)

	// Wallet login.
	r.HandleFunc("/auth/nonce", s.handleLoginNonce).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify", s.handleLoginVerify).Methods(http.MethodPost)

	// Session key registry.
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{sessionId}", s.handleRevokeSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{sessionId}/sign", s.handleSignSession).Methods(http.MethodPost)

	// Workflow simulation for the owner. Live runs only happen through
	// the MCP tool surface.
	r.HandleFunc("/workflows/{workflowId}/test", s.handleWorkflowTest).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	s.mcp.Handle(w, r, mux.Vars(r)["slug"])
}

// handleAuthorizePost authenticates the consenting user, then delegates
// the consent grant to the OAuth server.
func (s *Server) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.oauth.AuthorizePost(w, r, user.ID)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error kind to HTTP and merges structured details
// into the body, so ContractNotApproved carries its approvedContracts
// and availableScopes lists.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := map[string]any{
		"error":   apperr.Code(kind),
		"message": err.Error(),
	}
	if appErr := apperr.Get(err); appErr != nil {
		for k, v := range appErr.Details {
			body[k] = v
		}
		body["message"] = appErr.Message
	}
	if kind == apperr.KindInternal {
		body["message"] = "internal error"
		s.logger.Error("internal error", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(kind), body)
}
