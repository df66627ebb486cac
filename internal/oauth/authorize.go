package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/store"
	"github.com/agentgate/backend/internal/workflow"
)

const authCodeTTL = 10 * time.Minute

func containsScope(allowed []string, scope string) bool {
	for _, s := range allowed {
		if s == scope {
			return true
		}
	}
	return false
}

func containsURI(uris []string, uri string) bool {
	for _, u := range uris {
		if u == uri {
			return true
		}
	}
	return false
}

// WorkflowTarget is one contract address a workflow on this server may
// touch, surfaced so the consent UI can show what an execute scope covers.
type WorkflowTarget struct {
	Address      string `json:"address"`
	Name         string `json:"name,omitempty"`
	WorkflowName string `json:"workflowName"`
}

type authorizeDetails struct {
	Client struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		LogoURL string `json:"logoUrl,omitempty"`
	} `json:"client"`
	Scopes          []ScopeDetail    `json:"scopes"`
	McpSlug         string           `json:"mcpSlug,omitempty"`
	State           string           `json:"state,omitempty"`
	RedirectURI     string           `json:"redirectUri"`
	WorkflowTargets []WorkflowTarget `json:"workflowTargets,omitempty"`
}

// HandleAuthorizeGet validates the authorization request and returns the
// structured consent payload for the external UI.
func (s *Server) HandleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")

	switch {
	case clientID == "" || redirectURI == "" || scope == "":
		writeError(w, apperr.Newf(apperr.KindValidation, "client_id, redirect_uri, and scope are required"))
		return
	case q.Get("response_type") != "code":
		writeError(w, apperr.Newf(apperr.KindValidation, "response_type must be \"code\""))
		return
	case q.Get("code_challenge") == "":
		writeError(w, apperr.Newf(apperr.KindValidation, "code_challenge is required"))
		return
	case q.Get("code_challenge_method") != "S256":
		writeError(w, apperr.Newf(apperr.KindValidation, "code_challenge_method must be S256"))
		return
	}

	ctx := r.Context()
	client, err := s.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !client.IsActive {
		writeError(w, apperr.Newf(apperr.KindValidation, "client is not active"))
		return
	}
	if !containsURI(client.RedirectURIs, redirectURI) {
		writeError(w, apperr.Newf(apperr.KindValidation, "redirect_uri is not registered for this client"))
		return
	}

	requested := splitScopes(scope)
	for _, sc := range requested {
		if !containsScope(client.AllowedScopes, sc) {
			writeError(w, apperr.Newf(apperr.KindValidation, "scope %q is not allowed for this client", sc))
			return
		}
	}

	slug := q.Get("mcp_slug")
	if slug == "" {
		slug = client.McpSlug
	}

	var details authorizeDetails
	details.Client.ID = client.ID
	details.Client.Name = client.Name
	details.Client.LogoURL = client.LogoURL
	details.McpSlug = slug
	details.State = q.Get("state")
	details.RedirectURI = redirectURI
	for _, sc := range requested {
		if d, ok := scopeCatalog[sc]; ok {
			details.Scopes = append(details.Scopes, d)
		} else {
			details.Scopes = append(details.Scopes, ScopeDetail{ID: sc, Name: sc})
		}
	}
	details.WorkflowTargets = s.workflowTargets(r, slug)

	writeJSON(w, http.StatusOK, details)
}

// workflowTargets aggregates the dynamic targets declared by workflows
// attached to the slug's MCP server. Failures degrade to an empty list;
// consent can proceed without the enrichment.
func (s *Server) workflowTargets(r *http.Request, slug string) []WorkflowTarget {
	if slug == "" {
		return nil
	}
	ctx := r.Context()
	server, err := s.store.GetMcpServerBySlug(ctx, slug)
	if err != nil || server == nil {
		return nil
	}
	bindings, err := s.store.ListWorkflowToolBindings(ctx, server.ID)
	if err != nil {
		return nil
	}

	var out []WorkflowTarget
	for _, b := range bindings {
		tpl, err := s.store.GetWorkflowTemplate(ctx, b.WorkflowID)
		if err != nil {
			continue
		}
		def, err := workflow.ParseDefinition(tpl.Definition)
		if err != nil || def.ScopeConfig == nil {
			continue
		}
		for _, tgt := range def.ScopeConfig.AllowedDynamicTargets {
			out = append(out, WorkflowTarget{
				Address:      tgt.Address,
				Name:         tgt.Name,
				WorkflowName: tpl.Name,
			})
		}
	}
	return out
}

type authorizePostRequest struct {
	ClientID       string   `json:"client_id"`
	RedirectURI    string   `json:"redirect_uri"`
	CodeChallenge  string   `json:"code_challenge"`
	ApprovedScopes []string `json:"approved_scopes"`
	SessionID      string   `json:"session_id"`
	State          string   `json:"state,omitempty"`
	McpSlug        string   `json:"mcp_slug,omitempty"`
}

// AuthorizePost records user consent: it binds the session key to the
// client, mints a single-use code, and returns the redirect URL the UI
// should navigate to. userID is the authenticated wallet user.
func (s *Server) AuthorizePost(w http.ResponseWriter, r *http.Request, userID string) {
	var req authorizePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Newf(apperr.KindValidation, "invalid authorize body"))
		return
	}
	if req.ClientID == "" || req.RedirectURI == "" || req.CodeChallenge == "" || req.SessionID == "" {
		writeError(w, apperr.Newf(apperr.KindValidation,
			"client_id, redirect_uri, code_challenge, and session_id are required"))
		return
	}

	ctx := r.Context()
	client, err := s.store.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !containsURI(client.RedirectURIs, req.RedirectURI) {
		writeError(w, apperr.Newf(apperr.KindValidation, "redirect_uri is not registered for this client"))
		return
	}
	for _, sc := range req.ApprovedScopes {
		if !containsScope(client.AllowedScopes, sc) {
			writeError(w, apperr.Newf(apperr.KindForbidden, "scope %q is not allowed for this client", sc))
			return
		}
	}

	session, err := s.store.GetSessionKey(ctx, userID, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !session.IsActive {
		writeError(w, apperr.Newf(apperr.KindValidation, "session key is not active"))
		return
	}

	code, err := randomToken(48)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "generate auth code", err))
		return
	}
	authCode := &store.AuthCode{
		Code:            code,
		ClientID:        client.ID,
		UserID:          userID,
		RequestedScopes: req.ApprovedScopes,
		ApprovedScopes:  req.ApprovedScopes,
		SessionConfig: store.SessionConfig{
			SessionID:  session.SessionID,
			ValidAfter: session.ValidAfter,
			ValidUntil: session.ValidUntil,
			Scopes:     session.Scopes,
			McpSlug:    req.McpSlug,
		},
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: "S256",
		RedirectURI:         req.RedirectURI,
		ExpiresAt:           time.Now().Add(authCodeTTL),
	}
	if err := s.store.InsertAuthCode(ctx, authCode); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.BindSessionOAuthClient(ctx, session.SessionID, client.ID); err != nil {
		writeError(w, err)
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		writeError(w, apperr.Newf(apperr.KindValidation, "redirect_uri is not a valid URL"))
		return
	}
	qs := redirect.Query()
	qs.Set("code", code)
	if req.State != "" {
		qs.Set("state", req.State)
	}
	redirect.RawQuery = qs.Encode()

	s.logger.Info("issued authorization code",
		"clientId", client.ID, "sessionId", session.SessionID, "slug", req.McpSlug)
	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect.String()})
}
