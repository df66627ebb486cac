package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/store"
)

type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
	ClientURI    string   `json:"client_uri"`
	LogoURI      string   `json:"logo_uri"`
	Scope        string   `json:"scope"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// HandleRegister implements RFC 7591 dynamic registration. Re-registering
// with an identical redirect set reuses the client id and rotates the
// secret instead of accumulating duplicate clients.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Newf(apperr.KindValidation, "invalid registration body"))
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeError(w, apperr.Newf(apperr.KindValidation, "redirect_uris must contain at least one URL"))
		return
	}
	for _, u := range req.RedirectURIs {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			writeError(w, apperr.Newf(apperr.KindValidation, "redirect_uri %q is not a valid URL", u))
			return
		}
	}

	secret, err := randomToken(32)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "generate client secret", err))
		return
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "hash client secret", err))
		return
	}

	allowedScopes := SupportedScopes
	if req.Scope != "" {
		allowedScopes = strings.Fields(req.Scope)
	}

	normalized := store.NormalizeRedirectURIs(req.RedirectURIs)
	ctx := r.Context()

	existing, err := s.store.FindOAuthClientByRedirectSet(ctx, normalized)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	var client *store.OAuthClient
	if existing != nil {
		if err := s.store.RotateOAuthClientSecret(ctx, existing.ID, string(secretHash)); err != nil {
			writeError(w, err)
			return
		}
		client = existing
		status = http.StatusOK
		s.logger.Info("reused oauth client for identical redirect set", "clientId", existing.ID)
	} else {
		id, err := randomHex(16)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindInternal, "generate client id", err))
			return
		}
		client = &store.OAuthClient{
			ID:            "mcp_" + id,
			SecretHash:    string(secretHash),
			Name:          req.ClientName,
			LogoURL:       req.LogoURI,
			RedirectURIs:  req.RedirectURIs,
			AllowedScopes: allowedScopes,
			McpSlug:       r.URL.Query().Get("mcp_slug"),
		}
		if err := s.store.CreateOAuthClient(ctx, client); err != nil {
			writeError(w, err)
			return
		}
		s.logger.Info("registered oauth client", "clientId", client.ID, "name", client.Name)
	}

	writeJSON(w, status, registrationResponse{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientSecretExpiresAt:   0,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_post",
		Scope:                   strings.Join(client.AllowedScopes, " "),
	})
}
