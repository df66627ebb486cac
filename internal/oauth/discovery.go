package oauth

import (
	"net/http"

	"github.com/gorilla/mux"
)

// AuthorizationServerMetadata builds the RFC 8414 document. With a slug,
// the authorize and register endpoints carry ?mcp_slug so clients land on
// the right server's consent flow.
func (s *Server) AuthorizationServerMetadata(slug string) map[string]any {
	issuer := s.cfg.IssuerURL
	return map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                slugQuery(issuer+"/authorize", slug),
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 slugQuery(issuer+"/register", slug),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      SupportedScopes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "none"},
	}
}

// ProtectedResourceMetadata builds the RFC 9470 document. The slug-aware
// variant names the per-slug MCP resource and its authorization server.
func (s *Server) ProtectedResourceMetadata(slug string) map[string]any {
	resource := s.cfg.PublicMcpURL
	authServers := []string{s.cfg.IssuerURL}
	if slug != "" {
		resource = s.cfg.PublicMcpURL + "/mcp/" + slug
		authServers = []string{s.cfg.IssuerURL + "/oauth/" + slug}
	}
	return map[string]any{
		"resource":                 resource,
		"authorization_servers":    authServers,
		"scopes_supported":         SupportedScopes,
		"bearer_methods_supported": []string{"header"},
	}
}

// requestSlug resolves the effective slug from the route or query string.
func requestSlug(r *http.Request) string {
	if slug, ok := mux.Vars(r)["slug"]; ok && slug != "" {
		return slug
	}
	return r.URL.Query().Get("mcp_slug")
}

func writeDiscovery(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeDiscovery(w, s.AuthorizationServerMetadata(requestSlug(r)))
}

func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeDiscovery(w, s.ProtectedResourceMetadata(requestSlug(r)))
}

// HandleOpenIDConfiguration mirrors the authorization-server metadata for
// clients that only probe the OIDC well-known path.
func (s *Server) HandleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	writeDiscovery(w, s.AuthorizationServerMetadata(requestSlug(r)))
}
