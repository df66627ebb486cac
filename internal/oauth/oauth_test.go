package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/config"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/scopes"
	"github.com/agentgate/backend/internal/store"
)

const (
	testSessionID = "0x" + "12121212121212121212121212121212" + "12121212121212121212121212121212"
	testWallet    = "0xaaaa0000000000000000000000000000000000aa"
)

type env struct {
	server *Server
	store  *store.Memory
	userID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := store.NewMemory()
	cfg := &config.Config{
		IssuerURL:    "https://app.example",
		PublicMcpURL: "https://mcp.example",
	}
	srv := NewServer(m, cfg, slog.Default())

	user, err := m.GetOrCreateUser(context.Background(), testWallet)
	require.NoError(t, err)

	key, err := store.NewSessionKey(store.CreateSessionKeyInput{
		UserID:              user.ID,
		SessionID:           testSessionID,
		SessionKeyAddress:   "0xbbbb0000000000000000000000000000000000bb",
		EncryptedPrivateKey: &hybridcrypto.Encrypted{EncryptedKey: "k", IV: "i", Ciphertext: "c", Tag: "t"},
		Scopes: []scopes.Scope{{
			Kind: scopes.KindEIP712, ID: scopes.ScopePayments, Name: "Payments",
			ApprovedContracts: []scopes.ApprovedContract{{
				Address: "0xf951ec280000000000000000000000000005f77c",
				Domain:  scopes.ContractDomain{Name: "USD Coin", Version: "2"},
			}},
		}},
		ValidAfter: time.Now().Add(-time.Minute),
		ValidUntil: time.Now().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, m.CreateSessionKey(context.Background(), key))

	return &env{server: srv, store: m, userID: user.ID}
}

func postJSON(t *testing.T, handler func(http.ResponseWriter, *http.Request), path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func register(t *testing.T, e *env, uris ...string) (clientID, secret string, status int) {
	t.Helper()
	rec := postJSON(t, e.server.HandleRegister, "/register", map[string]any{
		"redirect_uris": uris,
		"client_name":   "Test Client",
	})
	body := decodeBody(t, rec)
	return body["client_id"].(string), body["client_secret"].(string), rec.Code
}

func TestRegister_CreatesAndDeduplicates(t *testing.T) {
	e := newEnv(t)

	id1, secret1, status := register(t, e, "https://a.example/cb", "https://b.example/cb")
	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(id1, "mcp_"))
	assert.NotEmpty(t, secret1)

	// Same set, different order and case: reuse id, rotate secret, 200.
	id2, secret2, status := register(t, e, "https://B.example/cb", "https://a.example/cb")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, secret1, secret2)

	// Old secret no longer authenticates at the token endpoint.
	rec := postJSON(t, e.server.HandleToken, "/token", map[string]any{
		"grant_type": "authorization_code", "code": "x", "redirect_uri": "https://a.example/cb",
		"client_id": id1, "client_secret": secret1, "code_verifier": "v",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegister_RejectsInvalidRedirects(t *testing.T) {
	e := newEnv(t)

	rec := postJSON(t, e.server.HandleRegister, "/register", map[string]any{"redirect_uris": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, e.server.HandleRegister, "/register", map[string]any{"redirect_uris": []string{"not a url"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeGet_Validation(t *testing.T) {
	e := newEnv(t)
	clientID, _, _ := register(t, e, "https://a.example/cb")

	get := func(params map[string]string) *httptest.ResponseRecorder {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
		rec := httptest.NewRecorder()
		e.server.HandleAuthorizeGet(rec, req)
		return rec
	}

	base := map[string]string{
		"client_id": clientID, "redirect_uri": "https://a.example/cb",
		"response_type": "code", "code_challenge": "abc",
		"code_challenge_method": "S256", "scope": scopes.ScopePayments,
	}
	rec := get(base)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	scopesOut := body["scopes"].([]any)
	require.Len(t, scopesOut, 1)
	assert.Equal(t, scopes.ScopePayments, scopesOut[0].(map[string]any)["id"])

	for name, mutate := range map[string]func(map[string]string){
		"wrong response_type":   func(p map[string]string) { p["response_type"] = "token" },
		"plain pkce":            func(p map[string]string) { p["code_challenge_method"] = "plain" },
		"unregistered redirect": func(p map[string]string) { p["redirect_uri"] = "https://evil.example/cb" },
		"scope not allowed":     func(p map[string]string) { p["scope"] = "admin:everything" },
	} {
		p := map[string]string{}
		for k, v := range base {
			p[k] = v
		}
		mutate(p)
		assert.Equal(t, http.StatusBadRequest, get(p).Code, name)
	}
}

// runCodeFlow drives consent and token exchange, returning the raw token.
func runCodeFlow(t *testing.T, e *env, clientID, secret string) string {
	t.Helper()
	verifier := "test-verifier-test-verifier-test-verifier-43chars"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	rec := postJSON(t, func(w http.ResponseWriter, r *http.Request) {
		e.server.AuthorizePost(w, r, e.userID)
	}, "/authorize", map[string]any{
		"client_id": clientID, "redirect_uri": "https://a.example/cb",
		"code_challenge": challenge, "approved_scopes": []string{scopes.ScopePayments},
		"session_id": testSessionID, "state": "xyz", "mcp_slug": "alpha",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	redirect, err := url.Parse(decodeBody(t, rec)["redirect_url"].(string))
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))

	rec = postJSON(t, e.server.HandleToken, "/token", map[string]any{
		"grant_type": "authorization_code", "code": code,
		"redirect_uri": "https://a.example/cb", "client_id": clientID,
		"client_secret": secret, "code_verifier": verifier,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, testSessionID, body["session_id"])
	assert.Equal(t, testWallet, body["wallet_address"])
	assert.Equal(t, scopes.ScopePayments, body["scope"])
	return body["access_token"].(string)
}

func TestTokenFlow_EndToEnd(t *testing.T) {
	e := newEnv(t)
	clientID, secret, _ := register(t, e, "https://a.example/cb")
	raw := runCodeFlow(t, e, clientID, secret)

	principal, err := e.server.ValidateAccessToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, e.userID, principal.User.ID)
	assert.Equal(t, testSessionID, principal.Session.SessionID)
	assert.Equal(t, "alpha", principal.McpSlug)
	assert.True(t, principal.HasScope(scopes.ScopePayments))

	assert.NoError(t, principal.RequireSlug("alpha"))
	err = principal.RequireSlug("beta")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scoped to slug "alpha", not "beta"`)

	// Token expiry tracks the session key validity window.
	token, err := e.store.GetAccessTokenByHash(context.Background(), HashToken(raw))
	require.NoError(t, err)
	session, err := e.store.GetSessionKey(context.Background(), e.userID, testSessionID)
	require.NoError(t, err)
	assert.WithinDuration(t, session.ValidUntil, token.ExpiresAt, time.Second)
}

func TestToken_CodeIsSingleUse(t *testing.T) {
	e := newEnv(t)
	clientID, secret, _ := register(t, e, "https://a.example/cb")

	verifier := "verifier-verifier-verifier-verifier-43-chars!!"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	rec := postJSON(t, func(w http.ResponseWriter, r *http.Request) {
		e.server.AuthorizePost(w, r, e.userID)
	}, "/authorize", map[string]any{
		"client_id": clientID, "redirect_uri": "https://a.example/cb",
		"code_challenge": challenge, "approved_scopes": []string{scopes.ScopePayments},
		"session_id": testSessionID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	redirect, _ := url.Parse(decodeBody(t, rec)["redirect_url"].(string))
	code := redirect.Query().Get("code")

	exchange := func() int {
		rec := postJSON(t, e.server.HandleToken, "/token", map[string]any{
			"grant_type": "authorization_code", "code": code,
			"redirect_uri": "https://a.example/cb", "client_id": clientID,
			"client_secret": secret, "code_verifier": verifier,
		})
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, exchange())
	assert.Equal(t, http.StatusUnauthorized, exchange(), "second exchange must fail")
}

func TestToken_WrongVerifierRejected(t *testing.T) {
	e := newEnv(t)
	clientID, secret, _ := register(t, e, "https://a.example/cb")

	rec := postJSON(t, func(w http.ResponseWriter, r *http.Request) {
		e.server.AuthorizePost(w, r, e.userID)
	}, "/authorize", map[string]any{
		"client_id": clientID, "redirect_uri": "https://a.example/cb",
		"code_challenge": "challenge-of-a-different-verifier",
		"approved_scopes": []string{scopes.ScopePayments}, "session_id": testSessionID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	redirect, _ := url.Parse(decodeBody(t, rec)["redirect_url"].(string))

	rec = postJSON(t, e.server.HandleToken, "/token", map[string]any{
		"grant_type": "authorization_code", "code": redirect.Query().Get("code"),
		"redirect_uri": "https://a.example/cb", "client_id": clientID,
		"client_secret": secret, "code_verifier": "not-the-right-verifier",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthorizePost_ScopeSubsetEnforced(t *testing.T) {
	e := newEnv(t)
	rec := postJSON(t, e.server.HandleRegister, "/register", map[string]any{
		"redirect_uris": []string{"https://a.example/cb"},
		"scope":         scopes.ScopePayments, // client may only request payments
	})
	clientID := decodeBody(t, rec)["client_id"].(string)

	rec = postJSON(t, func(w http.ResponseWriter, r *http.Request) {
		e.server.AuthorizePost(w, r, e.userID)
	}, "/authorize", map[string]any{
		"client_id": clientID, "redirect_uri": "https://a.example/cb",
		"code_challenge":  "abc",
		"approved_scopes": []string{scopes.ScopePayments, scopes.ScopeTools},
		"session_id":      testSessionID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthorizePost_RevokedSessionRejected(t *testing.T) {
	e := newEnv(t)
	clientID, _, _ := register(t, e, "https://a.example/cb")
	_, err := e.store.RevokeSessionKey(context.Background(), e.userID, testSessionID)
	require.NoError(t, err)

	rec := postJSON(t, func(w http.ResponseWriter, r *http.Request) {
		e.server.AuthorizePost(w, r, e.userID)
	}, "/authorize", map[string]any{
		"client_id": clientID, "redirect_uri": "https://a.example/cb",
		"code_challenge": "abc", "approved_scopes": []string{scopes.ScopePayments},
		"session_id": testSessionID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateAccessToken_RevokedSessionInvalidatesToken(t *testing.T) {
	e := newEnv(t)
	clientID, secret, _ := register(t, e, "https://a.example/cb")
	raw := runCodeFlow(t, e, clientID, secret)

	_, err := e.store.RevokeSessionKey(context.Background(), e.userID, testSessionID)
	require.NoError(t, err)

	_, err = e.server.ValidateAccessToken(context.Background(), raw)
	require.Error(t, err)
}

func TestDiscovery_SlugAwareEndpoints(t *testing.T) {
	e := newEnv(t)

	meta := e.server.AuthorizationServerMetadata("")
	assert.Equal(t, "https://app.example/authorize", meta["authorization_endpoint"])
	assert.Equal(t, "https://app.example/token", meta["token_endpoint"])
	assert.Equal(t, []string{"S256"}, meta["code_challenge_methods_supported"])

	meta = e.server.AuthorizationServerMetadata("my slug")
	assert.Equal(t, "https://app.example/authorize?mcp_slug=my+slug", meta["authorization_endpoint"])
	assert.Equal(t, "https://app.example/register?mcp_slug=my+slug", meta["registration_endpoint"])

	res := e.server.ProtectedResourceMetadata("alpha")
	assert.Equal(t, "https://mcp.example/mcp/alpha", res["resource"])
	assert.Equal(t, []string{"https://app.example/oauth/alpha"}, res["authorization_servers"])

	res = e.server.ProtectedResourceMetadata("")
	assert.Equal(t, "https://mcp.example", res["resource"])
	assert.Equal(t, []string{"https://app.example"}, res["authorization_servers"])
}
