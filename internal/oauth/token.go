package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/store"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
}

type tokenResponse struct {
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int64  `json:"expires_in"`
	Scope         string `json:"scope"`
	SessionID     string `json:"session_id"`
	WalletAddress string `json:"wallet_address"`
}

func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, apperr.Newf(apperr.KindValidation, "invalid token request body")
		}
		return &req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, apperr.Newf(apperr.KindValidation, "invalid token request form")
	}
	return &tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	}, nil
}

// verifyPKCE checks base64url(SHA-256(verifier)) against the stored
// challenge.
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

// HandleToken exchanges an authorization code for an access token. The
// validation steps run in a fixed order so each failure mode keeps its
// own error.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// 1. Grant type.
	if req.GrantType != "authorization_code" {
		writeError(w, apperr.Newf(apperr.KindValidation, "unsupported grant_type %q", req.GrantType))
		return
	}
	// 2. Required parameters.
	if req.Code == "" || req.RedirectURI == "" || req.ClientID == "" ||
		req.ClientSecret == "" || req.CodeVerifier == "" {
		writeError(w, apperr.Newf(apperr.KindValidation,
			"code, redirect_uri, client_id, client_secret, and code_verifier are required"))
		return
	}

	ctx := r.Context()

	// 3. Client authentication.
	client, err := s.store.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "unknown client"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(req.ClientSecret)) != nil {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "invalid client secret"))
		return
	}

	// 4. Code exists, unused, unexpired. Consumption is atomic, so a
	// replayed code fails here even under concurrency.
	code, err := s.store.ConsumeAuthCode(ctx, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	if code.ClientID != client.ID {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "authorization code belongs to a different client"))
		return
	}
	// 5. Redirect URI binding.
	if code.RedirectURI != req.RedirectURI {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "redirect_uri does not match the authorization request"))
		return
	}
	// 6. PKCE.
	if !verifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "code_verifier does not match code_challenge"))
		return
	}
	// 7. Linked session key.
	session, err := s.store.GetSessionKey(ctx, code.UserID, code.SessionConfig.SessionID)
	if err != nil {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "linked session key no longer exists"))
		return
	}
	if !session.IsActive {
		writeError(w, apperr.Newf(apperr.KindUnauthorized, "linked session key has been revoked"))
		return
	}

	raw, err := randomToken(64)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "generate access token", err))
		return
	}
	token := &store.AccessToken{
		TokenHash:    HashToken(raw),
		ClientID:     client.ID,
		UserID:       code.UserID,
		SessionKeyID: session.ID,
		Scopes:       code.ApprovedScopes,
		McpSlug:      code.SessionConfig.McpSlug,
		ExpiresAt:    session.ValidUntil,
	}
	if err := s.store.InsertAccessToken(ctx, token); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.store.GetUser(ctx, code.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("issued access token",
		"clientId", client.ID, "sessionId", session.SessionID, "slug", token.McpSlug)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:   raw,
		TokenType:     "Bearer",
		ExpiresIn:     int64(time.Until(session.ValidUntil).Seconds()),
		Scope:         strings.Join(code.ApprovedScopes, " "),
		SessionID:     session.SessionID,
		WalletAddress: user.WalletAddress,
	})
}
