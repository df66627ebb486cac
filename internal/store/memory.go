package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
)

// Memory is the in-process Store used for tests and local development
// without a DATABASE_URL. Semantics mirror Postgres, including atomic
// auth-code consumption.
type Memory struct {
	mu sync.Mutex

	usersByAddr map[string]*User
	usersByID   map[string]*User
	sessions    map[string]*SessionKey // keyed by session_id
	clients     map[string]*OAuthClient
	authCodes   map[string]*AuthCode
	tokens      map[string]*AccessToken // keyed by token hash
	servers     map[string]*McpServer   // keyed by slug
	proxyTools  map[string][]*ProxyToolBinding
	wfTools     map[string][]*WorkflowToolBinding
	proxies     map[string]*ApiProxy
	workflows   map[string]*WorkflowTemplate
	logs        []*RequestLog
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		usersByAddr: map[string]*User{},
		usersByID:   map[string]*User{},
		sessions:    map[string]*SessionKey{},
		clients:     map[string]*OAuthClient{},
		authCodes:   map[string]*AuthCode{},
		tokens:      map[string]*AccessToken{},
		servers:     map[string]*McpServer{},
		proxyTools:  map[string][]*ProxyToolBinding{},
		wfTools:     map[string][]*WorkflowToolBinding{},
		proxies:     map[string]*ApiProxy{},
		workflows:   map[string]*WorkflowTemplate{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetOrCreateUser(ctx context.Context, walletAddress string) (*User, error) {
	addr := strings.ToLower(walletAddress)
	if !reAddress.MatchString(addr) {
		return nil, apperr.Newf(apperr.KindValidation, "invalid wallet address")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usersByAddr[addr]; ok {
		cp := *u
		return &cp, nil
	}
	u := &User{ID: uuid.NewString(), WalletAddress: addr, CreatedAt: time.Now()}
	m.usersByAddr[addr] = u
	m.usersByID[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func copySessionKey(k *SessionKey) *SessionKey {
	cp := *k
	return &cp
}

func (m *Memory) CreateSessionKey(ctx context.Context, key *SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[key.SessionID]; exists {
		return apperr.Newf(apperr.KindConflict, "session %s already exists", key.SessionID)
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.IsActive = true
	key.CreatedAt = time.Now()
	m.sessions[key.SessionID] = copySessionKey(key)
	return nil
}

func (m *Memory) ListActiveSessionKeys(ctx context.Context, userID string) ([]*SessionKey, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionKey
	for _, k := range m.sessions {
		if k.UserID == userID && k.IsActive && k.ValidUntil.After(now) {
			cp := copySessionKey(k)
			cp.EncryptedPrivateKey = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) lookupSession(userID, sessionID string) (*SessionKey, error) {
	k, ok := m.sessions[strings.ToLower(sessionID)]
	if !ok || k.UserID != userID {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
	}
	return k, nil
}

func (m *Memory) GetSessionKey(ctx context.Context, userID, sessionID string) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.lookupSession(userID, sessionID)
	if err != nil {
		return nil, err
	}
	cp := copySessionKey(k)
	cp.EncryptedPrivateKey = nil
	return cp, nil
}

func (m *Memory) GetSessionKeyByID(ctx context.Context, id string) (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.sessions {
		if k.ID == id {
			cp := copySessionKey(k)
			cp.EncryptedPrivateKey = nil
			return cp, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "session key %s not found", id)
}

func (m *Memory) GetSessionKeySecret(ctx context.Context, userID, sessionID string) (*hybridcrypto.Encrypted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.lookupSession(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return k.EncryptedPrivateKey, nil
}

func (m *Memory) RevokeSessionKey(ctx context.Context, userID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.lookupSession(userID, sessionID)
	if err != nil {
		return false, err
	}
	if !k.IsActive {
		return true, nil
	}
	now := time.Now()
	k.IsActive = false
	k.RevokedAt = &now
	return false, nil
}

func (m *Memory) BindSessionOAuthClient(ctx context.Context, sessionID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.sessions[strings.ToLower(sessionID)]; ok {
		k.OAuthClientID = clientID
	}
	return nil
}

func (m *Memory) CreateOAuthClient(ctx context.Context, client *OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := redirectSetKey(NormalizeRedirectURIs(client.RedirectURIs))
	for _, c := range m.clients {
		if redirectSetKey(NormalizeRedirectURIs(c.RedirectURIs)) == set {
			return apperr.Newf(apperr.KindConflict, "client with identical redirect set exists")
		}
	}
	client.IsActive = true
	client.CreatedAt = time.Now()
	cp := *client
	m.clients[client.ID] = &cp
	return nil
}

func (m *Memory) GetOAuthClient(ctx context.Context, id string) (*OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "client %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) FindOAuthClientByRedirectSet(ctx context.Context, normalized []string) (*OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := redirectSetKey(normalized)
	for _, c := range m.clients {
		if redirectSetKey(NormalizeRedirectURIs(c.RedirectURIs)) == set {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) RotateOAuthClientSecret(ctx context.Context, id, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "client %s not found", id)
	}
	c.SecretHash = secretHash
	return nil
}

func (m *Memory) InsertAuthCode(ctx context.Context, code *AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.authCodes[code.Code]; exists {
		return apperr.Newf(apperr.KindConflict, "auth code already exists")
	}
	cp := *code
	m.authCodes[code.Code] = &cp
	return nil
}

func (m *Memory) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.authCodes[code]
	if !ok || ac.UsedAt != nil || time.Now().After(ac.ExpiresAt) {
		return nil, apperr.Newf(apperr.KindUnauthorized, "authorization code is invalid, expired, or already used")
	}
	now := time.Now()
	ac.UsedAt = &now
	cp := *ac
	return &cp, nil
}

func (m *Memory) InsertAccessToken(ctx context.Context, token *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.CreatedAt = time.Now()
	cp := *token
	m.tokens[token.TokenHash] = &cp
	return nil
}

func (m *Memory) GetAccessTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "access token not found")
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetMcpServerBySlug(ctx context.Context, slug string) (*McpServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[slug]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListProxyToolBindings(ctx context.Context, serverID string) ([]*ProxyToolBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProxyToolBinding
	for _, b := range m.proxyTools[serverID] {
		if b.Enabled {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (m *Memory) ListWorkflowToolBindings(ctx context.Context, serverID string) ([]*WorkflowToolBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WorkflowToolBinding
	for _, b := range m.wfTools[serverID] {
		if b.Enabled {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (m *Memory) GetProxy(ctx context.Context, id string) (*ApiProxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "proxy %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetWorkflowTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *Memory) InsertRequestLog(ctx context.Context, rl *RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rl.ID == "" {
		rl.ID = uuid.NewString()
	}
	rl.CreatedAt = time.Now()
	cp := *rl
	m.logs = append(m.logs, &cp)
	return nil
}

// Seed helpers used by tests and local bootstrap.

func (m *Memory) PutMcpServer(s *McpServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.servers[s.Slug] = &cp
}

func (m *Memory) PutProxy(p *ApiProxy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proxies[p.ID] = &cp
}

func (m *Memory) PutWorkflowTemplate(wf *WorkflowTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
}

func (m *Memory) PutProxyToolBinding(b *ProxyToolBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.proxyTools[b.ServerID] = append(m.proxyTools[b.ServerID], &cp)
}

func (m *Memory) PutWorkflowToolBinding(b *WorkflowToolBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.wfTools[b.ServerID] = append(m.wfTools[b.ServerID], &cp)
}

func (m *Memory) RequestLogs() []*RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RequestLog, len(m.logs))
	copy(out, m.logs)
	return out
}
