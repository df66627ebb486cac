package workflow

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/payment"
	"github.com/agentgate/backend/internal/scopes"
	"github.com/agentgate/backend/internal/store"
)

type fakePay struct {
	requests []*payment.Request
	status   int
	body     []byte
	err      error
}

func (f *fakePay) Do(ctx context.Context, req *payment.Request, auth payment.Auth) (int, []byte, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.status, f.body, nil
}

type fakeExecSigner struct {
	modes []string
	data  [][]byte
}

func (f *fakeExecSigner) SignExecution(ctx context.Context, userID, sessionID string, mode [32]byte, executionData []byte, chainID *big.Int) ([]byte, error) {
	if mode[0] == 0x01 {
		f.modes = append(f.modes, "batch")
	} else {
		f.modes = append(f.modes, "single")
	}
	f.data = append(f.data, executionData)
	return make([]byte, 65), nil
}

var testAuth = Auth{
	UserID:            "u1",
	SessionID:         "0x" + strings.Repeat("12", 32),
	WalletAddress:     "0xaaaa0000000000000000000000000000000000aa",
	SessionKeyAddress: "0xcccc0000000000000000000000000000000000cc",
}

func definitionJSON(t *testing.T, def Definition) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	return raw
}

func newTestEngine(t *testing.T, pay PayClient, signer ExecSigner, relayerURL string) (*Engine, *store.Memory, *rsa.PrivateKey) {
	t.Helper()
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	m := store.NewMemory()
	return NewEngine(m, pay, signer, serverKey, relayerURL, 25, slog.Default()), m, serverKey
}

// seedSession registers a session for testAuth carrying the given scopes.
func seedSession(t *testing.T, m *store.Memory, scopeSet []scopes.Scope) {
	t.Helper()
	err := m.CreateSessionKey(context.Background(), &store.SessionKey{
		UserID:            testAuth.UserID,
		SessionID:         testAuth.SessionID,
		SessionKeyAddress: testAuth.SessionKeyAddress,
		Scopes:            scopeSet,
		ValidAfter:        time.Now().Add(-time.Minute),
		ValidUntil:        time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
}

func executeScopeFor(targets ...scopes.Target) []scopes.Scope {
	return []scopes.Scope{{
		Kind:    scopes.KindExecute,
		ID:      "workflow:execute",
		Name:    "Contract execution",
		Targets: targets,
	}}
}

func TestExecute_HTTPStepFeedsOnchainStep(t *testing.T) {
	relayer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req relayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, testAuth.WalletAddress, req.OwnerAddress)
		assert.Equal(t, testAuth.SessionID, req.SessionID)
		assert.True(t, strings.HasPrefix(req.Mode, "0x00"))
		assert.Equal(t, int64(25), req.ChainID)
		json.NewEncoder(w).Encode(relayResponse{TxHash: "0xfeed"})
	}))
	defer relayer.Close()

	pay := &fakePay{status: 200, body: []byte(`{"amount":"5000000"}`)}
	signer := &fakeExecSigner{}
	engine, m, _ := newTestEngine(t, pay, signer, relayer.URL)
	seedSession(t, m, executeScopeFor(scopes.Target{
		Address: "0x1111111111111111111111111111111111111111",
	}))

	def := Definition{
		Steps: []Step{
			{
				ID: "s1", Type: StepHTTP, OutputAs: "quote",
				HTTP: &HTTPStep{
					URL: "https://api.example/quote", Method: "POST",
					BodyMapping: map[string]any{"wallet": "$.wallet"},
				},
			},
			{
				ID: "s2", Type: StepOnchain, OutputAs: "approval",
				Onchain: &OnchainOperation{
					Target: "0x1111111111111111111111111111111111111111",
					ABIFragment: &ABIFragment{
						Name: "approve",
						Inputs: []ABIParam{
							{Name: "spender", Type: "address"},
							{Name: "amount", Type: "uint256"},
						},
					},
					ArgsMapping: map[string]string{
						"spender": "0x2222222222222222222222222222222222222222",
						"amount":  "$.steps.quote.output.amount",
					},
				},
			},
		},
		OutputMapping: map[string]string{
			"tx":     "$.steps.approval.output.txHash",
			"amount": "$.steps.quote.output.amount",
		},
	}

	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}
	out, err := engine.Execute(context.Background(), tpl, map[string]any{}, testAuth)
	require.NoError(t, err)

	assert.Equal(t, "0xfeed", out["tx"])
	assert.Equal(t, "5000000", out["amount"])
	require.Len(t, pay.requests, 1)
	assert.JSONEq(t, `{"wallet":"0xaaaa0000000000000000000000000000000000aa"}`, string(pay.requests[0].Body))
	assert.Equal(t, []string{"single"}, signer.modes)
	// selector of approve(address,uint256)
	assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, signer.data[0][52:56])
}

func TestExecute_ProxyStepDecryptsHeaders(t *testing.T) {
	pay := &fakePay{status: 200, body: []byte(`{"ok":true}`)}
	engine, m, serverKey := newTestEngine(t, pay, &fakeExecSigner{}, "")

	enc, err := hybridcrypto.EncryptJSON(&serverKey.PublicKey,
		map[string]string{"Authorization": "Bearer upstream"})
	require.NoError(t, err)
	m.PutProxy(&store.ApiProxy{
		ID: "p1", OwnerUserID: "u1", TargetURL: "https://api.example/data",
		HTTPMethod: "GET", EncryptedHeaders: enc, PaymentAddress: "0x1",
	})

	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepHTTP, OutputAs: "data",
		HTTP: &HTTPStep{ProxyID: "p1"},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	_, err = engine.Execute(context.Background(), tpl, nil, testAuth)
	require.NoError(t, err)
	require.Len(t, pay.requests, 1)
	assert.Equal(t, "Bearer upstream", pay.requests[0].Headers["Authorization"])
	assert.Equal(t, "GET", pay.requests[0].Method)
}

func TestExecute_UnresolvedArgFailsLive(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakePay{status: 200, body: []byte(`{}`)}, &fakeExecSigner{}, "")

	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepOnchain, OutputAs: "call",
		Onchain: &OnchainOperation{
			Target: "0x1111111111111111111111111111111111111111",
			ABIFragment: &ABIFragment{Name: "f", Inputs: []ABIParam{{Name: "x", Type: "uint256"}}},
			ArgsMapping: map[string]string{"x": "$.steps.nothing.output.x"},
		},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	_, err := engine.Execute(context.Background(), tpl, nil, testAuth)
	assert.Equal(t, apperr.KindUnresolvedArg, apperr.KindOf(err))
}

func TestExecute_HaltsOnFirstError(t *testing.T) {
	pay := &fakePay{err: apperr.New(apperr.KindHTTP, "upstream down")}
	signer := &fakeExecSigner{}
	engine, _, _ := newTestEngine(t, pay, signer, "")

	def := Definition{Steps: []Step{
		{ID: "s1", Type: StepHTTP, OutputAs: "first", HTTP: &HTTPStep{URL: "https://x.example"}},
		{ID: "s2", Type: StepOnchain, OutputAs: "second", Onchain: &OnchainOperation{
			Target: "0x1111111111111111111111111111111111111111", Calldata: "0xdead"}},
	}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	_, err := engine.Execute(context.Background(), tpl, nil, testAuth)
	require.Error(t, err)
	assert.Equal(t, apperr.KindHTTP, apperr.KindOf(err))
	assert.Empty(t, signer.modes, "no subsequent step begins after a failure")
}

func TestExecute_CanceledContext(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakePay{status: 200, body: []byte(`{}`)}, &fakeExecSigner{}, "")

	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepHTTP, OutputAs: "x", HTTP: &HTTPStep{URL: "https://x.example"},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Execute(ctx, tpl, nil, testAuth)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(err))
}

func TestDryRun_UnresolvedChainArgsTolerated(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakePay{}, &fakeExecSigner{}, "")

	def := Definition{Steps: []Step{
		{
			ID: "s1", Type: StepHTTP, OutputAs: "step1Out",
			HTTP: &HTTPStep{URL: "https://api.example/quote", Method: "POST",
				BodyMapping: map[string]any{"q": "eth"}},
		},
		{
			ID: "s2", Type: StepOnchain, OutputAs: "step2Out",
			Onchain: &OnchainOperation{
				Target: "0x1111111111111111111111111111111111111111",
				ABIFragment: &ABIFragment{Name: "transfer", Inputs: []ABIParam{
					{Name: "to", Type: "address"},
					{Name: "amount", Type: "uint256"},
				}},
				ArgsMapping: map[string]string{
					"to":     "0x2222222222222222222222222222222222222222",
					"amount": "$.steps.step1Out.output.amount",
				},
			},
		},
	}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	out, err := engine.DryRun(context.Background(), tpl, nil, testAuth)
	require.NoError(t, err, "unresolved expressions from simulated outputs must not fail")

	step1 := out["step1Out"].(map[string]any)
	assert.Equal(t, true, step1["_simulated"])
	assert.Equal(t, "https://api.example/quote", step1["url"])

	step2 := out["step2Out"].(map[string]any)
	assert.Equal(t, true, step2["_simulated"])
	assert.Equal(t,
		[]string{"amount: $.steps.step1Out.output.amount"},
		step2["unresolvedExpressions"])
	_, hasCalldata := step2["calldata"]
	assert.False(t, hasCalldata, "calldata is not encoded while args are unresolved")

	// Determinism: identical inputs give identical output.
	again, err := engine.DryRun(context.Background(), tpl, nil, testAuth)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestDryRun_TrueEncodingErrorStillFails(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakePay{}, &fakeExecSigner{}, "")

	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepOnchain, OutputAs: "bad",
		Onchain: &OnchainOperation{
			Target:      "0x1111111111111111111111111111111111111111",
			ABIFragment: &ABIFragment{Name: "f", Inputs: []ABIParam{{Name: "x", Type: "not-a-type"}}},
			ArgsMapping: map[string]string{"x": "1"},
		},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	_, err := engine.DryRun(context.Background(), tpl, nil, testAuth)
	assert.Equal(t, apperr.KindEncoding, apperr.KindOf(err))
}

func TestParseDefinition_RejectsMalformedSteps(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"steps":[{"type":"http","outputAs":"x"}]}`))
	assert.Error(t, err, "http step without payload")

	_, err = ParseDefinition([]byte(`{"steps":[{"type":"teleport","outputAs":"x"}]}`))
	assert.Error(t, err, "unknown step type")

	_, err = ParseDefinition([]byte(`{"steps":[{"type":"http","http":{"url":"https://x"}}]}`))
	assert.Error(t, err, "missing outputAs")
}

func TestParseDefinition_RejectsPathlessExpressions(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"steps":[
		{"type":"http","outputAs":"x","http":{"url":"https://x","bodyMapping":{"wallet":"$."}}}]}`))
	assert.Error(t, err, "$. without a path in a body mapping")

	_, err = ParseDefinition([]byte(`{"steps":[
		{"type":"onchain","outputAs":"y","onchain":{"target":"$.","calldata":"0x01"}}]}`))
	assert.Error(t, err, "$. without a path as a target")

	_, err = ParseDefinition([]byte(`{"steps":[
		{"type":"http","outputAs":"x","http":{"url":"https://x"}}],
		"outputMapping":{"v":"$.steps..output"}}`))
	assert.Error(t, err, "empty path segment in output mapping")

	_, err = ParseDefinition([]byte(`{"steps":[
		{"type":"http","outputAs":"x","http":{"url":"https://x","queryMapping":{"w":"$.wallet"}}}]}`))
	assert.NoError(t, err, "well-formed expressions still parse")
}

func TestExecute_BatchStepSignsOnce(t *testing.T) {
	relayer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayResponse{TxHash: "0xbatch"})
	}))
	defer relayer.Close()

	signer := &fakeExecSigner{}
	engine, m, _ := newTestEngine(t, &fakePay{}, signer, relayer.URL)
	seedSession(t, m, executeScopeFor(
		scopes.Target{Address: "0x1111111111111111111111111111111111111111"},
		scopes.Target{Address: "0x2222222222222222222222222222222222222222"},
	))

	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepOnchainBatch, OutputAs: "batch",
		OnchainBatch: &BatchStep{Operations: []OnchainOperation{
			{Target: "0x1111111111111111111111111111111111111111", Calldata: "0x01"},
			{Target: "0x2222222222222222222222222222222222222222", Calldata: "0x02"},
		}},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}

	out, err := engine.Execute(context.Background(), tpl, nil, testAuth)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"txHash": "0xbatch"}, out["batch"])
	assert.Equal(t, []string{"batch"}, signer.modes, "one signature authorizes the whole batch")
}

func approveStepDefinition(t *testing.T) *store.WorkflowTemplate {
	t.Helper()
	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepOnchain, OutputAs: "approval",
		Onchain: &OnchainOperation{
			Target: "0x1111111111111111111111111111111111111111",
			// approve(spender, 1)
			Calldata: "0x095ea7b3" + strings.Repeat("00", 64),
		},
	}}}
	return &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}
}

func TestExecute_OnchainStepWithoutExecuteScopeIsForbidden(t *testing.T) {
	relayer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("relayer must not be called without an execute scope")
	}))
	defer relayer.Close()

	signer := &fakeExecSigner{}
	engine, m, _ := newTestEngine(t, &fakePay{}, signer, relayer.URL)
	// The session may only sign typed data, not execute calls.
	seedSession(t, m, []scopes.Scope{{
		Kind: scopes.KindEIP712,
		ID:   scopes.ScopePayments,
		Name: "Token payments",
		ApprovedContracts: []scopes.ApprovedContract{{
			Address: "0x1111111111111111111111111111111111111111",
			Domain:  scopes.ContractDomain{Name: "USD Coin", Version: "2"},
		}},
	}})

	_, err := engine.Execute(context.Background(), approveStepDefinition(t), nil, testAuth)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Empty(t, signer.modes, "no signature is produced for an inadmissible call")
}

func TestExecute_ExecuteScopeSelectorRestriction(t *testing.T) {
	relayer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayResponse{TxHash: "0xok"})
	}))
	defer relayer.Close()

	signer := &fakeExecSigner{}
	engine, m, _ := newTestEngine(t, &fakePay{}, signer, relayer.URL)
	seedSession(t, m, executeScopeFor(scopes.Target{
		Address:   "0x1111111111111111111111111111111111111111",
		Selectors: []scopes.Selector{{Selector: "0x095ea7b3", Name: "approve"}},
	}))

	out, err := engine.Execute(context.Background(), approveStepDefinition(t), nil, testAuth)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"txHash": "0xok"}, out["approval"])

	// transfer's selector is not listed, so the same session cannot call it.
	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepOnchain, OutputAs: "transfer",
		Onchain: &OnchainOperation{
			Target:   "0x1111111111111111111111111111111111111111",
			Calldata: "0xa9059cbb" + strings.Repeat("00", 64),
		},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}
	_, err = engine.Execute(context.Background(), tpl, nil, testAuth)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestExecute_LegacySessionUsesFlattenedTargets(t *testing.T) {
	relayer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayResponse{TxHash: "0xlegacy"})
	}))
	defer relayer.Close()

	engine, m, _ := newTestEngine(t, &fakePay{}, &fakeExecSigner{}, relayer.URL)
	err := m.CreateSessionKey(context.Background(), &store.SessionKey{
		UserID:            testAuth.UserID,
		SessionID:         testAuth.SessionID,
		SessionKeyAddress: testAuth.SessionKeyAddress,
		OnChainParams: scopes.OnChainParams{
			AllowedTargets:   []string{"0x1111111111111111111111111111111111111111"},
			AllowedSelectors: []string{},
		},
		ValidAfter: time.Now().Add(-time.Minute),
		ValidUntil: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	out, err := engine.Execute(context.Background(), approveStepDefinition(t), nil, testAuth)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"txHash": "0xlegacy"}, out["approval"])

	def := Definition{Steps: []Step{{
		ID: "s1", Type: StepOnchain, OutputAs: "other",
		Onchain: &OnchainOperation{
			Target:   "0x3333333333333333333333333333333333333333",
			Calldata: "0x095ea7b3",
		},
	}}}
	tpl := &store.WorkflowTemplate{Slug: "wf", Definition: definitionJSON(t, def)}
	_, err = engine.Execute(context.Background(), tpl, nil, testAuth)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestExecute_OnchainStepWithoutRelayerFailsFast(t *testing.T) {
	signer := &fakeExecSigner{}
	engine, m, _ := newTestEngine(t, &fakePay{}, signer, "")
	seedSession(t, m, executeScopeFor(scopes.Target{
		Address: "0x1111111111111111111111111111111111111111",
	}))

	_, err := engine.Execute(context.Background(), approveStepDefinition(t), nil, testAuth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAYER_URL")
	assert.Empty(t, signer.modes)
}
