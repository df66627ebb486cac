package workflow

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/eip712"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/payment"
	"github.com/agentgate/backend/internal/scopes"
	"github.com/agentgate/backend/internal/store"
)

// Auth identifies the session a workflow runs under.
type Auth struct {
	UserID            string
	SessionID         string
	WalletAddress     string
	SessionKeyAddress string
}

// ExecSigner produces ExecuteWithSession signatures.
type ExecSigner interface {
	SignExecution(ctx context.Context, userID, sessionID string, mode [32]byte, executionData []byte, chainID *big.Int) ([]byte, error)
}

// PayClient performs pay-gated HTTP requests.
type PayClient interface {
	Do(ctx context.Context, req *payment.Request, auth payment.Auth) (int, []byte, error)
}

// Engine runs workflows sequentially, one step at a time. A step's output
// is committed into the context before the next step starts.
type Engine struct {
	store      store.Store
	pay        PayClient
	signer     ExecSigner
	serverKey  *rsa.PrivateKey
	relayerURL string
	httpClient *http.Client
	chainID    int64
	logger     *slog.Logger
}

func NewEngine(st store.Store, pay PayClient, signer ExecSigner, serverKey *rsa.PrivateKey, relayerURL string, chainID int64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      st,
		pay:        pay,
		signer:     signer,
		serverKey:  serverKey,
		relayerURL: relayerURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		chainID:    chainID,
		logger:     logger,
	}
}

func cancellationError(err error) error {
	if err == context.DeadlineExceeded {
		return apperr.New(apperr.KindTimeout, "workflow deadline exceeded")
	}
	return apperr.New(apperr.KindCanceled, "workflow canceled")
}

// Execute runs the template live. On any step error execution halts and
// the first error is returned.
func (e *Engine) Execute(ctx context.Context, tpl *store.WorkflowTemplate, input map[string]any, auth Auth) (map[string]any, error) {
	def, err := ParseDefinition(tpl.Definition)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid workflow definition", err)
	}

	ectx := NewContext(input, auth.WalletAddress, e.chainID, auth.SessionID, auth.SessionKeyAddress)
	for _, step := range def.Steps {
		if ctx.Err() != nil {
			return nil, cancellationError(ctx.Err())
		}

		var output any
		switch step.Type {
		case StepHTTP:
			output, err = e.runHTTPStep(ctx, step.HTTP, ectx, auth)
		case StepOnchain:
			output, err = e.runOnchainStep(ctx, []OnchainOperation{*step.Onchain}, eip712.ModeSingleCall, ectx, auth)
		case StepOnchainBatch:
			output, err = e.runOnchainStep(ctx, step.OnchainBatch.Operations, eip712.ModeBatchCall, ectx, auth)
		}
		if err != nil {
			stepsExecuted.WithLabelValues(step.Type, "error").Inc()
			return nil, fmt.Errorf("step %q: %w", step.OutputAs, err)
		}
		stepsExecuted.WithLabelValues(step.Type, "ok").Inc()
		ectx.SetStepOutput(step.OutputAs, output)
		e.logger.Info("workflow step completed", "workflow", tpl.Slug, "step", step.OutputAs, "type", step.Type)
	}

	return e.finalOutput(def, ectx), nil
}

func (e *Engine) finalOutput(def *Definition, ectx Context) map[string]any {
	if len(def.OutputMapping) == 0 {
		steps := ectx["steps"].(map[string]any)
		out := make(map[string]any, len(steps))
		for name, v := range steps {
			out[name] = v.(map[string]any)["output"]
		}
		return out
	}
	out := make(map[string]any, len(def.OutputMapping))
	for key, expr := range def.OutputMapping {
		out[key] = ectx.Resolve(expr)
	}
	return out
}

// resolveHTTPRequest materializes the request a http step would perform.
func (e *Engine) resolveHTTPRequest(ctx context.Context, step *HTTPStep, ectx Context) (*payment.Request, string, error) {
	targetURL := step.URL
	method := step.Method
	headers := map[string]string{}

	if step.ProxyID != "" {
		proxy, err := e.store.GetProxy(ctx, step.ProxyID)
		if err != nil {
			return nil, "", err
		}
		targetURL = proxy.TargetURL
		method = proxy.HTTPMethod
		if proxy.EncryptedHeaders != nil {
			var decrypted map[string]string
			if err := hybridcrypto.DecryptJSON(e.serverKey, proxy.EncryptedHeaders, &decrypted); err != nil {
				return nil, "", apperr.Wrap(apperr.KindInternal, "decrypt proxy headers", err)
			}
			for k, v := range decrypted {
				headers[k] = v
			}
		}
		if proxy.ContentType != "" {
			headers["Content-Type"] = proxy.ContentType
		}
	}
	if method == "" {
		method = http.MethodPost
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}

	for k, v := range ectx.ResolveStringMap(step.HeadersMapping) {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	if qs := ectx.ResolveStringMap(step.QueryMapping); len(qs) > 0 {
		parsed, err := url.Parse(targetURL)
		if err != nil {
			return nil, "", apperr.Newf(apperr.KindValidation, "invalid step url %q", targetURL)
		}
		q := parsed.Query()
		for k, v := range qs {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		parsed.RawQuery = q.Encode()
		targetURL = parsed.String()
	}

	var body []byte
	if len(step.BodyMapping) > 0 {
		resolved := ectx.Resolve(map[string]any(step.BodyMapping))
		data, err := json.Marshal(resolved)
		if err != nil {
			return nil, "", apperr.Wrap(apperr.KindEncoding, "marshal step body", err)
		}
		body = data
	}

	return &payment.Request{
		Method:  strings.ToUpper(method),
		URL:     targetURL,
		Headers: headers,
		Body:    body,
	}, step.ProxyID, nil
}

func (e *Engine) runHTTPStep(ctx context.Context, step *HTTPStep, ectx Context, auth Auth) (any, error) {
	req, _, err := e.resolveHTTPRequest(ctx, step, ectx)
	if err != nil {
		return nil, err
	}

	status, body, err := e.pay.Do(ctx, req, payment.Auth{
		UserID:        auth.UserID,
		SessionID:     auth.SessionID,
		WalletAddress: auth.WalletAddress,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, apperr.Newf(apperr.KindHTTP, "upstream returned %d", status)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return string(body), nil
	}
	return parsed, nil
}

// resolvedOperation is one operation with its expressions evaluated.
type resolvedOperation struct {
	call         eip712.Call
	resolvedArgs map[string]any
	unresolved   []string
}

// resolveOperation evaluates target, value, and calldata. In tolerant
// mode unresolved arguments are collected instead of failing, for dry-run.
func (e *Engine) resolveOperation(op *OnchainOperation, ectx Context, tolerant bool) (*resolvedOperation, error) {
	out := &resolvedOperation{}

	target, ok := ectx.ResolveString(op.Target)
	if !ok {
		if !tolerant {
			return nil, apperr.Newf(apperr.KindUnresolvedArg, "target %q did not resolve", op.Target)
		}
		out.unresolved = append(out.unresolved, op.Target)
	}
	if s, ok := target.(string); ok {
		if !common.IsHexAddress(s) {
			return nil, apperr.Newf(apperr.KindEncoding, "target %q is not an address", s)
		}
		out.call.Target = common.HexToAddress(s)
	}

	out.call.Value = new(big.Int)
	if op.Value != "" {
		v, ok := ectx.ResolveString(op.Value)
		if ok && v != nil {
			converted, err := convertArg(v, "uint256")
			if err != nil {
				return nil, err
			}
			out.call.Value = converted.(*big.Int)
		} else if !tolerant {
			return nil, apperr.Newf(apperr.KindUnresolvedArg, "value %q did not resolve", op.Value)
		} else {
			out.unresolved = append(out.unresolved, op.Value)
		}
	}

	switch {
	case op.Calldata != "":
		data, err := hex.DecodeString(strings.TrimPrefix(op.Calldata, "0x"))
		if err != nil {
			return nil, apperr.Newf(apperr.KindEncoding, "calldata is not hex")
		}
		out.call.Calldata = data

	case op.ABIFragment != nil:
		args := make(map[string]any, len(op.ArgsMapping))
		names := make([]string, 0, len(op.ArgsMapping))
		for name := range op.ArgsMapping {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			expr := op.ArgsMapping[name]
			v, ok := ectx.ResolveString(expr)
			if !ok {
				if !tolerant {
					return nil, apperr.Newf(apperr.KindUnresolvedArg,
						"argument %q (%s) did not resolve", name, expr)
				}
				out.unresolved = append(out.unresolved, name+": "+expr)
				continue
			}
			args[name] = v
		}
		out.resolvedArgs = args
		if len(out.unresolved) == 0 {
			data, err := encodeCalldata(op.ABIFragment, args)
			if err != nil {
				return nil, err
			}
			out.call.Calldata = data
		}

	default:
		return nil, apperr.Newf(apperr.KindValidation,
			"operation needs either calldata or an abiFragment")
	}

	return out, nil
}

type relayRequest struct {
	OwnerAddress  string `json:"ownerAddress"`
	SessionID     string `json:"sessionId"`
	Mode          string `json:"mode"`
	ExecutionData string `json:"executionData"`
	Signature     string `json:"signature"`
	ChainID       int64  `json:"chainId"`
}

type relayResponse struct {
	TxHash string `json:"txHash"`
}

func (e *Engine) runOnchainStep(ctx context.Context, ops []OnchainOperation, mode [32]byte, ectx Context, auth Auth) (any, error) {
	calls := make([]eip712.Call, 0, len(ops))
	for i := range ops {
		resolved, err := e.resolveOperation(&ops[i], ectx, false)
		if err != nil {
			return nil, err
		}
		calls = append(calls, resolved.call)
	}

	if e.relayerURL == "" {
		return nil, apperr.New(apperr.KindInternal,
			"no relayer configured: set RELAYER_URL to run on-chain steps")
	}

	session, err := e.store.GetSessionKey(ctx, auth.UserID, auth.SessionID)
	if err != nil {
		return nil, err
	}
	for _, call := range calls {
		selector := ""
		if len(call.Calldata) >= 4 {
			selector = "0x" + hex.EncodeToString(call.Calldata[:4])
		}
		if !executionAllowed(session, call.Target.Hex(), selector) {
			return nil, apperr.Newf(apperr.KindForbidden,
				"session scopes do not allow calling %s", strings.ToLower(call.Target.Hex()))
		}
	}

	var executionData []byte
	if mode == eip712.ModeBatchCall {
		executionData, err = eip712.EncodeBatchExecution(calls)
		if err != nil {
			return nil, err
		}
	} else {
		executionData = eip712.EncodeSingleExecution(calls[0])
	}

	chainID := big.NewInt(e.chainID)
	sig, err := e.signer.SignExecution(ctx, auth.UserID, auth.SessionID, mode, executionData, chainID)
	if err != nil {
		return nil, err
	}

	txHash, err := e.relay(ctx, relayRequest{
		OwnerAddress:  auth.WalletAddress,
		SessionID:     auth.SessionID,
		Mode:          "0x" + hex.EncodeToString(mode[:]),
		ExecutionData: "0x" + hex.EncodeToString(executionData),
		Signature:     "0x" + hex.EncodeToString(sig),
		ChainID:       e.chainID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"txHash": txHash}, nil
}

// executionAllowed checks execute-scope admissibility of one call. Typed
// scopes are authoritative when present; sessions created before typed
// scopes carry only the flattened on-chain parameter lists.
func executionAllowed(session *store.SessionKey, target, selector string) bool {
	if len(session.Scopes) > 0 {
		return scopes.IsExecutionAllowed(session.Scopes, target, selector)
	}
	target = strings.ToLower(target)
	selector = strings.ToLower(selector)
	for _, allowed := range session.OnChainParams.AllowedTargets {
		if strings.ToLower(allowed) != target {
			continue
		}
		if len(session.OnChainParams.AllowedSelectors) == 0 || selector == "" {
			return true
		}
		for _, sel := range session.OnChainParams.AllowedSelectors {
			if strings.ToLower(sel) == selector {
				return true
			}
		}
	}
	return false
}

// relay submits the signed execution to the external relayer.
func (e *Engine) relay(ctx context.Context, req relayRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal relay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.relayerURL, bytes.NewReader(payload))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "build relay request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", cancellationError(ctx.Err())
		}
		return "", apperr.Wrap(apperr.KindHTTP, "relayer request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperr.Newf(apperr.KindHTTP, "relayer returned %d", resp.StatusCode)
	}
	var parsed relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.KindHTTP, "decode relayer response", err)
	}
	return parsed.TxHash, nil
}
