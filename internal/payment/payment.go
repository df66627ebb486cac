// Package payment implements the client half of the x402 protocol: make
// the request, and when the upstream answers 402 with payment
// requirements, produce a signed EIP-3009 transfer authorization and
// retry once with the X-PAYMENT header.
package payment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/signing"
)

// Requirements is the payment demand carried in a 402 response body.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

type paymentRequiredBody struct {
	PaymentRequirements *Requirements  `json:"paymentRequirements"`
	Accepts             []Requirements `json:"accepts"`
}

// Header is the X-PAYMENT payload, base64 encoded on the wire.
type Header struct {
	X402Version int     `json:"x402Version"`
	Scheme      string  `json:"scheme"`
	Network     string  `json:"network"`
	Payload     Payload `json:"payload"`
}

// Payload carries the signed transfer authorization.
type Payload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Asset       string `json:"asset"`
	Signature   string `json:"signature"`
}

// networkChainIDs maps x402 network names to chain ids.
var networkChainIDs = map[string]int64{
	"cronos":         25,
	"cronos-testnet": 338,
	"ethereum":       1,
	"base":           8453,
	"base-sepolia":   84532,
	"polygon":        137,
}

// ChainIDForNetwork derives the chain id from the requirement's network
// name, falling back to the configured default.
func ChainIDForNetwork(network string, fallback int64) *big.Int {
	if id, ok := networkChainIDs[network]; ok {
		return big.NewInt(id)
	}
	return big.NewInt(fallback)
}

// Signer is the signing-service surface the client needs.
type Signer interface {
	SignTransfer(ctx context.Context, userID, sessionID string, req signing.TransferRequest) ([]byte, error)
}

// Auth identifies the paying session.
type Auth struct {
	UserID        string
	SessionID     string
	WalletAddress string
}

// Client performs pay-gated HTTP requests.
type Client struct {
	http           *http.Client
	signer         Signer
	defaultChainID int64
	logger         *slog.Logger
}

const defaultTimeout = 30 * time.Second

func NewClient(signer Signer, defaultChainID int64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:           &http.Client{Timeout: defaultTimeout},
		signer:         signer,
		defaultChainID: defaultChainID,
		logger:         logger,
	}
}

// Request is a replayable outbound request. Body is held as bytes so the
// post-payment retry can resend it.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

func (c *Client) send(ctx context.Context, req *Request, extraHeaders map[string]string) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "build upstream request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, apperr.Wrap(apperr.KindCanceled, "upstream request canceled", err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperr.Wrap(apperr.KindTimeout, "upstream request timed out", err)
		}
		return nil, apperr.Wrap(apperr.KindHTTP, "upstream request failed", err)
	}
	return resp, nil
}

// Do performs the request, paying on demand. The returned body is fully
// read; the response is never streamed past this layer.
func (c *Client) Do(ctx context.Context, req *Request, auth Auth) (int, []byte, error) {
	resp, err := c.send(ctx, req, nil)
	if err != nil {
		return 0, nil, err
	}
	body, err := readAll(resp)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp.StatusCode, body, nil
	}

	reqs, err := parseRequirements(body)
	if err != nil {
		return 0, nil, err
	}
	headerValue, err := c.buildPaymentHeader(ctx, reqs, auth)
	if err != nil {
		return 0, nil, err
	}

	c.logger.Info("retrying with payment",
		"url", req.URL, "asset", reqs.Asset, "amount", reqs.MaxAmountRequired, "network", reqs.Network)

	resp, err = c.send(ctx, req, map[string]string{"X-PAYMENT": headerValue})
	if err != nil {
		return 0, nil, err
	}
	body, err = readAll(resp)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, apperr.Newf(apperr.KindHTTP,
			"upstream returned %d after payment", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindHTTP, "read upstream body", err)
	}
	return body, nil
}

func parseRequirements(body []byte) (*Requirements, error) {
	var parsed paymentRequiredBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindPaymentRequired, "unparseable payment requirements", err)
	}
	if parsed.PaymentRequirements != nil {
		return parsed.PaymentRequirements, nil
	}
	if len(parsed.Accepts) > 0 {
		return &parsed.Accepts[0], nil
	}
	return nil, apperr.Newf(apperr.KindPaymentRequired, "402 response carries no payment requirements")
}

// buildPaymentHeader signs the transfer the requirements demand and packs
// the base64 X-PAYMENT value.
func (c *Client) buildPaymentHeader(ctx context.Context, reqs *Requirements, auth Auth) (string, error) {
	value, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok {
		return "", apperr.Newf(apperr.KindPaymentRequired,
			"invalid maxAmountRequired %q", reqs.MaxAmountRequired)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "generate payment nonce", err)
	}

	timeout := reqs.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 600
	}
	now := time.Now().Unix()
	validAfter := now - 60 // tolerate clock skew
	validBefore := now + int64(timeout)

	chainID := ChainIDForNetwork(reqs.Network, c.defaultChainID)
	sig, err := c.signer.SignTransfer(ctx, auth.UserID, auth.SessionID, signing.TransferRequest{
		From:         auth.WalletAddress,
		To:           reqs.PayTo,
		Value:        value,
		ValidAfter:   big.NewInt(validAfter),
		ValidBefore:  big.NewInt(validBefore),
		Nonce:        nonce,
		ChainID:      chainID,
		TokenAddress: reqs.Asset,
	})
	if err != nil {
		return "", err
	}

	header := Header{
		X402Version: 1,
		Scheme:      "exact",
		Network:     reqs.Network,
		Payload: Payload{
			From:        auth.WalletAddress,
			To:          reqs.PayTo,
			Value:       value.String(),
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       "0x" + hex.EncodeToString(nonce[:]),
			Asset:       reqs.Asset,
			Signature:   "0x" + hex.EncodeToString(sig),
		},
	}
	data, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
