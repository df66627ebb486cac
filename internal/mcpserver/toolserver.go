package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/oauth"
	"github.com/agentgate/backend/internal/payment"
	"github.com/agentgate/backend/internal/store"
	"github.com/agentgate/backend/internal/tools"
	"github.com/agentgate/backend/internal/workflow"
)

// buildServer assembles the tool surface for one slug. Each binding
// becomes an MCP tool whose input schema is derived from the backing
// entity's variable definitions.
func (m *Manager) buildServer(cfg *tools.McpServerConfig) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Slug,
		Version: "1.0.0",
	}, nil)

	for _, pt := range cfg.ProxyTools {
		pt := pt
		mcp.AddTool(srv, &mcp.Tool{
			Name:        pt.Name,
			Description: pt.Description,
			InputSchema: schemaFromVariables(pt.Proxy.VariablesSchema),
		}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
			result := m.runProxyTool(ctx, cfg.Server.Slug, pt.Proxy, args)
			observeInvocation("proxy", result.IsError)
			return result, nil, nil
		})
	}
	for _, wt := range cfg.WorkflowTools {
		wt := wt
		mcp.AddTool(srv, &mcp.Tool{
			Name:        wt.Name,
			Description: wt.Description,
			InputSchema: schemaFromVariables(wt.Workflow.InputSchema),
		}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
			result := m.runWorkflowTool(ctx, cfg.Server.Slug, wt.Workflow, args)
			observeInvocation("workflow", result.IsError)
			return result, nil, nil
		})
	}
	return srv
}

// runProxyTool performs one pay-gated HTTP request against the proxy's
// upstream, the same protocol a workflow http step uses.
func (m *Manager) runProxyTool(ctx context.Context, slug string, proxy *store.ApiProxy, args map[string]any) *mcp.CallToolResult {
	principal := principalFrom(ctx)
	if principal == nil {
		return toolError("no authenticated session")
	}

	vars := applyDefaults(proxy.VariablesSchema, args)
	if missing := missingRequired(proxy.VariablesSchema, vars); len(missing) > 0 {
		return toolError("missing required arguments: " + strings.Join(missing, ", "))
	}

	req, err := m.buildProxyRequest(proxy, vars)
	if err != nil {
		return toolError(err.Error())
	}

	start := time.Now()
	status, body, err := m.pay.Do(ctx, req, payment.Auth{
		UserID:        principal.User.ID,
		SessionID:     principal.Session.SessionID,
		WalletAddress: principal.User.WalletAddress,
	})
	m.logInvocation(ctx, principal, slug, req.Method, req.URL, status, start)
	if err != nil {
		return toolError(err.Error())
	}
	if status < 200 || status > 299 {
		return toolError("upstream returned " + http.StatusText(status) + ": " + string(body))
	}
	return toolText(string(body))
}

func (m *Manager) runWorkflowTool(ctx context.Context, slug string, wf *store.WorkflowTemplate, args map[string]any) *mcp.CallToolResult {
	principal := principalFrom(ctx)
	if principal == nil {
		return toolError("no authenticated session")
	}

	start := time.Now()
	out, err := m.runner.Execute(ctx, wf, args, workflow.Auth{
		UserID:            principal.User.ID,
		SessionID:         principal.Session.SessionID,
		WalletAddress:     principal.User.WalletAddress,
		SessionKeyAddress: principal.Session.SessionKeyAddress,
	})
	status := http.StatusOK
	if err != nil {
		status = apperr.HTTPStatus(apperr.KindOf(err))
	}
	m.logInvocation(ctx, principal, slug, "WORKFLOW", wf.Slug, status, start)
	if err != nil {
		return toolError(err.Error())
	}

	data, err := json.Marshal(out)
	if err != nil {
		return toolError("encode workflow output: " + err.Error())
	}
	return toolText(string(data))
}

// buildProxyRequest materializes the upstream request from the proxy's
// templates and the caller-supplied variables.
func (m *Manager) buildProxyRequest(proxy *store.ApiProxy, vars map[string]any) (*payment.Request, error) {
	method := strings.ToUpper(proxy.HTTPMethod)
	if method == "" {
		method = http.MethodPost
	}

	headers := map[string]string{}
	if proxy.EncryptedHeaders != nil {
		var decrypted map[string]string
		if err := hybridcrypto.DecryptJSON(m.serverKey, proxy.EncryptedHeaders, &decrypted); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decrypt proxy headers", err)
		}
		for k, v := range decrypted {
			headers[k] = v
		}
	}
	contentType := proxy.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	headers["Content-Type"] = contentType

	targetURL := proxy.TargetURL
	if len(proxy.QueryParamsTemplate) > 0 {
		parsed, err := url.Parse(targetURL)
		if err != nil {
			return nil, apperr.Newf(apperr.KindValidation, "invalid proxy target url %q", targetURL)
		}
		q := parsed.Query()
		for k, tmpl := range proxy.QueryParamsTemplate {
			q.Set(k, substituteToString(tmpl, vars))
		}
		parsed.RawQuery = q.Encode()
		targetURL = parsed.String()
	}

	var body []byte
	if method != http.MethodGet {
		payload := any(vars)
		if proxy.RequestBodyTemplate != nil {
			payload = substitute(map[string]any(proxy.RequestBodyTemplate), vars)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindEncoding, "encode proxy request body", err)
		}
		body = data
	}

	return &payment.Request{
		Method:  method,
		URL:     targetURL,
		Headers: headers,
		Body:    body,
	}, nil
}

func (m *Manager) logInvocation(ctx context.Context, principal *oauth.Principal, slug, method, path string, status int, start time.Time) {
	entry := &store.RequestLog{
		ID:         uuid.New().String(),
		UserID:     principal.User.ID,
		Slug:       slug,
		Method:     method,
		Path:       path,
		StatusCode: status,
		DurationMs: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertRequestLog(ctx, entry); err != nil {
		m.logger.Warn("request log write failed", "slug", slug, "error", err)
	}
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(message string) *mcp.CallToolResult {
	result := toolText(message)
	result.IsError = true
	return result
}
