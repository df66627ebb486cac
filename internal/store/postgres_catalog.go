package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
)

func (p *Postgres) GetMcpServerBySlug(ctx context.Context, slug string) (*McpServer, error) {
	var s McpServer
	err := p.db.QueryRowContext(ctx, `
		SELECT id, slug, owner_user_id, name, COALESCE(description, ''), is_active
		FROM mcp_servers
		WHERE slug = $1`, slug).
		Scan(&s.ID, &s.Slug, &s.OwnerUserID, &s.Name, &s.Description, &s.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mcp server: %w", err)
	}
	return &s, nil
}

func (p *Postgres) ListProxyToolBindings(ctx context.Context, serverID string) ([]*ProxyToolBinding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, server_id, proxy_id, COALESCE(name, ''), COALESCE(description, ''),
			enabled, display_order
		FROM mcp_proxy_tools
		WHERE server_id = $1 AND enabled = true
		ORDER BY display_order ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proxy tools: %w", err)
	}
	defer rows.Close()

	var out []*ProxyToolBinding
	for rows.Next() {
		var b ProxyToolBinding
		if err := rows.Scan(&b.ID, &b.ServerID, &b.ProxyID, &b.Name, &b.Description,
			&b.Enabled, &b.DisplayOrder); err != nil {
			return nil, fmt.Errorf("failed to scan proxy tool: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) ListWorkflowToolBindings(ctx context.Context, serverID string) ([]*WorkflowToolBinding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, server_id, workflow_id, COALESCE(name, ''), COALESCE(description, ''),
			enabled, display_order
		FROM mcp_workflow_tools
		WHERE server_id = $1 AND enabled = true
		ORDER BY display_order ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow tools: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowToolBinding
	for rows.Next() {
		var b WorkflowToolBinding
		if err := rows.Scan(&b.ID, &b.ServerID, &b.WorkflowID, &b.Name, &b.Description,
			&b.Enabled, &b.DisplayOrder); err != nil {
			return nil, fmt.Errorf("failed to scan workflow tool: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProxy(ctx context.Context, id string) (*ApiProxy, error) {
	var (
		pr         ApiProxy
		headersRaw []byte
		schemaRaw  []byte
		bodyRaw    []byte
		queryRaw   []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(slug, ''), COALESCE(name, ''), COALESCE(description, ''),
			owner_user_id, target_url, http_method,
			encrypted_headers, price_per_request, payment_address,
			variables_schema, request_body_template, query_params_template,
			COALESCE(content_type, ''), is_public
		FROM api_proxies
		WHERE id = $1`, id).
		Scan(&pr.ID, &pr.Slug, &pr.Name, &pr.Description,
			&pr.OwnerUserID, &pr.TargetURL, &pr.HTTPMethod,
			&headersRaw, &pr.PricePerRequest, &pr.PaymentAddress,
			&schemaRaw, &bodyRaw, &queryRaw, &pr.ContentType, &pr.IsPublic)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "proxy %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query proxy: %w", err)
	}

	if len(headersRaw) > 0 {
		var enc hybridcrypto.Encrypted
		if err := scanJSON(headersRaw, &enc); err != nil {
			return nil, fmt.Errorf("decode encrypted headers: %w", err)
		}
		pr.EncryptedHeaders = &enc
	}
	if err := scanJSON(schemaRaw, &pr.VariablesSchema); err != nil {
		return nil, fmt.Errorf("decode variables schema: %w", err)
	}
	if err := scanJSON(bodyRaw, &pr.RequestBodyTemplate); err != nil {
		return nil, fmt.Errorf("decode body template: %w", err)
	}
	if err := scanJSON(queryRaw, &pr.QueryParamsTemplate); err != nil {
		return nil, fmt.Errorf("decode query template: %w", err)
	}
	return &pr, nil
}

func (p *Postgres) GetWorkflowTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	var (
		wf        WorkflowTemplate
		schemaRaw []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, slug, user_id, name, COALESCE(description, ''),
			input_schema, definition, is_public
		FROM workflow_templates
		WHERE id = $1`, id).
		Scan(&wf.ID, &wf.Slug, &wf.UserID, &wf.Name, &wf.Description,
			&schemaRaw, (*[]byte)(&wf.Definition), &wf.IsPublic)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}
	if err := scanJSON(schemaRaw, &wf.InputSchema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	return &wf, nil
}
