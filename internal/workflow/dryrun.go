package workflow

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/store"
)

// DryRun steps through the template without side effects: HTTP calls and
// relayer submissions are simulated, and expressions that depend on
// simulated outputs are reported rather than failed. Genuine encoding
// errors still abort the run.
func (e *Engine) DryRun(ctx context.Context, tpl *store.WorkflowTemplate, input map[string]any, auth Auth) (map[string]any, error) {
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
			output, err = e.simulateHTTPStep(ctx, step.HTTP, ectx)
		case StepOnchain:
			output, err = e.simulateOnchainStep([]OnchainOperation{*step.Onchain}, ectx)
		case StepOnchainBatch:
			output, err = e.simulateOnchainStep(step.OnchainBatch.Operations, ectx)
		}
		if err != nil {
			return nil, err
		}
		ectx.SetStepOutput(step.OutputAs, output)
	}

	return e.finalOutput(def, ectx), nil
}

func (e *Engine) simulateHTTPStep(ctx context.Context, step *HTTPStep, ectx Context) (any, error) {
	req, proxyID, err := e.resolveHTTPRequest(ctx, step, ectx)
	if err != nil {
		return nil, err
	}

	var body any
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			body = string(req.Body)
		}
	}
	return map[string]any{
		"_simulated": true,
		"_message":   "HTTP request skipped in test mode",
		"proxyId":    proxyID,
		"url":        req.URL,
		"method":     req.Method,
		"body":       body,
	}, nil
}

func (e *Engine) simulateOnchainStep(ops []OnchainOperation, ectx Context) (any, error) {
	operations := make([]map[string]any, 0, len(ops))
	for i := range ops {
		resolved, err := e.resolveOperation(&ops[i], ectx, true)
		if err != nil {
			return nil, err
		}
		entry := map[string]any{
			"target": ops[i].Target,
			"value":  resolved.call.Value.String(),
		}
		if resolved.call.Calldata != nil {
			entry["calldata"] = "0x" + hex.EncodeToString(resolved.call.Calldata)
		}
		if resolved.resolvedArgs != nil {
			entry["resolvedArgs"] = resolved.resolvedArgs
		}
		if len(resolved.unresolved) > 0 {
			entry["unresolvedExpressions"] = resolved.unresolved
			entry["_message"] = "some expressions reference simulated outputs and will resolve at run time"
		}
		operations = append(operations, entry)
	}

	out := map[string]any{
		"_simulated": true,
		"operations": operations,
	}
	// Single-op steps surface their fields at the top level too.
	if len(operations) == 1 {
		for k, v := range operations[0] {
			out[k] = v
		}
	}
	return out, nil
}
