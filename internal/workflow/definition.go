// Package workflow executes authored workflow templates: a linear
// sequence of http and onchain steps wired together by $.-path
// expressions over a shared context.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step types.
const (
	StepHTTP         = "http"
	StepOnchain      = "onchain"
	StepOnchainBatch = "onchain_batch"
)

// HTTPStep calls a proxy or a literal URL.
type HTTPStep struct {
	ProxyID        string            `json:"proxyId,omitempty"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	BodyMapping    map[string]any    `json:"bodyMapping,omitempty"`
	QueryMapping   map[string]string `json:"queryMapping,omitempty"`
	HeadersMapping map[string]string `json:"headersMapping,omitempty"`
}

// ABIParam is one input of an ABI fragment.
type ABIParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ABIFragment declares the function an onchain operation encodes.
type ABIFragment struct {
	Name   string     `json:"name"`
	Inputs []ABIParam `json:"inputs"`
}

// OnchainOperation is one delegated contract call. Either Calldata is
// given literally or it is encoded from the fragment and args mapping.
type OnchainOperation struct {
	Name        string            `json:"name,omitempty"`
	Target      string            `json:"target"`
	Value       string            `json:"value,omitempty"`
	Calldata    string            `json:"calldata,omitempty"`
	ABIFragment *ABIFragment      `json:"abiFragment,omitempty"`
	ArgsMapping map[string]string `json:"argsMapping,omitempty"`
}

// BatchStep packs several operations under one signature.
type BatchStep struct {
	Operations []OnchainOperation `json:"operations"`
}

// Step is the tagged union on Type; exactly one payload field is set.
type Step struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Type         string            `json:"type"`
	OutputAs     string            `json:"outputAs"`
	HTTP         *HTTPStep         `json:"http,omitempty"`
	Onchain      *OnchainOperation `json:"onchain,omitempty"`
	OnchainBatch *BatchStep        `json:"onchain_batch,omitempty"`
}

// DynamicTarget is a contract a workflow may touch, declared for consent.
type DynamicTarget struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ScopeConfig declares the targets a workflow needs execute scope for.
type ScopeConfig struct {
	AllowedDynamicTargets []DynamicTarget `json:"allowedDynamicTargets,omitempty"`
}

// Definition is the stored workflow shape.
type Definition struct {
	Steps         []Step            `json:"steps"`
	OutputMapping map[string]string `json:"outputMapping,omitempty"`
	ScopeConfig   *ScopeConfig      `json:"scopeConfig,omitempty"`
}

// ParseDefinition decodes and structurally validates a stored definition.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	for i, step := range def.Steps {
		switch step.Type {
		case StepHTTP:
			if step.HTTP == nil {
				return nil, fmt.Errorf("step %d: http step without http payload", i)
			}
		case StepOnchain:
			if step.Onchain == nil {
				return nil, fmt.Errorf("step %d: onchain step without onchain payload", i)
			}
		case StepOnchainBatch:
			if step.OnchainBatch == nil {
				return nil, fmt.Errorf("step %d: onchain_batch step without operations", i)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown step type %q", i, step.Type)
		}
		if step.OutputAs == "" {
			return nil, fmt.Errorf("step %d: outputAs is required", i)
		}
		if err := validateStepExpressions(&step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	for key, expr := range def.OutputMapping {
		if err := validateExpr(expr); err != nil {
			return nil, fmt.Errorf("outputMapping %q: %w", key, err)
		}
	}
	return &def, nil
}

// validateExpr rejects $.-expressions with an empty or malformed path, so
// a typo like "$." fails at parse time instead of resolving to nothing.
func validateExpr(s string) error {
	if !IsExpression(s) {
		return nil
	}
	path := s[2:]
	if path == "" {
		return fmt.Errorf("expression %q has no path", s)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("expression %q has an empty path segment", s)
		}
	}
	return nil
}

func validateValueExpressions(v any) error {
	switch val := v.(type) {
	case string:
		return validateExpr(val)
	case map[string]any:
		for _, inner := range val {
			if err := validateValueExpressions(inner); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range val {
			if err := validateValueExpressions(inner); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStepExpressions(step *Step) error {
	switch step.Type {
	case StepHTTP:
		if err := validateValueExpressions(map[string]any(step.HTTP.BodyMapping)); err != nil {
			return err
		}
		for _, expr := range step.HTTP.QueryMapping {
			if err := validateExpr(expr); err != nil {
				return err
			}
		}
		for _, expr := range step.HTTP.HeadersMapping {
			if err := validateExpr(expr); err != nil {
				return err
			}
		}
	case StepOnchain:
		return validateOperationExpressions(step.Onchain)
	case StepOnchainBatch:
		for i := range step.OnchainBatch.Operations {
			if err := validateOperationExpressions(&step.OnchainBatch.Operations[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateOperationExpressions(op *OnchainOperation) error {
	if err := validateExpr(op.Target); err != nil {
		return err
	}
	if err := validateExpr(op.Value); err != nil {
		return err
	}
	for _, expr := range op.ArgsMapping {
		if err := validateExpr(expr); err != nil {
			return err
		}
	}
	return nil
}
