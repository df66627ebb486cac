// Package scopes models the typed permissions attached to a session key
// and their flattening into the parameter tuple the delegator contract
// consumes. Everything here is pure: no scope means nothing is allowed.
package scopes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Kind discriminates the two scope variants on the wire.
type Kind string

const (
	KindExecute Kind = "execute"
	KindEIP712  Kind = "eip712"
)

// Well-known scope ids surfaced through OAuth.
const (
	ScopePayments       = "x402:payments"
	ScopeTools          = "mcp:tools"
	ScopeTokenApprovals = "workflow:token-approvals"
)

// Selector is one allowed 4-byte function selector of an execute target.
type Selector struct {
	Selector    string `json:"selector"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Target is a contract an execute scope may call. An empty Selectors list
// means any selector on this target.
type Target struct {
	Address   string     `json:"address"`
	Name      string     `json:"name,omitempty"`
	Selectors []Selector `json:"selectors,omitempty"`
}

// ContractDomain carries the EIP-712 domain name and version of an
// approved contract.
type ContractDomain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ApprovedContract is a contract an eip712 scope may sign typed data for.
type ApprovedContract struct {
	Address        string         `json:"address"`
	Name           string         `json:"name,omitempty"`
	Domain         ContractDomain `json:"domain"`
	SupportedTypes []string       `json:"supportedTypes,omitempty"`
}

// Scope is the tagged union of the two variants. Exactly one of Targets
// (execute) or ApprovedContracts (eip712) is populated, selected by Kind.
type Scope struct {
	Kind              Kind               `json:"kind"`
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	BudgetEnforceable bool               `json:"budgetEnforceable"`
	Targets           []Target           `json:"targets,omitempty"`
	ApprovedContracts []ApprovedContract `json:"approvedContracts,omitempty"`
}

// UnmarshalJSON validates the discriminator so malformed scopes are
// rejected at the boundary rather than silently treated as empty.
func (s *Scope) UnmarshalJSON(data []byte) error {
	type alias Scope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Kind {
	case KindExecute, KindEIP712:
	default:
		return fmt.Errorf("unknown scope kind %q", a.Kind)
	}
	*s = Scope(a)
	return nil
}

// ApprovedContractParam is one approved contract as the contract stores it.
type ApprovedContractParam struct {
	Address     string `json:"address"`
	NameHash    string `json:"nameHash"`
	VersionHash string `json:"versionHash"`
}

// OnChainParams is the flattened tuple written into the delegation.
type OnChainParams struct {
	AllowedTargets    []string                `json:"allowedTargets"`
	AllowedSelectors  []string                `json:"allowedSelectors"`
	ApprovedContracts []ApprovedContractParam `json:"approvedContracts"`
}

func hashHex(s string) string {
	return "0x" + fmt.Sprintf("%x", crypto.Keccak256([]byte(s)))
}

// Flatten reduces a scope set to on-chain parameters. The contract checks
// selectors globally rather than per target, so if any execute target
// lists no selectors the selector set collapses to empty, meaning any
// selector is allowed. Output is sorted and deduplicated, so the result
// does not depend on input order.
func Flatten(scopeSet []Scope) OnChainParams {
	targetSet := map[string]struct{}{}
	selectorSet := map[string]struct{}{}
	allowAnySelector := false
	contracts := map[string]ApprovedContractParam{}

	for _, sc := range scopeSet {
		switch sc.Kind {
		case KindExecute:
			for _, tgt := range sc.Targets {
				targetSet[strings.ToLower(tgt.Address)] = struct{}{}
				if len(tgt.Selectors) == 0 {
					allowAnySelector = true
					continue
				}
				for _, sel := range tgt.Selectors {
					selectorSet[strings.ToLower(sel.Selector)] = struct{}{}
				}
			}
		case KindEIP712:
			for _, ac := range sc.ApprovedContracts {
				addr := strings.ToLower(ac.Address)
				if _, seen := contracts[addr]; seen {
					continue
				}
				contracts[addr] = ApprovedContractParam{
					Address:     addr,
					NameHash:    hashHex(ac.Domain.Name),
					VersionHash: hashHex(ac.Domain.Version),
				}
			}
		}
	}

	out := OnChainParams{
		AllowedTargets:    sortedKeys(targetSet),
		AllowedSelectors:  []string{},
		ApprovedContracts: make([]ApprovedContractParam, 0, len(contracts)),
	}
	if !allowAnySelector {
		out.AllowedSelectors = sortedKeys(selectorSet)
	}
	for _, addr := range sortedKeys(keysOf(contracts)) {
		out.ApprovedContracts = append(out.ApprovedContracts, contracts[addr])
	}
	return out
}

func keysOf(m map[string]ApprovedContractParam) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsContractApproved reports whether any eip712 scope approves addr.
func IsContractApproved(scopeSet []Scope, addr string) bool {
	addr = strings.ToLower(addr)
	for _, sc := range scopeSet {
		if sc.Kind != KindEIP712 {
			continue
		}
		for _, ac := range sc.ApprovedContracts {
			if strings.ToLower(ac.Address) == addr {
				return true
			}
		}
	}
	return false
}

// IsExecutionAllowed reports whether any execute scope permits calling
// target with the given selector. A target with no listed selectors
// permits any selector; an empty selector argument asks only about the
// target.
func IsExecutionAllowed(scopeSet []Scope, target, selector string) bool {
	target = strings.ToLower(target)
	selector = strings.ToLower(selector)
	for _, sc := range scopeSet {
		if sc.Kind != KindExecute {
			continue
		}
		for _, tgt := range sc.Targets {
			if strings.ToLower(tgt.Address) != target {
				continue
			}
			if len(tgt.Selectors) == 0 || selector == "" {
				return true
			}
			for _, sel := range tgt.Selectors {
				if strings.ToLower(sel.Selector) == selector {
					return true
				}
			}
		}
	}
	return false
}

// ApprovedAddresses collects every eip712-approved address, lowercased and
// sorted, for error payloads that list what a session may sign for.
func ApprovedAddresses(scopeSet []Scope) []string {
	set := map[string]struct{}{}
	for _, sc := range scopeSet {
		if sc.Kind != KindEIP712 {
			continue
		}
		for _, ac := range sc.ApprovedContracts {
			set[strings.ToLower(ac.Address)] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// DefaultPaymentScope synthesizes the legacy x402:payments scope from a
// bare approved-contract list, for session creates that predate typed
// scopes.
func DefaultPaymentScope(contracts []ApprovedContract) Scope {
	return Scope{
		Kind:              KindEIP712,
		ID:                ScopePayments,
		Name:              "Token payments",
		Description:       "Sign EIP-3009 transfer authorizations for approved tokens",
		BudgetEnforceable: false,
		ApprovedContracts: contracts,
	}
}
