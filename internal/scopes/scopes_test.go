package scopes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdce  = "0xF951eC280000000000000000000000000005F77C"
	router = "0x1111111111111111111111111111111111111111"
	vault  = "0x2222222222222222222222222222222222222222"
)

func executeScope(targets ...Target) Scope {
	return Scope{Kind: KindExecute, ID: ScopeTokenApprovals, Name: "Token approvals",
		BudgetEnforceable: true, Targets: targets}
}

func paymentScope(addrs ...string) Scope {
	contracts := make([]ApprovedContract, len(addrs))
	for i, a := range addrs {
		contracts[i] = ApprovedContract{Address: a, Domain: ContractDomain{Name: "USD Coin", Version: "2"}}
	}
	return Scope{Kind: KindEIP712, ID: ScopePayments, Name: "Payments", ApprovedContracts: contracts}
}

func TestFlatten_OrderIndependent(t *testing.T) {
	a := executeScope(Target{Address: router, Selectors: []Selector{{Selector: "0x095ea7b3"}}})
	b := paymentScope(usdce)

	assert.Equal(t, Flatten([]Scope{a, b}), Flatten([]Scope{b, a}))
}

func TestFlatten_AnyTargetWithoutSelectorsEmptiesSelectorSet(t *testing.T) {
	got := Flatten([]Scope{executeScope(
		Target{Address: router, Selectors: []Selector{{Selector: "0x095ea7b3"}}},
		Target{Address: vault}, // no selectors listed
	)})

	assert.ElementsMatch(t, []string{router, vault}, got.AllowedTargets)
	assert.Empty(t, got.AllowedSelectors, "one unrestricted target makes selectors global allow-any")
}

func TestFlatten_CollectsSelectorsWhenAllTargetsRestricted(t *testing.T) {
	got := Flatten([]Scope{executeScope(
		Target{Address: router, Selectors: []Selector{{Selector: "0x095EA7B3"}, {Selector: "0xa9059cbb"}}},
	)})

	assert.Equal(t, []string{"0x095ea7b3", "0xa9059cbb"}, got.AllowedSelectors)
}

func TestFlatten_DeduplicatesContractsByLowercasedAddress(t *testing.T) {
	got := Flatten([]Scope{paymentScope(usdce), paymentScope("0xf951ec280000000000000000000000000005f77c")})

	require.Len(t, got.ApprovedContracts, 1)
	ac := got.ApprovedContracts[0]
	assert.Equal(t, "0xf951ec280000000000000000000000000005f77c", ac.Address)
	assert.True(t, len(ac.NameHash) == 66 && ac.NameHash[:2] == "0x")
	assert.NotEqual(t, ac.NameHash, ac.VersionHash)
}

func TestFlatten_EmptyInputAllowsNothing(t *testing.T) {
	got := Flatten(nil)
	assert.Empty(t, got.AllowedTargets)
	assert.Empty(t, got.AllowedSelectors)
	assert.Empty(t, got.ApprovedContracts)
}

func TestIsContractApproved(t *testing.T) {
	set := []Scope{paymentScope(usdce)}

	assert.True(t, IsContractApproved(set, usdce))
	assert.True(t, IsContractApproved(set, "0xF951EC280000000000000000000000000005F77C"), "case-insensitive")
	assert.False(t, IsContractApproved(set, router))
	assert.False(t, IsContractApproved([]Scope{executeScope(Target{Address: usdce})}, usdce),
		"execute scopes do not approve typed-data signing")
}

func TestIsExecutionAllowed(t *testing.T) {
	set := []Scope{executeScope(
		Target{Address: router, Selectors: []Selector{{Selector: "0x095ea7b3"}}},
		Target{Address: vault},
	)}

	assert.True(t, IsExecutionAllowed(set, router, "0x095ea7b3"))
	assert.False(t, IsExecutionAllowed(set, router, "0xa9059cbb"))
	assert.True(t, IsExecutionAllowed(set, vault, "0xdeadbeef"), "no selectors listed means any")
	assert.True(t, IsExecutionAllowed(set, router, ""), "empty selector asks about target only")
	assert.False(t, IsExecutionAllowed(set, usdce, "0x095ea7b3"))
}

func TestScopeUnmarshal_RejectsUnknownKind(t *testing.T) {
	var s Scope
	err := json.Unmarshal([]byte(`{"kind":"admin","id":"x"}`), &s)
	require.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"eip712","id":"x402:payments"}`), &s))
	assert.Equal(t, KindEIP712, s.Kind)
}

func TestDefaultPaymentScope(t *testing.T) {
	sc := DefaultPaymentScope([]ApprovedContract{{Address: usdce, Domain: ContractDomain{Name: "USD Coin", Version: "2"}}})

	assert.Equal(t, KindEIP712, sc.Kind)
	assert.Equal(t, ScopePayments, sc.ID)
	assert.False(t, sc.BudgetEnforceable)
	assert.True(t, IsContractApproved([]Scope{sc}, usdce))
}

func TestApprovedAddresses(t *testing.T) {
	set := []Scope{paymentScope(usdce, vault), executeScope(Target{Address: router})}
	assert.Equal(t, []string{vault, "0xf951ec280000000000000000000000000005f77c"}, ApprovedAddresses(set))
}
