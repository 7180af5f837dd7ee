package marketsync

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Account Scope
// ---------------------------------------------------------------------------

// AccountScope identifies one of the seller accounts on the marketplace
type AccountScope string

const (
	// AccountA is the primary seller account
	AccountA AccountScope = "A"
	// AccountB is the secondary seller account
	AccountB AccountScope = "B"
)

// AllAccounts lists the accounts in processing order
var AllAccounts = []AccountScope{AccountA, AccountB}

// IsValid returns true if the account scope is valid
func (a AccountScope) IsValid() bool {
	switch a {
	case AccountA, AccountB:
		return true
	default:
		return false
	}
}

// String returns the string representation of AccountScope
func (a AccountScope) String() string {
	return string(a)
}

// ParseAccountScope parses "a"/"A"/"b"/"B" into an AccountScope
func ParseAccountScope(s string) (AccountScope, error) {
	a := AccountScope(strings.ToUpper(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	return a, nil
}

// ScopeSelector selects which accounts a sync run covers
type ScopeSelector string

const (
	ScopeA    ScopeSelector = "A"
	ScopeB    ScopeSelector = "B"
	ScopeBoth ScopeSelector = "both"
)

// IsValid returns true if the selector is valid
func (s ScopeSelector) IsValid() bool {
	switch s {
	case ScopeA, ScopeB, ScopeBoth:
		return true
	default:
		return false
	}
}

// String returns the string representation of ScopeSelector
func (s ScopeSelector) String() string {
	return string(s)
}

// Accounts expands the selector into accounts, A before B
func (s ScopeSelector) Accounts() []AccountScope {
	switch s {
	case ScopeA:
		return []AccountScope{AccountA}
	case ScopeB:
		return []AccountScope{AccountB}
	case ScopeBoth:
		return []AccountScope{AccountA, AccountB}
	default:
		return nil
	}
}

// Includes reports whether the selector covers the account
func (s ScopeSelector) Includes(a AccountScope) bool {
	for _, acc := range s.Accounts() {
		if acc == a {
			return true
		}
	}
	return false
}

// ParseScopeSelector parses "A", "B" or "both" (case-insensitive)
func ParseScopeSelector(s string) (ScopeSelector, error) {
	trimmed := strings.TrimSpace(s)
	if strings.EqualFold(trimmed, string(ScopeBoth)) {
		return ScopeBoth, nil
	}
	sel := ScopeSelector(strings.ToUpper(trimmed))
	if !sel.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	return sel, nil
}

// ---------------------------------------------------------------------------
// Resource Type & Mode
// ---------------------------------------------------------------------------

// ResourceType is the marketplace collection a sync run covers
type ResourceType string

const (
	ResourceProducts ResourceType = "products"
	ResourceOrders   ResourceType = "orders"
)

// IsValid returns true if the resource type is valid
func (r ResourceType) IsValid() bool {
	switch r {
	case ResourceProducts, ResourceOrders:
		return true
	default:
		return false
	}
}

// String returns the string representation of ResourceType
func (r ResourceType) String() string {
	return string(r)
}

// SyncMode controls whether a run fetches everything or only recent changes
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// IsValid returns true if the mode is valid
func (m SyncMode) IsValid() bool {
	switch m {
	case SyncModeFull, SyncModeIncremental:
		return true
	default:
		return false
	}
}

// String returns the string representation of SyncMode
func (m SyncMode) String() string {
	return string(m)
}
