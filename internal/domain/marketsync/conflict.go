package marketsync

import (
	"fmt"
	"sort"
)

// ConflictStrategy decides how remote values meet locally curated ones
type ConflictStrategy string

const (
	// ConflictRemoteWins overwrites every field except allow-listed local fields
	ConflictRemoteWins ConflictStrategy = "remote_wins"
	// ConflictLocalWins keeps every field that has a local override
	ConflictLocalWins ConflictStrategy = "local_wins"
)

// IsValid returns true if the strategy is valid
func (s ConflictStrategy) IsValid() bool {
	switch s {
	case ConflictRemoteWins, ConflictLocalWins:
		return true
	default:
		return false
	}
}

// OverridableFields lists the product fields a local override may pin
var OverridableFields = []string{FieldTitle, FieldPrice, FieldStock, FieldWarehouse}

// ConflictPolicy is the merge rule applied by the upsert service
type ConflictPolicy struct {
	Strategy ConflictStrategy
	// localFields are locally authoritative under remote_wins
	localFields map[string]struct{}
}

// NewConflictPolicy builds a policy; localFields must be drawn from OverridableFields
func NewConflictPolicy(strategy ConflictStrategy, localFields []string) (ConflictPolicy, error) {
	if strategy == "" {
		strategy = ConflictRemoteWins
	}
	if !strategy.IsValid() {
		return ConflictPolicy{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	allowed := make(map[string]struct{}, len(OverridableFields))
	for _, f := range OverridableFields {
		allowed[f] = struct{}{}
	}
	fields := make(map[string]struct{}, len(localFields))
	for _, f := range localFields {
		if _, ok := allowed[f]; !ok {
			return ConflictPolicy{}, fmt.Errorf("field %q cannot be locally authoritative", f)
		}
		fields[f] = struct{}{}
	}
	return ConflictPolicy{Strategy: strategy, localFields: fields}, nil
}

// DefaultConflictPolicy is remote_wins with no locally authoritative fields
func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{Strategy: ConflictRemoteWins}
}

// LocalFields returns the allow-list in sorted order
func (p ConflictPolicy) LocalFields() []string {
	out := make([]string, 0, len(p.localFields))
	for f := range p.localFields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// PreservesLocal reports whether a local override of field survives a remote update
func (p ConflictPolicy) PreservesLocal(field string) bool {
	if p.Strategy == ConflictLocalWins {
		return true
	}
	_, ok := p.localFields[field]
	return ok
}

func (p ConflictPolicy) override(field string, overrides map[string]string) (string, bool) {
	if !p.PreservesLocal(field) {
		return "", false
	}
	v, ok := overrides[field]
	return v, ok
}

func (p ConflictPolicy) resolve(field, remote string, overrides map[string]string) string {
	if v, ok := p.override(field, overrides); ok {
		return v
	}
	return remote
}
