package enums

// CommissionScope selects which override a commission_rates row applies to.
type CommissionScope string

const (
	CommissionScopePlatform CommissionScope = "platform"
	CommissionScopeCategory CommissionScope = "category"
	CommissionScopeVendor   CommissionScope = "vendor"
)

// IsValid reports whether the value is a known CommissionScope.
func (c CommissionScope) IsValid() bool {
	switch c {
	case CommissionScopePlatform, CommissionScopeCategory, CommissionScopeVendor:
		return true
	default:
		return false
	}
}
