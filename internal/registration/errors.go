package registration

import (
	"fmt"
	"strings"
)

// PartialProvisioningError reports a saga failure after the company row was written.
// RolledBack is true when compensation removed every row again; otherwise the ids name
// what an operator has to reconcile.
type PartialProvisioningError struct {
	Step            string
	CompanyID       string
	BranchIDs       []string
	StaffIDs        []string
	RolledBack      bool
	CompensationErr error
	Err             error
}

func (e *PartialProvisioningError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "registration failed at %s for company %s", e.Step, e.CompanyID)
	if e.RolledBack {
		b.WriteString(" (rolled back)")
	} else {
		fmt.Fprintf(&b, " (left %d branches, %d staff", len(e.BranchIDs), len(e.StaffIDs))
		if e.CompensationErr != nil {
			fmt.Fprintf(&b, "; rollback: %v", e.CompensationErr)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PartialProvisioningError) Unwrap() error { return e.Err }

// Details is the reconciliation payload exposed to callers.
func (e *PartialProvisioningError) Details() map[string]any {
	return map[string]any{
		"step":       e.Step,
		"companyId":  e.CompanyID,
		"branchIds":  e.BranchIDs,
		"staffIds":   e.StaffIDs,
		"rolledBack": e.RolledBack,
	}
}
