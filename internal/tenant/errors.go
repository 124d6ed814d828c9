package tenant

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("tenant: validation failed")
	ErrConflict   = errors.New("tenant: conflict")
	ErrNotFound   = errors.New("tenant: not found")
)

// ConflictError reports which unique staff attribute collided.
type ConflictError struct {
	Field Field
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tenant: %s %q is already taken", e.Field, e.Value)
}

// Is makes errors.Is(err, ErrConflict) hold for field conflicts.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ConflictField returns the colliding field if err carries one.
func ConflictField(err error) (Field, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Field, true
	}
	return "", false
}

// Provisioning steps, in execution order.
const (
	StepValidate = "validate"
	StepCompany  = "company"
	StepBranches = "branches"
	StepStaff    = "staff"
	StepResolve  = "resolve"
	StepCounts   = "counts"
)

// ProvisioningError is returned by Provisioner. CompanyID is empty when nothing was written.
type ProvisioningError struct {
	Step      string
	CompanyID string
	BranchIDs []string
	StaffIDs  []string
	Err       error
}

func (e *ProvisioningError) Error() string {
	var b strings.Builder
	b.WriteString("provisioning failed at ")
	b.WriteString(e.Step)
	if e.CompanyID != "" {
		b.WriteString(" (company ")
		b.WriteString(e.CompanyID)
		b.WriteString(" committed)")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Committed reports whether any row was written before the failure.
func (e *ProvisioningError) Committed() bool { return e.CompanyID != "" }
