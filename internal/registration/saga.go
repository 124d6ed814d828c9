package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kaarya.org/internal/audit"
	"kaarya.org/internal/auth"
	"kaarya.org/internal/obs"
	"kaarya.org/internal/tenant"
)

const ownerRef = "owner"

// Provisioning outcomes reported to metrics.
const (
	outcomeSuccess    = "success"
	outcomeRejected   = "rejected"
	outcomeRolledBack = "rolled_back"
	outcomePartial    = "partial"
)

// OwnerInput is the registering person. Both verification flags come from the OTP widgets.
type OwnerInput struct {
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Password      string `json:"password"`
	Designation   string `json:"designation"`
	DateOfBirth   string `json:"dateOfBirth"`
	PhoneVerified bool   `json:"phoneVerified"`
	EmailVerified bool   `json:"emailVerified"`
}

// Request is the complete registration form.
type Request struct {
	Company  tenant.CompanyInput  `json:"company"`
	Owner    OwnerInput           `json:"owner"`
	Branches []tenant.BranchInput `json:"branches"`
	Staff    []tenant.StaffInput  `json:"staff"`
	Device   auth.DeviceInfo      `json:"deviceInfo"`
}

// Result is what a completed registration produced. Credentials is nil when auto-login failed.
type Result struct {
	Company     *tenant.Company
	Branches    []*tenant.Branch
	Staff       []*tenant.Staff
	Owner       *tenant.Staff
	Credentials *auth.Credentials
}

// AutoLogin reports whether credentials were issued for the owner.
func (r *Result) AutoLogin() bool { return r.Credentials != nil }

// Issuer issues credentials for a staff member.
type Issuer interface {
	Issue(ctx context.Context, staff *tenant.Staff, device auth.DeviceInfo) (*auth.Credentials, error)
}

// Saga runs registration: provision, resolve, count, then issue owner credentials.
// A failure after the company is written triggers deletion of the company.
type Saga struct {
	store       tenant.Store
	provisioner *tenant.Provisioner
	resolver    *tenant.Resolver
	counters    *tenant.Counters
	issuer      Issuer
}

func New(store tenant.Store, hasher tenant.PasswordHasher, issuer Issuer, opts ...tenant.Option) *Saga {
	return &Saga{
		store:       store,
		provisioner: tenant.NewProvisioner(store, hasher, opts...),
		resolver:    tenant.NewResolver(store),
		counters:    tenant.NewCounters(store),
		issuer:      issuer,
	}
}

// Complete runs the saga. Validation and conflict errors are returned before any write.
func (s *Saga) Complete(ctx context.Context, req Request) (*Result, error) {
	staffIns, err := staffInputs(req)
	if err != nil {
		obs.ObserveProvisioning(outcomeRejected)
		return nil, err
	}

	prov, err := s.provisioner.Provision(ctx, req.Company, req.Branches, staffIns)
	if err != nil {
		var perr *tenant.ProvisioningError
		if errors.As(err, &perr) && perr.Committed() {
			return nil, s.compensate(ctx, perr.Step, prov, perr.Err)
		}
		obs.ObserveProvisioning(outcomeRejected)
		return nil, err
	}
	if err := s.resolver.Resolve(ctx, prov.Branches, prov.Staff); err != nil {
		return nil, s.compensate(ctx, tenant.StepResolve, prov, err)
	}
	if err := s.counters.Set(ctx, prov.Company.ID, len(prov.Branches), len(prov.Staff)); err != nil {
		return nil, s.compensate(ctx, tenant.StepCounts, prov, err)
	}
	prov.Company.BranchesCount = len(prov.Branches)
	prov.Company.StaffCount = len(prov.Staff)

	res := &Result{
		Company:  prov.Company,
		Branches: prov.Branches,
		Staff:    prov.Staff,
		Owner:    prov.PrimaryAdmin(),
	}
	obs.ObserveProvisioning(outcomeSuccess)
	_ = audit.LogEvent(ctx, "tenant.provisioned", map[string]any{
		"company_id": res.Company.ID,
		"branches":   len(res.Branches),
		"staff":      len(res.Staff),
	})

	if res.Owner != nil && s.issuer != nil {
		creds, err := s.issuer.Issue(ctx, res.Owner, req.Device)
		if err != nil {
			obs.Warn("auto-login failed after registration", map[string]any{
				"company_id": res.Company.ID,
				"staff_id":   res.Owner.ID,
				"error":      err,
			})
		} else {
			res.Credentials = creds
		}
	}
	return res, nil
}

// compensate deletes the company written by a failed saga.
func (s *Saga) compensate(ctx context.Context, step string, prov *tenant.Result, cause error) error {
	perr := &PartialProvisioningError{Step: step, Err: cause}
	if prov != nil && prov.Company != nil {
		perr.CompanyID = prov.Company.ID
		perr.BranchIDs = prov.BranchIDs()
		perr.StaffIDs = prov.StaffIDs()
	}
	if perr.CompanyID == "" {
		obs.ObserveProvisioning(outcomeRejected)
		return cause
	}
	if err := s.store.DeleteCompany(context.WithoutCancel(ctx), perr.CompanyID); err != nil {
		perr.CompensationErr = err
		obs.ObserveProvisioning(outcomePartial)
		obs.Error("registration left a partial tenant", map[string]any{
			"step":       step,
			"company_id": perr.CompanyID,
			"branch_ids": perr.BranchIDs,
			"staff_ids":  perr.StaffIDs,
			"error":      cause,
			"rollback":   err,
		})
		return perr
	}
	perr.RolledBack = true
	obs.ObserveProvisioning(outcomeRolledBack)
	obs.Warn("registration rolled back", map[string]any{
		"step":       step,
		"company_id": perr.CompanyID,
		"error":      cause,
	})
	return perr
}

// staffInputs puts the owner first, as the primary admin, followed by the extra staff.
func staffInputs(req Request) ([]tenant.StaffInput, error) {
	o := req.Owner
	var missing []string
	if strings.TrimSpace(o.FirstName) == "" {
		missing = append(missing, "firstName")
	}
	if strings.TrimSpace(o.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(o.Phone) == "" {
		missing = append(missing, "phone")
	}
	if o.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: owner %s required", tenant.ErrValidation, strings.Join(missing, ", "))
	}
	if !o.PhoneVerified || !o.EmailVerified {
		return nil, fmt.Errorf("%w: owner phone and email must be verified", tenant.ErrValidation)
	}
	out := make([]tenant.StaffInput, 0, len(req.Staff)+1)
	out = append(out, tenant.StaffInput{
		Ref:           ownerRef,
		FirstName:     o.FirstName,
		LastName:      o.LastName,
		Username:      o.Username,
		Email:         o.Email,
		Phone:         o.Phone,
		Password:      o.Password,
		Role:          tenant.PrimaryAdminRole,
		Designation:   o.Designation,
		DateOfBirth:   o.DateOfBirth,
		PhoneVerified: true,
		EmailVerified: true,
	})
	for _, in := range req.Staff {
		if strings.TrimSpace(in.Ref) == ownerRef {
			return nil, fmt.Errorf("%w: staff ref %q is reserved", tenant.ErrValidation, ownerRef)
		}
		out = append(out, in)
	}
	return out, nil
}
