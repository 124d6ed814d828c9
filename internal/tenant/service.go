package tenant

import (
	"context"
	"errors"
	"fmt"

	"kaarya.org/internal/obs"
)

// Service exposes tenant operations that run outside the registration saga.
type Service struct {
	store       Store
	provisioner *Provisioner
	checker     *Checker
	counters    *Counters
}

func NewService(store Store, hasher PasswordHasher, opts ...Option) *Service {
	return &Service{
		store:       store,
		provisioner: NewProvisioner(store, hasher, opts...),
		checker:     NewChecker(store),
		counters:    NewCounters(store),
	}
}

func (s *Service) Company(ctx context.Context, id string) (*Company, error) {
	return s.store.GetCompany(ctx, id)
}

func (s *Service) Branches(ctx context.Context, companyID string) ([]*Branch, error) {
	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		return nil, err
	}
	return s.store.ListBranches(ctx, companyID)
}

func (s *Service) Staff(ctx context.Context, companyID string) ([]*Staff, error) {
	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		return nil, err
	}
	return s.store.ListStaff(ctx, companyID)
}

// CreateStaff adds one staff member to an existing company. Without an explicit reporting
// manager the company's primary admin is used. Once the row is written, the manager link and
// the staff_count increment are best-effort.
func (s *Service) CreateStaff(ctx context.Context, companyID string, in StaffInput) (*Staff, error) {
	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		return nil, err
	}
	plan, err := validateStaffInput(in)
	if err != nil {
		return nil, err
	}
	if err := s.checker.Check(ctx, companyID, in); err != nil {
		return nil, err
	}
	branches, err := s.store.ListBranches(ctx, companyID)
	if err != nil {
		return nil, err
	}
	sc := &staffContext{
		companyID: companyID,
		branches:  branches,
		refs:      make(map[string]*Branch, len(branches)),
		reserved:  make(map[string]struct{}),
	}
	for _, b := range branches {
		sc.refs[b.ID] = b
	}
	if plan.BranchID != "" {
		if _, ok := sc.refs[plan.BranchID]; !ok {
			return nil, fmt.Errorf("%w: branch %s", ErrNotFound, plan.BranchID)
		}
	}

	managerID, err := s.reportingManager(ctx, companyID, plan)
	if err != nil {
		return nil, err
	}

	st, err := s.provisioner.createStaff(ctx, sc, plan)
	if err != nil {
		return nil, err
	}
	if managerID != "" && managerID != st.ID {
		changed, err := s.store.SetReportingManager(ctx, st.ID, managerID)
		switch {
		case err != nil:
			obs.Warn("reporting manager assignment failed", map[string]any{
				"company_id": companyID,
				"staff_id":   st.ID,
				"manager_id": managerID,
				"error":      err,
			})
		case changed:
			st.ReportingManagerID = &managerID
		}
	}
	s.counters.IncrementStaff(ctx, companyID)
	return st, nil
}

func (s *Service) reportingManager(ctx context.Context, companyID string, plan staffPlan) (string, error) {
	if plan.ReportingManagerID != "" {
		mgr, err := s.store.GetStaff(ctx, plan.ReportingManagerID)
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: reporting manager %s not found", ErrValidation, plan.ReportingManagerID)
		}
		if err != nil {
			return "", err
		}
		if mgr.CompanyID != companyID {
			return "", fmt.Errorf("%w: reporting manager belongs to another company", ErrValidation)
		}
		return mgr.ID, nil
	}
	if plan.Role == PrimaryAdminRole {
		return "", nil
	}
	staff, err := s.store.ListStaff(ctx, companyID)
	if err != nil {
		return "", err
	}
	if admin := primaryAdmin(staff); admin != nil {
		return admin.ID, nil
	}
	return "", nil
}

// DeleteBranch removes a branch and unassigns its staff. Company counters are refreshed
// best-effort afterwards.
func (s *Service) DeleteBranch(ctx context.Context, companyID, branchID string) error {
	if err := s.store.DeleteBranch(ctx, companyID, branchID); err != nil {
		return err
	}
	s.counters.Recount(ctx, companyID)
	return nil
}
