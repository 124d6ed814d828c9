package tenant

import "context"

// Store describes persistence required by tenant provisioning.
//
// Implementations must enforce per-company uniqueness of username, email and phone among
// active staff at insert time and report violations as *ConflictError.
type Store interface {
	CreateCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)
	// DeleteCompany removes the company with its branches and staff.
	DeleteCompany(ctx context.Context, id string) error
	UpdateCounts(ctx context.Context, companyID string, branches, staff int) error
	IncrementStaffCount(ctx context.Context, companyID string) error

	CreateBranches(ctx context.Context, branches []*Branch) error
	ListBranches(ctx context.Context, companyID string) ([]*Branch, error)
	// SetBranchManager fills a null manager_id and reports whether a row changed.
	SetBranchManager(ctx context.Context, branchID, staffID string) (bool, error)
	// DeleteBranch nulls branch_id of its staff, then deletes the branch.
	DeleteBranch(ctx context.Context, companyID, branchID string) error

	CreateStaff(ctx context.Context, s *Staff) error
	GetStaff(ctx context.Context, id string) (*Staff, error)
	ListStaff(ctx context.Context, companyID string) ([]*Staff, error)
	// FindStaffByIdentifier matches active staff on username, email or phone.
	// An empty companyID searches every company.
	FindStaffByIdentifier(ctx context.Context, companyID, identifier string) ([]*Staff, error)
	StaffFieldTaken(ctx context.Context, companyID string, field Field, value string) (bool, error)
	// SetReportingManager fills a null reporting_manager_id when managerID is another
	// staff member of the same company, and reports whether a row changed.
	SetReportingManager(ctx context.Context, staffID, managerID string) (bool, error)
}

// PasswordHasher produces the stored form of a password.
type PasswordHasher interface {
	Hash(password string) (string, error)
}
