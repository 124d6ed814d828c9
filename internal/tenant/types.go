package tenant

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of staff roles.
type Role string

const (
	RoleSuperAdmin    Role = "super_admin"
	RoleAdmin         Role = "admin"
	RoleBranchManager Role = "branch_manager"
	RoleBranchStaff   Role = "branch_staff"
	RoleViewer        Role = "viewer"
)

// PrimaryAdminRole is held by the staff member created first during registration.
const PrimaryAdminRole = RoleSuperAdmin

// ParseRole normalises s and rejects values outside the enumeration.
// An empty string maps to RoleBranchStaff.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case "":
		return RoleBranchStaff, nil
	case RoleSuperAdmin, RoleAdmin, RoleBranchManager, RoleBranchStaff, RoleViewer:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// CanManageStaff reports whether the role may create staff or delete branches.
func (r Role) CanManageStaff() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// QualifiesAsBranchManager reports whether the role may be assigned as a branch manager.
func (r Role) QualifiesAsBranchManager() bool {
	return r == PrimaryAdminRole || r == RoleBranchManager
}

// Address is shared by companies and branches.
type Address struct {
	Line1   string `json:"line1,omitempty"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
	Pincode string `json:"pincode,omitempty"`
}

// Company is the tenant root.
type Company struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	LegalName          string    `json:"legal_name,omitempty"`
	RegistrationNumber string    `json:"registration_number,omitempty"`
	GSTIN              string    `json:"gstin,omitempty"`
	PAN                string    `json:"pan,omitempty"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone"`
	Website            string    `json:"website,omitempty"`
	Industry           string    `json:"industry,omitempty"`
	Address            Address   `json:"address"`
	BranchesCount      int       `json:"branches_count"`
	StaffCount         int       `json:"staff_count"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Branch belongs to exactly one company. ManagerID is a weak reference to a Staff.
type Branch struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	Name         string    `json:"name"`
	Code         string    `json:"code,omitempty"`
	Address      Address   `json:"address"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	IsHeadOffice bool      `json:"is_head_office"`
	ManagerID    *string   `json:"manager_id"`
	OpeningTime  string    `json:"opening_time"`
	ClosingTime  string    `json:"closing_time"`
	WorkingDays  []string  `json:"working_days"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Staff is a user of a company. BranchID and ReportingManagerID are nullable weak references.
type Staff struct {
	ID                 string     `json:"id"`
	CompanyID          string     `json:"company_id"`
	BranchID           *string    `json:"branch_id"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone"`
	PasswordHash       string     `json:"-"`
	Role               Role       `json:"role"`
	Designation        string     `json:"designation,omitempty"`
	Department         string     `json:"department,omitempty"`
	DateOfBirth        *time.Time `json:"date_of_birth"`
	JoiningDate        *time.Time `json:"joining_date"`
	ReportingManagerID *string    `json:"reporting_manager_id"`
	PhoneVerified      bool       `json:"phone_verified"`
	EmailVerified      bool       `json:"email_verified"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FullName joins first and last name.
func (s *Staff) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// CompanyInput carries validated registration fields for the company.
type CompanyInput struct {
	Name               string  `json:"name"`
	LegalName          string  `json:"legalName"`
	RegistrationNumber string  `json:"registrationNumber"`
	GSTIN              string  `json:"gstin"`
	PAN                string  `json:"pan"`
	Email              string  `json:"email"`
	Phone              string  `json:"phone"`
	Website            string  `json:"website"`
	Industry           string  `json:"industry"`
	Address            Address `json:"address"`
}

// BranchInput describes a branch to create. Ref is a client-side key staff inputs may point at.
type BranchInput struct {
	Ref          string   `json:"ref"`
	Name         string   `json:"name"`
	Code         string   `json:"code"`
	Address      Address  `json:"address"`
	Phone        string   `json:"phone"`
	Email        string   `json:"email"`
	IsHeadOffice bool     `json:"isHeadOffice"`
	OpeningTime  string   `json:"openingTime"`
	ClosingTime  string   `json:"closingTime"`
	WorkingDays  []string `json:"workingDays"`
}

// StaffInput describes a staff member to create.
//
// BranchID may be the id of an existing branch or the Ref of a BranchInput in the same batch.
// ReportingManagerID may be a staff id, a StaffInput Ref, or a username from the same batch.
type StaffInput struct {
	Ref                string `json:"ref"`
	FirstName          string `json:"firstName"`
	LastName           string `json:"lastName"`
	Username           string `json:"username"`
	Email              string `json:"email"`
	Phone              string `json:"phone"`
	Password           string `json:"password"`
	Role               Role   `json:"role"`
	Designation        string `json:"designation"`
	Department         string `json:"department"`
	BranchID           string `json:"branchId"`
	ReportingManagerID string `json:"reportingManagerId"`
	DateOfBirth        string `json:"dateOfBirth"`
	JoiningDate        string `json:"joiningDate"`
	PhoneVerified      bool   `json:"phoneVerified"`
	EmailVerified      bool   `json:"emailVerified"`
}

// Field names a per-company unique staff attribute.
type Field string

const (
	FieldUsername Field = "username"
	FieldEmail    Field = "email"
	FieldPhone    Field = "phone"
)
