package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kaarya.org/internal/ids"
)

const defaultUsernameAttempts = 5

const (
	defaultOpeningTime    = "09:00"
	defaultClosingTime    = "18:00"
	defaultHeadOfficeName = "Head Office"
	minPasswordLength     = 8
)

var defaultWorkingDays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(p *Provisioner) {
		if fn != nil {
			p.now = fn
		}
	}
}

// WithUsernameAttempts bounds how often a generated username is regenerated after an
// insert-time collision.
func WithUsernameAttempts(n int) Option {
	return func(p *Provisioner) {
		if n > 0 {
			p.usernameAttempts = n
		}
	}
}

// Provisioner creates a company, then its branches, then its staff.
type Provisioner struct {
	store            Store
	hasher           PasswordHasher
	checker          *Checker
	now              func() time.Time
	usernameAttempts int
}

func NewProvisioner(store Store, hasher PasswordHasher, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:            store,
		hasher:           hasher,
		checker:          NewChecker(store),
		now:              time.Now,
		usernameAttempts: defaultUsernameAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the set of rows written by Provision.
type Result struct {
	Company  *Company
	Branches []*Branch
	Staff    []*Staff
}

// PrimaryAdmin returns the first staff member holding PrimaryAdminRole.
func (r *Result) PrimaryAdmin() *Staff {
	return primaryAdmin(r.Staff)
}

// HeadOffice returns the first head-office branch, if any.
func (r *Result) HeadOffice() *Branch {
	for _, b := range r.Branches {
		if b.IsHeadOffice {
			return b
		}
	}
	return nil
}

// BranchIDs lists ids of created branches.
func (r *Result) BranchIDs() []string {
	out := make([]string, 0, len(r.Branches))
	for _, b := range r.Branches {
		out = append(out, b.ID)
	}
	return out
}

// StaffIDs lists ids of created staff.
func (r *Result) StaffIDs() []string {
	out := make([]string, 0, len(r.Staff))
	for _, s := range r.Staff {
		out = append(out, s.ID)
	}
	return out
}

// Provision validates all inputs, then writes company, branches and staff in that order.
// Nothing is written when validation fails. A failure after the company insert returns the
// partial Result together with a *ProvisioningError naming the failed step.
func (p *Provisioner) Provision(ctx context.Context, companyIn CompanyInput, branchIns []BranchInput, staffIns []StaffInput) (*Result, error) {
	company, err := p.buildCompany(companyIn)
	if err != nil {
		return nil, &ProvisioningError{Step: StepValidate, Err: err}
	}
	if len(branchIns) == 0 {
		branchIns = []BranchInput{headOfficeInput(companyIn)}
	}
	if err := validateBranches(branchIns); err != nil {
		return nil, &ProvisioningError{Step: StepValidate, Err: err}
	}
	plans, err := validateStaffBatch(staffIns)
	if err != nil {
		return nil, &ProvisioningError{Step: StepValidate, Err: err}
	}

	if err := p.store.CreateCompany(ctx, company); err != nil {
		return nil, &ProvisioningError{Step: StepCompany, Err: err}
	}
	res := &Result{Company: company}

	branches := p.buildBranches(company.ID, branchIns)
	if err := p.store.CreateBranches(ctx, branches); err != nil {
		return res, &ProvisioningError{Step: StepBranches, CompanyID: company.ID, Err: err}
	}
	res.Branches = branches

	sc := &staffContext{
		companyID: company.ID,
		branches:  branches,
		refs:      branchRefs(branchIns, branches),
		reserved:  reservedUsernames(plans),
	}
	for _, plan := range plans {
		st, err := p.createStaff(ctx, sc, plan)
		if err != nil {
			return res, &ProvisioningError{
				Step: StepStaff, CompanyID: company.ID,
				BranchIDs: res.BranchIDs(), StaffIDs: res.StaffIDs(), Err: err,
			}
		}
		res.Staff = append(res.Staff, st)
	}
	if err := p.linkReportingManagers(ctx, plans, res.Staff); err != nil {
		return res, &ProvisioningError{
			Step: StepStaff, CompanyID: company.ID,
			BranchIDs: res.BranchIDs(), StaffIDs: res.StaffIDs(), Err: err,
		}
	}
	return res, nil
}

func (p *Provisioner) buildCompany(in CompanyInput) (*Company, error) {
	var missing []string
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	phone := NormalizePhone(in.Phone)
	if name == "" {
		missing = append(missing, "name")
	}
	if email == "" {
		missing = append(missing, "email")
	}
	if phone == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: company %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: company email is malformed", ErrValidation)
	}
	now := p.now().UTC()
	return &Company{
		ID:                 ids.New(),
		Name:               name,
		LegalName:          strings.TrimSpace(in.LegalName),
		RegistrationNumber: strings.TrimSpace(in.RegistrationNumber),
		GSTIN:              strings.ToUpper(strings.TrimSpace(in.GSTIN)),
		PAN:                strings.ToUpper(strings.TrimSpace(in.PAN)),
		Email:              email,
		Phone:              phone,
		Website:            strings.TrimSpace(in.Website),
		Industry:           strings.TrimSpace(in.Industry),
		Address:            in.Address,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func headOfficeInput(c CompanyInput) BranchInput {
	return BranchInput{
		Name:         defaultHeadOfficeName,
		Code:         "HO",
		Address:      c.Address,
		Phone:        c.Phone,
		Email:        c.Email,
		IsHeadOffice: true,
	}
}

func validateBranches(in []BranchInput) error {
	refs := make(map[string]struct{}, len(in))
	for i, b := range in {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("%w: branch %d name is required", ErrValidation, i)
		}
		ref := strings.TrimSpace(b.Ref)
		if ref == "" {
			continue
		}
		if _, dup := refs[ref]; dup {
			return fmt.Errorf("%w: duplicate branch ref %q", ErrValidation, ref)
		}
		refs[ref] = struct{}{}
	}
	return nil
}

func (p *Provisioner) buildBranches(companyID string, in []BranchInput) []*Branch {
	now := p.now().UTC()
	out := make([]*Branch, 0, len(in))
	for _, b := range in {
		br := &Branch{
			ID:           ids.New(),
			CompanyID:    companyID,
			Name:         strings.TrimSpace(b.Name),
			Code:         strings.ToUpper(strings.TrimSpace(b.Code)),
			Address:      b.Address,
			Phone:        NormalizePhone(b.Phone),
			Email:        NormalizeEmail(b.Email),
			IsHeadOffice: b.IsHeadOffice,
			OpeningTime:  strings.TrimSpace(b.OpeningTime),
			ClosingTime:  strings.TrimSpace(b.ClosingTime),
			WorkingDays:  normalizeDays(b.WorkingDays),
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if br.OpeningTime == "" {
			br.OpeningTime = defaultOpeningTime
		}
		if br.ClosingTime == "" {
			br.ClosingTime = defaultClosingTime
		}
		if len(br.WorkingDays) == 0 {
			br.WorkingDays = append([]string(nil), defaultWorkingDays...)
		}
		out = append(out, br)
	}
	return out
}

func normalizeDays(days []string) []string {
	var out []string
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func branchRefs(in []BranchInput, created []*Branch) map[string]*Branch {
	refs := make(map[string]*Branch, len(created))
	for i, b := range created {
		refs[b.ID] = b
		if ref := strings.TrimSpace(in[i].Ref); ref != "" {
			refs[ref] = b
		}
	}
	return refs
}

// staffPlan is a validated StaffInput.
type staffPlan StaffInput

func validateStaffInput(in StaffInput) (staffPlan, error) {
	plan := staffPlan(in)
	plan.Ref = strings.TrimSpace(in.Ref)
	plan.FirstName = strings.TrimSpace(in.FirstName)
	plan.LastName = strings.TrimSpace(in.LastName)
	plan.Username = NormalizeUsername(in.Username)
	plan.Email = NormalizeEmail(in.Email)
	plan.Phone = NormalizePhone(in.Phone)
	plan.BranchID = strings.TrimSpace(in.BranchID)
	plan.ReportingManagerID = strings.TrimSpace(in.ReportingManagerID)

	if plan.FirstName == "" {
		return plan, fmt.Errorf("%w: staff first name is required", ErrValidation)
	}
	if plan.Email == "" && plan.Phone == "" {
		return plan, fmt.Errorf("%w: staff %s needs an email or phone", ErrValidation, plan.FirstName)
	}
	if plan.Email != "" && !strings.Contains(plan.Email, "@") {
		return plan, fmt.Errorf("%w: staff email %q is malformed", ErrValidation, plan.Email)
	}
	if in.Password != "" && len(in.Password) < minPasswordLength {
		return plan, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return plan, err
	}
	plan.Role = role
	return plan, nil
}

func validateStaffBatch(in []StaffInput) ([]staffPlan, error) {
	plans := make([]staffPlan, 0, len(in))
	seen := map[Field]map[string]struct{}{
		FieldUsername: {}, FieldEmail: {}, FieldPhone: {},
	}
	refs := make(map[string]struct{})
	for _, raw := range in {
		plan, err := validateStaffInput(raw)
		if err != nil {
			return nil, err
		}
		for field, value := range map[Field]string{
			FieldUsername: plan.Username, FieldEmail: plan.Email, FieldPhone: plan.Phone,
		} {
			if value == "" {
				continue
			}
			if _, dup := seen[field][value]; dup {
				return nil, &ConflictError{Field: field, Value: value}
			}
			seen[field][value] = struct{}{}
		}
		if plan.Ref != "" {
			if _, dup := refs[plan.Ref]; dup {
				return nil, fmt.Errorf("%w: duplicate staff ref %q", ErrValidation, plan.Ref)
			}
			refs[plan.Ref] = struct{}{}
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func reservedUsernames(plans []staffPlan) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range plans {
		if p.Username != "" {
			out[p.Username] = struct{}{}
		}
	}
	return out
}

// staffContext carries what staff creation needs to resolve references.
type staffContext struct {
	companyID string
	branches  []*Branch
	refs      map[string]*Branch
	reserved  map[string]struct{}
}

// resolveBranch picks the explicit branch when valid, the head office for the primary
// admin, otherwise the first branch. No branch at all yields nil.
func (sc *staffContext) resolveBranch(plan staffPlan) *string {
	if plan.BranchID != "" {
		if b, ok := sc.refs[plan.BranchID]; ok {
			return &b.ID
		}
	}
	if len(sc.branches) == 0 {
		return nil
	}
	if plan.Role == PrimaryAdminRole {
		for _, b := range sc.branches {
			if b.IsHeadOffice {
				return &b.ID
			}
		}
	}
	return &sc.branches[0].ID
}

func (p *Provisioner) createStaff(ctx context.Context, sc *staffContext, plan staffPlan) (*Staff, error) {
	now := p.now().UTC()
	st := &Staff{
		ID:            ids.New(),
		CompanyID:     sc.companyID,
		FirstName:     plan.FirstName,
		LastName:      plan.LastName,
		Email:         plan.Email,
		Phone:         plan.Phone,
		Role:          plan.Role,
		Designation:   strings.TrimSpace(plan.Designation),
		Department:    strings.TrimSpace(plan.Department),
		DateOfBirth:   CoerceDate(plan.DateOfBirth),
		JoiningDate:   CoerceDate(plan.JoiningDate),
		PhoneVerified: plan.PhoneVerified,
		EmailVerified: plan.EmailVerified,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if st.JoiningDate == nil {
		today := truncateDay(now)
		st.JoiningDate = &today
	}
	if bid := sc.resolveBranch(plan); bid != nil {
		id := *bid
		st.BranchID = &id
	}

	hash, err := p.passwordHash(plan.Password)
	if err != nil {
		return nil, err
	}
	st.PasswordHash = hash

	generated := plan.Username == ""
	base := UsernameBase(plan.FirstName, plan.LastName)
	for attempt := 1; ; attempt++ {
		if generated {
			name, err := GenerateUsername(base, p.usernameTaken(ctx, sc))
			if err != nil {
				return nil, err
			}
			st.Username = name
		} else {
			st.Username = plan.Username
		}
		err := p.store.CreateStaff(ctx, st)
		if err == nil {
			sc.reserved[st.Username] = struct{}{}
			return st, nil
		}
		field, isConflict := ConflictField(err)
		if generated && isConflict && field == FieldUsername && attempt < p.usernameAttempts {
			sc.reserved[st.Username] = struct{}{}
			continue
		}
		return nil, err
	}
}

func (p *Provisioner) usernameTaken(ctx context.Context, sc *staffContext) func(string) (bool, error) {
	return func(candidate string) (bool, error) {
		if _, ok := sc.reserved[candidate]; ok {
			return true, nil
		}
		return p.checker.Taken(ctx, sc.companyID, FieldUsername, candidate)
	}
}

// passwordHash hashes password; staff created without one get an unusable random secret
// and must go through a reset before logging in.
func (p *Provisioner) passwordHash(password string) (string, error) {
	if p.hasher == nil {
		return "", errors.New("tenant: password hasher not configured")
	}
	if password == "" {
		secret, err := ids.Opaque()
		if err != nil {
			return "", err
		}
		password = secret
	}
	return p.hasher.Hash(password)
}

// linkReportingManagers applies explicit reporting managers that point at staff in the
// same batch. Unknown and self references are ignored.
func (p *Provisioner) linkReportingManagers(ctx context.Context, plans []staffPlan, created []*Staff) error {
	lookup := make(map[string]*Staff, len(created)*3)
	for i, st := range created {
		lookup[st.ID] = st
		lookup[st.Username] = st
		if plans[i].Ref != "" {
			lookup[plans[i].Ref] = st
		}
	}
	for i, plan := range plans {
		if plan.ReportingManagerID == "" {
			continue
		}
		st := created[i]
		mgr, ok := lookup[plan.ReportingManagerID]
		if !ok {
			mgr, ok = lookup[NormalizeUsername(plan.ReportingManagerID)]
		}
		if !ok || mgr.ID == st.ID {
			continue
		}
		changed, err := p.store.SetReportingManager(ctx, st.ID, mgr.ID)
		if err != nil {
			return err
		}
		if changed {
			id := mgr.ID
			st.ReportingManagerID = &id
		}
	}
	return nil
}

func primaryAdmin(staff []*Staff) *Staff {
	for _, s := range staff {
		if s.Role == PrimaryAdminRole {
			return s
		}
	}
	return nil
}
