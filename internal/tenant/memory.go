package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
// It enforces the same uniqueness rules as the Postgres schema.
type InMemory struct {
	mu        sync.RWMutex
	companies map[string]*Company
	branches  map[string]*Branch
	staff     map[string]*Staff
	order     []string // staff ids in insertion order
	border    []string // branch ids in insertion order
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		companies: make(map[string]*Company),
		branches:  make(map[string]*Branch),
		staff:     make(map[string]*Staff),
	}
}

// Len reports how many companies are stored.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.companies)
}

func (m *InMemory) CreateCompany(_ context.Context, c *Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[c.ID]; ok {
		return fmt.Errorf("%w: company %s exists", ErrConflict, c.ID)
	}
	cp := *c
	m.companies[c.ID] = &cp
	return nil
}

func (m *InMemory) GetCompany(_ context.Context, id string) (*Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *InMemory) DeleteCompany(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[id]; !ok {
		return ErrNotFound
	}
	delete(m.companies, id)
	for bid, b := range m.branches {
		if b.CompanyID == id {
			delete(m.branches, bid)
		}
	}
	for sid, s := range m.staff {
		if s.CompanyID == id {
			delete(m.staff, sid)
		}
	}
	return nil
}

func (m *InMemory) UpdateCounts(_ context.Context, companyID string, branches, staff int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	c.BranchesCount = branches
	c.StaffCount = staff
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMemory) IncrementStaffCount(_ context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	c.StaffCount++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMemory) CreateBranches(_ context.Context, branches []*Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range branches {
		if _, ok := m.companies[b.CompanyID]; !ok {
			return fmt.Errorf("%w: company %s", ErrNotFound, b.CompanyID)
		}
	}
	for _, b := range branches {
		cp := cloneBranch(b)
		m.branches[b.ID] = cp
		m.border = append(m.border, b.ID)
	}
	return nil
}

func (m *InMemory) ListBranches(_ context.Context, companyID string) ([]*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Branch
	for _, id := range m.border {
		if b, ok := m.branches[id]; ok && b.CompanyID == companyID {
			out = append(out, cloneBranch(b))
		}
	}
	return out, nil
}

func (m *InMemory) SetBranchManager(_ context.Context, branchID, staffID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branchID]
	if !ok {
		return false, ErrNotFound
	}
	s, ok := m.staff[staffID]
	if !ok || s.CompanyID != b.CompanyID {
		return false, fmt.Errorf("%w: manager must belong to the branch company", ErrValidation)
	}
	if b.ManagerID != nil {
		return false, nil
	}
	id := staffID
	b.ManagerID = &id
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *InMemory) DeleteBranch(_ context.Context, companyID, branchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branchID]
	if !ok || b.CompanyID != companyID {
		return ErrNotFound
	}
	for _, s := range m.staff {
		if s.BranchID != nil && *s.BranchID == branchID {
			s.BranchID = nil
			s.UpdatedAt = time.Now().UTC()
		}
	}
	delete(m.branches, branchID)
	return nil
}

func (m *InMemory) CreateStaff(_ context.Context, s *Staff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[s.CompanyID]; !ok {
		return fmt.Errorf("%w: company %s", ErrNotFound, s.CompanyID)
	}
	if s.BranchID != nil {
		b, ok := m.branches[*s.BranchID]
		if !ok || b.CompanyID != s.CompanyID {
			return fmt.Errorf("%w: branch %s", ErrNotFound, *s.BranchID)
		}
	}
	if s.IsActive {
		for _, f := range []Field{FieldUsername, FieldEmail, FieldPhone} {
			v := staffField(s, f)
			if v != "" && m.takenLocked(s.CompanyID, f, v) {
				return &ConflictError{Field: f, Value: v}
			}
		}
	}
	m.staff[s.ID] = cloneStaff(s)
	m.order = append(m.order, s.ID)
	return nil
}

func (m *InMemory) GetStaff(_ context.Context, id string) (*Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStaff(s), nil
}

func (m *InMemory) ListStaff(_ context.Context, companyID string) ([]*Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Staff
	for _, id := range m.order {
		if s, ok := m.staff[id]; ok && s.CompanyID == companyID {
			out = append(out, cloneStaff(s))
		}
	}
	return out, nil
}

func (m *InMemory) FindStaffByIdentifier(_ context.Context, companyID, identifier string) ([]*Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Staff
	for _, id := range m.order {
		s, ok := m.staff[id]
		if !ok || !s.IsActive {
			continue
		}
		if companyID != "" && s.CompanyID != companyID {
			continue
		}
		if matchesIdentifier(s, identifier) {
			out = append(out, cloneStaff(s))
		}
	}
	return out, nil
}

func (m *InMemory) StaffFieldTaken(_ context.Context, companyID string, field Field, value string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.takenLocked(companyID, field, NormalizeField(field, value)), nil
}

func (m *InMemory) SetReportingManager(_ context.Context, staffID, managerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[staffID]
	if !ok {
		return false, ErrNotFound
	}
	mgr, ok := m.staff[managerID]
	if !ok || mgr.CompanyID != s.CompanyID || managerID == staffID {
		return false, fmt.Errorf("%w: reporting manager must be another staff member of the same company", ErrValidation)
	}
	if s.ReportingManagerID != nil {
		return false, nil
	}
	id := managerID
	s.ReportingManagerID = &id
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *InMemory) takenLocked(companyID string, field Field, value string) bool {
	if value == "" {
		return false
	}
	for _, s := range m.staff {
		if s.CompanyID == companyID && s.IsActive && staffField(s, field) == value {
			return true
		}
	}
	return false
}

func staffField(s *Staff, f Field) string {
	switch f {
	case FieldEmail:
		return NormalizeEmail(s.Email)
	case FieldPhone:
		return NormalizePhone(s.Phone)
	default:
		return NormalizeUsername(s.Username)
	}
}

func matchesIdentifier(s *Staff, identifier string) bool {
	if identifier == "" {
		return false
	}
	if NormalizeUsername(s.Username) == NormalizeUsername(identifier) {
		return true
	}
	if s.Email != "" && NormalizeEmail(s.Email) == NormalizeEmail(identifier) {
		return true
	}
	phone := NormalizePhone(identifier)
	return phone != "" && s.Phone != "" && NormalizePhone(s.Phone) == phone
}

func cloneBranch(b *Branch) *Branch {
	cp := *b
	if b.ManagerID != nil {
		id := *b.ManagerID
		cp.ManagerID = &id
	}
	cp.WorkingDays = append([]string(nil), b.WorkingDays...)
	return &cp
}

func cloneStaff(s *Staff) *Staff {
	cp := *s
	if s.BranchID != nil {
		id := *s.BranchID
		cp.BranchID = &id
	}
	if s.ReportingManagerID != nil {
		id := *s.ReportingManagerID
		cp.ReportingManagerID = &id
	}
	return &cp
}
