package tenant

import (
	"context"
	"errors"
	"time"
)

type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "hashed:" + p, nil }

var fixedNow = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

func newTestProvisioner(store Store) *Provisioner {
	return NewProvisioner(store, plainHasher{}, WithClock(func() time.Time { return fixedNow }))
}

func acmeCompany() CompanyInput {
	return CompanyInput{Name: "Acme Pvt Ltd", Email: "Ops@Acme.in", Phone: "+91 80 1234 5678"}
}

func janeOwner() StaffInput {
	return StaffInput{
		FirstName: "Jane", LastName: "Doe",
		Email: "jane@x.com", Phone: "+911234567890",
		Password: "P@ssw0rd1", Role: RoleSuperAdmin,
		PhoneVerified: true, EmailVerified: true,
	}
}

// failingStore wraps InMemory and fails selected writes.
type failingStore struct {
	*InMemory
	failBranches bool
	failManager  bool
	failStaffAt  int
	staffCalls   int
	conflicts    int
}

func (f *failingStore) CreateBranches(ctx context.Context, b []*Branch) error {
	if f.failBranches {
		return errors.New("boom")
	}
	return f.InMemory.CreateBranches(ctx, b)
}

func (f *failingStore) CreateStaff(ctx context.Context, s *Staff) error {
	f.staffCalls++
	if f.conflicts > 0 {
		f.conflicts--
		return &ConflictError{Field: FieldUsername, Value: s.Username}
	}
	if f.failStaffAt > 0 && f.staffCalls == f.failStaffAt {
		return errors.New("boom")
	}
	return f.InMemory.CreateStaff(ctx, s)
}

func (f *failingStore) SetReportingManager(ctx context.Context, staffID, managerID string) (bool, error) {
	if f.failManager {
		return false, errors.New("boom")
	}
	return f.InMemory.SetReportingManager(ctx, staffID, managerID)
}
