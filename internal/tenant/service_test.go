package tenant

import (
	"context"
	"errors"
	"testing"
)

func provisionAcme(t *testing.T, store Store) *Result {
	t.Helper()
	ctx := context.Background()
	res, err := newTestProvisioner(store).Provision(ctx, acmeCompany(), nil, []StaffInput{janeOwner()})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := NewCounters(store).Set(ctx, res.Company.ID, len(res.Branches), len(res.Staff)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	return res
}

func TestServiceCreateStaff(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	res := provisionAcme(t, store)
	svc := NewService(store, plainHasher{})

	st, err := svc.CreateStaff(ctx, res.Company.ID, StaffInput{FirstName: "Ravi", Email: "ravi@x.com", JoiningDate: "2024-01-15"})
	if err != nil {
		t.Fatalf("CreateStaff: %v", err)
	}
	if st.ReportingManagerID == nil || *st.ReportingManagerID != res.Staff[0].ID {
		t.Fatalf("expected owner as reporting manager")
	}
	if st.BranchID == nil || *st.BranchID != res.Branches[0].ID {
		t.Fatalf("expected first branch")
	}
	if st.JoiningDate == nil || st.JoiningDate.Format("2006-01-02") != "2024-01-15" {
		t.Fatalf("joining date = %v", st.JoiningDate)
	}
	c, _ := store.GetCompany(ctx, res.Company.ID)
	if c.StaffCount != 2 {
		t.Fatalf("staff count = %d, want 2", c.StaffCount)
	}
}

func TestServiceCreateStaffKeepsCountWhenManagerLinkFails(t *testing.T) {
	store := &failingStore{InMemory: NewInMemory()}
	ctx := context.Background()
	res := provisionAcme(t, store)
	store.failManager = true
	svc := NewService(store, plainHasher{})

	st, err := svc.CreateStaff(ctx, res.Company.ID, StaffInput{FirstName: "Ravi", Email: "ravi@x.com"})
	if err != nil {
		t.Fatalf("CreateStaff: %v", err)
	}
	if st.ReportingManagerID != nil {
		t.Fatalf("manager should stay unset, got %v", *st.ReportingManagerID)
	}
	if _, err := store.GetStaff(ctx, st.ID); err != nil {
		t.Fatalf("staff row missing: %v", err)
	}
	c, _ := store.GetCompany(ctx, res.Company.ID)
	if c.StaffCount != 2 {
		t.Fatalf("staff count = %d, want 2", c.StaffCount)
	}
}

func TestServiceCreateStaffConflict(t *testing.T) {
	store := NewInMemory()
	res := provisionAcme(t, store)
	svc := NewService(store, plainHasher{})
	_, err := svc.CreateStaff(context.Background(), res.Company.ID, StaffInput{FirstName: "J", Email: "JANE@x.com"})
	if field, ok := ConflictField(err); !ok || field != FieldEmail {
		t.Fatalf("expected email conflict, got %v", err)
	}
}

func TestServiceCreateStaffUnknownCompany(t *testing.T) {
	svc := NewService(NewInMemory(), plainHasher{})
	_, err := svc.CreateStaff(context.Background(), "missing", StaffInput{FirstName: "J", Email: "j@x.com"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceCreateStaffForeignManager(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	a := provisionAcme(t, store)
	other, err := newTestProvisioner(store).Provision(ctx,
		CompanyInput{Name: "Other", Email: "o@o.in", Phone: "999"}, nil,
		[]StaffInput{{FirstName: "O", Email: "o@o.in", Role: RoleSuperAdmin}})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	svc := NewService(store, plainHasher{})
	_, err = svc.CreateStaff(ctx, a.Company.ID, StaffInput{FirstName: "X", Email: "x@x.com", ReportingManagerID: other.Staff[0].ID})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type countFailStore struct{ *InMemory }

func (countFailStore) IncrementStaffCount(context.Context, string) error {
	return errors.New("counter down")
}

func TestServiceCreateStaffIgnoresCounterFailure(t *testing.T) {
	store := countFailStore{NewInMemory()}
	res := provisionAcme(t, store)
	svc := NewService(store, plainHasher{})
	if _, err := svc.CreateStaff(context.Background(), res.Company.ID, StaffInput{FirstName: "R", Email: "r@x.com"}); err != nil {
		t.Fatalf("counter failure must not fail staff creation: %v", err)
	}
}

func TestServiceDeleteBranchUnassignsStaff(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	res, err := newTestProvisioner(store).Provision(ctx, acmeCompany(),
		[]BranchInput{{Name: "HQ", IsHeadOffice: true}, {Ref: "b", Name: "Second"}},
		[]StaffInput{janeOwner(), {FirstName: "R", Email: "r@x.com", BranchID: "b"}})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	svc := NewService(store, plainHasher{})
	if err := svc.DeleteBranch(ctx, res.Company.ID, res.Branches[1].ID); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	st, _ := store.GetStaff(ctx, res.Staff[1].ID)
	if st.BranchID != nil {
		t.Fatalf("staff still references deleted branch")
	}
	all, _ := store.ListStaff(ctx, res.Company.ID)
	branches, _ := store.ListBranches(ctx, res.Company.ID)
	valid := map[string]bool{}
	for _, b := range branches {
		valid[b.ID] = true
	}
	for _, s := range all {
		if s.BranchID != nil && !valid[*s.BranchID] {
			t.Fatalf("staff %s references a missing branch", s.ID)
		}
	}
	c, _ := store.GetCompany(ctx, res.Company.ID)
	if c.BranchesCount != 1 || c.StaffCount != 2 {
		t.Fatalf("counts = %d/%d", c.BranchesCount, c.StaffCount)
	}
	if err := svc.DeleteBranch(ctx, res.Company.ID, res.Branches[1].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestCheckerNormalizes(t *testing.T) {
	store := NewInMemory()
	res := provisionAcme(t, store)
	c := NewChecker(store)
	taken, err := c.Taken(context.Background(), res.Company.ID, FieldPhone, "+91 12345 67890")
	if err != nil || !taken {
		t.Fatalf("expected phone taken, got %v %v", taken, err)
	}
	taken, _ = c.Taken(context.Background(), "other", FieldPhone, "+911234567890")
	if taken {
		t.Fatalf("uniqueness is per company")
	}
}
