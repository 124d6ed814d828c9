package tenant

import (
	"context"
	"testing"
)

func snapshot(t *testing.T, store *InMemory, companyID string) (map[string]string, map[string]string) {
	t.Helper()
	ctx := context.Background()
	branches, err := store.ListBranches(ctx, companyID)
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	staff, err := store.ListStaff(ctx, companyID)
	if err != nil {
		t.Fatalf("ListStaff: %v", err)
	}
	managers := map[string]string{}
	for _, b := range branches {
		if b.ManagerID != nil {
			managers[b.ID] = *b.ManagerID
		}
	}
	reports := map[string]string{}
	for _, s := range staff {
		if s.ReportingManagerID != nil {
			reports[s.ID] = *s.ReportingManagerID
		}
	}
	return managers, reports
}

func TestResolveIsIdempotent(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	staff := []StaffInput{
		janeOwner(),
		{FirstName: "Asha", Email: "asha@x.com", Role: RoleBranchManager},
		{FirstName: "Vik", Email: "vik@x.com"},
	}
	res, err := newTestProvisioner(store).Provision(ctx, acmeCompany(), nil, staff)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	r := NewResolver(store)
	if err := r.Resolve(ctx, res.Branches, res.Staff); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m1, r1 := snapshot(t, store, res.Company.ID)

	branches, _ := store.ListBranches(ctx, res.Company.ID)
	members, _ := store.ListStaff(ctx, res.Company.ID)
	if err := r.Resolve(ctx, branches, members); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	m2, r2 := snapshot(t, store, res.Company.ID)

	if len(m1) != len(m2) || len(r1) != len(r2) {
		t.Fatalf("second run changed assignments: %v/%v vs %v/%v", m1, r1, m2, r2)
	}
	for k, v := range m1 {
		if m2[k] != v {
			t.Fatalf("branch %s manager changed", k)
		}
	}
	for k, v := range r1 {
		if r2[k] != v {
			t.Fatalf("staff %s reporting manager changed", k)
		}
	}
	if m1[res.Branches[0].ID] != res.Staff[1].ID {
		t.Fatalf("branch manager should be preferred over the owner")
	}
}

func TestResolveNeverSelfManages(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	staff := []StaffInput{
		janeOwner(),
		{Ref: "a", FirstName: "A", Email: "a@x.com", ReportingManagerID: "a"},
	}
	res, err := newTestProvisioner(store).Provision(ctx, acmeCompany(), nil, staff)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := NewResolver(store).Resolve(ctx, res.Branches, res.Staff); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	all, _ := store.ListStaff(ctx, res.Company.ID)
	for _, s := range all {
		if s.ReportingManagerID != nil && *s.ReportingManagerID == s.ID {
			t.Fatalf("staff %s manages itself", s.ID)
		}
	}
}

func TestResolveWithoutPrimaryAdmin(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	res, err := newTestProvisioner(store).Provision(ctx, acmeCompany(), nil, []StaffInput{{FirstName: "V", Email: "v@x.com"}})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := NewResolver(store).Resolve(ctx, res.Branches, res.Staff); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Staff[0].ReportingManagerID != nil || res.Branches[0].ManagerID != nil {
		t.Fatalf("nothing should be assigned without a qualifying staff member")
	}
}
