package tenant

import "context"

// Resolver fills weak references that can only be known once all staff exist.
// It never overwrites an existing assignment, so running it again is a no-op.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve assigns branch managers and default reporting managers. The slices are updated
// in place to mirror what was persisted.
func (r *Resolver) Resolve(ctx context.Context, branches []*Branch, staff []*Staff) error {
	for _, b := range branches {
		if b.ManagerID != nil {
			continue
		}
		mgr := branchManagerFor(b.ID, staff)
		if mgr == nil {
			continue
		}
		changed, err := r.store.SetBranchManager(ctx, b.ID, mgr.ID)
		if err != nil {
			return err
		}
		if changed {
			id := mgr.ID
			b.ManagerID = &id
		}
	}

	admin := primaryAdmin(staff)
	if admin == nil {
		return nil
	}
	for _, s := range staff {
		if s.Role == PrimaryAdminRole || s.ReportingManagerID != nil || s.ID == admin.ID {
			continue
		}
		changed, err := r.store.SetReportingManager(ctx, s.ID, admin.ID)
		if err != nil {
			return err
		}
		if changed {
			id := admin.ID
			s.ReportingManagerID = &id
		}
	}
	return nil
}

// branchManagerFor prefers a dedicated branch manager over the primary admin.
func branchManagerFor(branchID string, staff []*Staff) *Staff {
	var fallback *Staff
	for _, s := range staff {
		if s.BranchID == nil || *s.BranchID != branchID || !s.IsActive {
			continue
		}
		switch s.Role {
		case RoleBranchManager:
			return s
		case PrimaryAdminRole:
			if fallback == nil {
				fallback = s
			}
		}
	}
	return fallback
}
