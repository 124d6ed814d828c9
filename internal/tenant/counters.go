package tenant

import (
	"context"

	"kaarya.org/internal/obs"
)

// Counters maintains the denormalized branch and staff counts on Company.
type Counters struct {
	store Store
}

func NewCounters(store Store) *Counters {
	return &Counters{store: store}
}

// Set overwrites both counters with authoritative values.
func (c *Counters) Set(ctx context.Context, companyID string, branches, staff int) error {
	return c.store.UpdateCounts(ctx, companyID, branches, staff)
}

// IncrementStaff adds one to staff_count. Failures are logged, never returned.
func (c *Counters) IncrementStaff(ctx context.Context, companyID string) {
	if err := c.store.IncrementStaffCount(ctx, companyID); err != nil {
		obs.Warn("staff count increment failed", map[string]any{
			"company_id": companyID,
			"error":      err,
		})
	}
}

// Recount recomputes both counters from the store. Failures are logged, never returned.
func (c *Counters) Recount(ctx context.Context, companyID string) {
	branches, err := c.store.ListBranches(ctx, companyID)
	if err == nil {
		var staff []*Staff
		staff, err = c.store.ListStaff(ctx, companyID)
		if err == nil {
			err = c.store.UpdateCounts(ctx, companyID, len(branches), countActive(staff))
		}
	}
	if err != nil {
		obs.Warn("company recount failed", map[string]any{
			"company_id": companyID,
			"error":      err,
		})
	}
}

func countActive(staff []*Staff) int {
	n := 0
	for _, s := range staff {
		if s.IsActive {
			n++
		}
	}
	return n
}
