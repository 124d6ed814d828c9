package tenant

import "context"

// Checker answers per-company uniqueness questions ahead of inserts.
// A clean answer is advisory only: the store's insert is the authoritative guard.
type Checker struct {
	store Store
}

func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// Taken reports whether value collides for field among active staff of companyID.
func (c *Checker) Taken(ctx context.Context, companyID string, field Field, value string) (bool, error) {
	value = NormalizeField(field, value)
	if value == "" {
		return false, nil
	}
	return c.store.StaffFieldTaken(ctx, companyID, field, value)
}

// Check returns a *ConflictError for the first colliding attribute of in.
func (c *Checker) Check(ctx context.Context, companyID string, in StaffInput) error {
	for _, f := range []struct {
		field Field
		value string
	}{
		{FieldUsername, in.Username},
		{FieldEmail, in.Email},
		{FieldPhone, in.Phone},
	} {
		taken, err := c.Taken(ctx, companyID, f.field, f.value)
		if err != nil {
			return err
		}
		if taken {
			return &ConflictError{Field: f.field, Value: NormalizeField(f.field, f.value)}
		}
	}
	return nil
}
