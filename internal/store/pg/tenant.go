package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kaarya.org/internal/tenant"
)

const companyColumns = `id, name, legal_name, registration_number, gstin, pan, email, phone, website, industry,
	address, branches_count, staff_count, is_active, created_at, updated_at`

const branchColumns = `id, company_id, name, code, address, phone, email, is_head_office, manager_id,
	opening_time, closing_time, working_days, is_active, created_at, updated_at`

const staffColumns = `id, company_id, branch_id, first_name, last_name, username, email, phone, password_hash,
	role, designation, department, date_of_birth, joining_date, reporting_manager_id,
	phone_verified, email_verified, is_active, created_at, updated_at`

func (s *Store) CreateCompany(ctx context.Context, c *tenant.Company) error {
	addr, err := json.Marshal(c.Address)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into companies(`+companyColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, c.ID, c.Name, c.LegalName, c.RegistrationNumber, c.GSTIN, c.PAN, c.Email, c.Phone, c.Website, c.Industry,
		addr, c.BranchesCount, c.StaffCount, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return tenantError(err, "company")
	}
	return nil
}

func (s *Store) GetCompany(ctx context.Context, id string) (*tenant.Company, error) {
	row := s.db.QueryRowContext(ctx, `select `+companyColumns+` from companies where id = $1`, id)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	return c, err
}

func (s *Store) DeleteCompany(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from companies where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "company", id)
}

func (s *Store) UpdateCounts(ctx context.Context, companyID string, branches, staff int) error {
	res, err := s.db.ExecContext(ctx, `
		update companies set branches_count = $2, staff_count = $3, updated_at = now()
		where id = $1
	`, companyID, branches, staff)
	if err != nil {
		return err
	}
	return requireRow(res, "company", companyID)
}

func (s *Store) IncrementStaffCount(ctx context.Context, companyID string) error {
	res, err := s.db.ExecContext(ctx, `
		update companies set staff_count = staff_count + 1, updated_at = now()
		where id = $1
	`, companyID)
	if err != nil {
		return err
	}
	return requireRow(res, "company", companyID)
}

func (s *Store) CreateBranches(ctx context.Context, branches []*tenant.Branch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range branches {
		addr, err := json.Marshal(b.Address)
		if err != nil {
			return err
		}
		days, err := json.Marshal(b.WorkingDays)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into branches(`+branchColumns+`)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, b.ID, b.CompanyID, b.Name, b.Code, addr, b.Phone, b.Email, b.IsHeadOffice, nullString(b.ManagerID),
			b.OpeningTime, b.ClosingTime, days, b.IsActive, b.CreatedAt, b.UpdatedAt); err != nil {
			return tenantError(err, "branch")
		}
	}
	return tx.Commit()
}

func (s *Store) ListBranches(ctx context.Context, companyID string) ([]*tenant.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+branchColumns+` from branches
		where company_id = $1
		order by created_at asc, id asc
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*tenant.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SetBranchManager(ctx context.Context, branchID, staffID string) (bool, error) {
	var branchCompany string
	var staffCompany sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select company_id, (select company_id from staff where id = $2) from branches where id = $1
	`, branchID, staffID).Scan(&branchCompany, &staffCompany)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tenant.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !staffCompany.Valid || staffCompany.String != branchCompany {
		return false, fmt.Errorf("%w: manager must belong to the branch company", tenant.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		update branches set manager_id = $2, updated_at = now()
		where id = $1 and manager_id is null
		  and company_id = (select company_id from staff where id = $2)
	`, branchID, staffID)
	if err != nil {
		return false, tenantError(err, "branch manager")
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) DeleteBranch(ctx context.Context, companyID, branchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `
		select 1 from branches where id = $1 and company_id = $2 for update
	`, branchID, companyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update staff set branch_id = null, updated_at = now() where branch_id = $1
	`, branchID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from branches where id = $1`, branchID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateStaff(ctx context.Context, st *tenant.Staff) error {
	_, err := s.db.ExecContext(ctx, `
		insert into staff(`+staffColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, st.ID, st.CompanyID, nullString(st.BranchID), st.FirstName, st.LastName, st.Username, st.Email, st.Phone,
		st.PasswordHash, string(st.Role), st.Designation, st.Department, nullTime(st.DateOfBirth), nullTime(st.JoiningDate),
		nullString(st.ReportingManagerID), st.PhoneVerified, st.EmailVerified, st.IsActive, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return tenantError(err, "staff")
	}
	return nil
}

func (s *Store) GetStaff(ctx context.Context, id string) (*tenant.Staff, error) {
	st, err := scanStaff(s.db.QueryRowContext(ctx, `select `+staffColumns+` from staff where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	return st, err
}

func (s *Store) ListStaff(ctx context.Context, companyID string) ([]*tenant.Staff, error) {
	return s.queryStaff(ctx, `
		select `+staffColumns+` from staff
		where company_id = $1
		order by created_at asc, id asc
	`, companyID)
}

func (s *Store) FindStaffByIdentifier(ctx context.Context, companyID, identifier string) ([]*tenant.Staff, error) {
	username := tenant.NormalizeUsername(identifier)
	email := tenant.NormalizeEmail(identifier)
	phone := tenant.NormalizePhone(identifier)
	if username == "" {
		return nil, nil
	}
	return s.queryStaff(ctx, `
		select `+staffColumns+` from staff
		where is_active
		  and ($1 = '' or company_id = $1)
		  and (lower(username) = $2
		       or (email <> '' and lower(email) = $3)
		       or ($4 <> '' and phone = $4))
		order by created_at asc, id asc
	`, companyID, username, email, phone)
}

func (s *Store) StaffFieldTaken(ctx context.Context, companyID string, field tenant.Field, value string) (bool, error) {
	value = tenant.NormalizeField(field, value)
	if value == "" {
		return false, nil
	}
	var expr string
	switch field {
	case tenant.FieldEmail:
		expr = "lower(email)"
	case tenant.FieldPhone:
		expr = "phone"
	case tenant.FieldUsername:
		expr = "lower(username)"
	default:
		return false, fmt.Errorf("%w: unknown field %q", tenant.ErrValidation, field)
	}
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from staff where company_id = $1 and is_active and `+expr+` = $2)
	`, companyID, value).Scan(&taken)
	return taken, err
}

func (s *Store) SetReportingManager(ctx context.Context, staffID, managerID string) (bool, error) {
	var companyID string
	var current sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select company_id, reporting_manager_id from staff where id = $1
	`, staffID).Scan(&companyID, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tenant.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if managerID == staffID {
		return false, fmt.Errorf("%w: reporting manager must be another staff member of the same company", tenant.ErrValidation)
	}
	var managerCompany string
	err = s.db.QueryRowContext(ctx, `select company_id from staff where id = $1`, managerID).Scan(&managerCompany)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && managerCompany != companyID) {
		return false, fmt.Errorf("%w: reporting manager must be another staff member of the same company", tenant.ErrValidation)
	}
	if err != nil {
		return false, err
	}
	if current.Valid {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		update staff set reporting_manager_id = $2, updated_at = now()
		where id = $1 and reporting_manager_id is null
	`, staffID, managerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) queryStaff(ctx context.Context, query string, args ...any) ([]*tenant.Staff, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*tenant.Staff
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", tenant.ErrNotFound, what, id)
	}
	return nil
}

func scanCompany(row scanner) (*tenant.Company, error) {
	var c tenant.Company
	var addr []byte
	if err := row.Scan(&c.ID, &c.Name, &c.LegalName, &c.RegistrationNumber, &c.GSTIN, &c.PAN, &c.Email, &c.Phone,
		&c.Website, &c.Industry, &addr, &c.BranchesCount, &c.StaffCount, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(addr, &c.Address); err != nil {
		return nil, fmt.Errorf("company %s address: %w", c.ID, err)
	}
	return &c, nil
}

func scanBranch(row scanner) (*tenant.Branch, error) {
	var b tenant.Branch
	var addr, days []byte
	var manager sql.NullString
	if err := row.Scan(&b.ID, &b.CompanyID, &b.Name, &b.Code, &addr, &b.Phone, &b.Email, &b.IsHeadOffice, &manager,
		&b.OpeningTime, &b.ClosingTime, &days, &b.IsActive, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(addr, &b.Address); err != nil {
		return nil, fmt.Errorf("branch %s address: %w", b.ID, err)
	}
	if err := unmarshalJSON(days, &b.WorkingDays); err != nil {
		return nil, fmt.Errorf("branch %s working days: %w", b.ID, err)
	}
	b.ManagerID = stringPtr(manager)
	return &b, nil
}

func scanStaff(row scanner) (*tenant.Staff, error) {
	var st tenant.Staff
	var role string
	var branch, manager sql.NullString
	var dob, joined sql.NullTime
	if err := row.Scan(&st.ID, &st.CompanyID, &branch, &st.FirstName, &st.LastName, &st.Username, &st.Email, &st.Phone,
		&st.PasswordHash, &role, &st.Designation, &st.Department, &dob, &joined, &manager,
		&st.PhoneVerified, &st.EmailVerified, &st.IsActive, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Role = tenant.Role(strings.TrimSpace(role))
	st.BranchID = stringPtr(branch)
	st.ReportingManagerID = stringPtr(manager)
	st.DateOfBirth = timePtr(dob)
	st.JoiningDate = timePtr(joined)
	return &st, nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
