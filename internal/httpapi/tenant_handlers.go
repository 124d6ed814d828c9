package httpapi

import (
	"fmt"
	"net/http"

	"kaarya.org/internal/audit"
	"kaarya.org/internal/auth"
	"kaarya.org/internal/tenant"
)

func (a *API) handleCompanyStaff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	companyID := r.PathValue("companyID")
	if _, err := requireManager(r, companyID); err != nil {
		handleError(w, r, err)
		return
	}
	var in tenant.StaffInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	staff, err := a.tenants.CreateStaff(r.Context(), companyID, in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "tenant.staff.created", map[string]any{
		"company_id": companyID,
		"created_id": staff.ID,
		"role":       staff.Role,
	})
	w.Header().Set("Location", fmt.Sprintf("/companies/%s/staff/%s", companyID, staff.ID))
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    auth.NewUser(staff),
	})
}

func (a *API) handleCompanyBranch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	companyID := r.PathValue("companyID")
	branchID := r.PathValue("branchID")
	if _, err := requireManager(r, companyID); err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.tenants.DeleteBranch(r.Context(), companyID, branchID); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "tenant.branch.deleted", map[string]any{
		"company_id": companyID,
		"branch_id":  branchID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
