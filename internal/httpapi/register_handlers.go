package httpapi

import (
	"net/http"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/registration"
	"kaarya.org/internal/tenant"
)

type registrationData struct {
	Company     *tenant.Company `json:"company"`
	UserCount   int             `json:"userCount"`
	BranchCount int             `json:"branchCount"`
	AutoLogin   bool            `json:"autoLogin"`
	User        *auth.User      `json:"user"`
}

type registrationAuth struct {
	User         *auth.User `json:"user"`
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken"`
	SessionToken string     `json:"sessionToken"`
}

type registrationResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    registrationData  `json:"data"`
	Auth    *registrationAuth `json:"auth"`
}

func (a *API) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.registry == nil {
		writeError(w, r, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	var req registration.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Device = deviceFromRequest(r, req.Device)

	res, err := a.registry.Complete(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	user := auth.NewUser(res.Owner)
	out := registrationResponse{
		Success: true,
		Message: "Registration completed successfully",
		Data: registrationData{
			Company:     res.Company,
			UserCount:   len(res.Staff),
			BranchCount: len(res.Branches),
			AutoLogin:   res.AutoLogin(),
			User:        user,
		},
	}
	if res.AutoLogin() {
		out.Auth = &registrationAuth{
			User:         user,
			Token:        res.Credentials.AccessToken,
			RefreshToken: res.Credentials.RefreshToken,
			SessionToken: res.Credentials.SessionToken,
		}
		a.setAuthCookies(w, res.Credentials)
	} else {
		out.Message = "Registration completed. Please log in."
	}
	writeJSON(w, http.StatusCreated, out)
}
