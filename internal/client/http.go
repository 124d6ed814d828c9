package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kaarya.org/internal/auth"
)

// API is the server surface the cache depends on.
type API interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.Credentials, error)
	// Verify returns nil when the access token is valid.
	Verify(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*auth.Credentials, error)
	Logout(ctx context.Context, sessionToken string) error
}

// HTTPClient calls the auth endpoints over HTTP.
type HTTPClient struct {
	base string
	http *http.Client
}

var _ API = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), http: hc}
}

type credentialsResponse struct {
	Success      bool       `json:"success"`
	Error        string     `json:"error"`
	Reason       string     `json:"reason"`
	User         *auth.User `json:"user"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	SessionToken string     `json:"sessionToken"`
	TokenType    string     `json:"tokenType"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

func (r credentialsResponse) credentials() *auth.Credentials {
	return &auth.Credentials{
		User:         r.User,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		SessionToken: r.SessionToken,
		TokenType:    r.TokenType,
		ExpiresAt:    r.ExpiresAt,
	}
}

func (c *HTTPClient) Login(ctx context.Context, req auth.LoginRequest) (*auth.Credentials, error) {
	body := map[string]any{
		"identifier": req.Identifier,
		"password":   req.Password,
		"deviceInfo": req.Device,
	}
	if req.CompanyID != "" {
		body["companyId"] = req.CompanyID
	}
	var out credentialsResponse
	status, err := c.do(ctx, "/auth/login", "", body, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK && out.Success:
		return out.credentials(), nil
	case status == http.StatusUnauthorized:
		return nil, auth.ErrUnauthorized
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", auth.ErrNotFound, out.Error)
	case status == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", auth.ErrInvalidInput, out.Error)
	default:
		return nil, fmt.Errorf("login: unexpected status %d: %s", status, out.Error)
	}
}

func (c *HTTPClient) Verify(ctx context.Context, accessToken string) error {
	var out struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	status, err := c.do(ctx, "/auth/verify", accessToken, nil, &out)
	if err != nil {
		return err
	}
	if status == http.StatusOK && out.Valid {
		return nil
	}
	if status == http.StatusUnauthorized || (status == http.StatusOK && !out.Valid) {
		return errorForReason(out.Reason)
	}
	return fmt.Errorf("verify: unexpected status %d", status)
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*auth.Credentials, error) {
	var out credentialsResponse
	status, err := c.do(ctx, "/auth/refresh", "", map[string]string{"refreshToken": refreshToken}, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK && out.Success:
		return out.credentials(), nil
	case status == http.StatusUnauthorized:
		return nil, errorForReason(out.Reason)
	default:
		return nil, fmt.Errorf("refresh: unexpected status %d: %s", status, out.Error)
	}
}

func (c *HTTPClient) Logout(ctx context.Context, sessionToken string) error {
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	status, err := c.do(ctx, "/auth/logout", "", map[string]string{"sessionToken": sessionToken}, &out)
	if err != nil {
		return err
	}
	if status != http.StatusOK || !out.Success {
		return fmt.Errorf("logout: unexpected status %d: %s", status, out.Error)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, path, bearer string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 500 {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// errorForReason turns the server's failure reason back into the auth sentinel.
func errorForReason(reason string) error {
	switch reason {
	case auth.KindExpired.String():
		return auth.ErrTokenExpired
	case auth.KindRevoked.String():
		return auth.ErrTokenRevoked
	case auth.KindWrongKind.String():
		return auth.ErrWrongTokenKind
	default:
		return auth.ErrInvalidToken
	}
}
