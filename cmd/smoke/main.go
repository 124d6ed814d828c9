package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"kaarya.org/internal/auth"
	"kaarya.org/internal/client"
)

func main() {
	log.SetFlags(0)
	var (
		base       = flag.String("url", envOr("KAARYA_API_URL", "http://localhost:8080"), "API base URL")
		companyID  = flag.String("company", "", "Company id scoping the identifier")
		identifier = flag.String("identifier", os.Getenv("KAARYA_SMOKE_IDENTIFIER"), "Username, email or phone")
		password   = flag.String("password", os.Getenv("KAARYA_SMOKE_PASSWORD"), "Password")
	)
	flag.Parse()
	if *identifier == "" || *password == "" {
		log.Fatal("missing credentials: provide -identifier and -password")
	}

	dir, err := os.MkdirTemp("", "kaarya-smoke-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	persister := client.NewFilePersister(filepath.Join(dir, "credentials.json"))
	api := client.NewHTTPClient(*base, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cache := client.New(api, persister)
	if state := cache.Start(ctx); state != client.StateUnauthenticated {
		log.Fatalf("fresh cache should start unauthenticated, got %s", state)
	}
	user, err := cache.Login(ctx, auth.LoginRequest{
		CompanyID:  *companyID,
		Identifier: *identifier,
		Password:   *password,
		Device:     auth.DeviceInfo{DeviceID: "smoke", DeviceName: "kaarya smoke test"},
	})
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	// A second cache restores the persisted blob and verifies it in the background.
	restored := client.New(api, persister)
	if state := restored.Start(ctx); state != client.StateAuthenticated {
		log.Fatalf("restore: expected authenticated, got %s", state)
	}
	restored.Wait()
	if snap := restored.Snapshot(); snap.State != client.StateAuthenticated {
		log.Fatalf("restored session failed verification: %s", snap.State)
	}

	before := restored.Snapshot().Tokens
	after, err := restored.Refresh(ctx)
	if err != nil {
		log.Fatalf("refresh: %v", err)
	}
	if after.RefreshToken == before.RefreshToken {
		log.Fatal("refresh did not rotate the refresh token")
	}
	if err := api.Verify(ctx, after.AccessToken); err != nil {
		log.Fatalf("verify rotated token: %v", err)
	}

	if err := restored.Logout(ctx); err != nil {
		log.Fatalf("logout: %v", err)
	}
	if err := api.Verify(ctx, after.AccessToken); auth.Kind(err) != auth.KindRevoked {
		log.Fatalf("expected revoked token after logout, got %v", err)
	}

	fmt.Printf("auth smoke test passed: staff=%s company=%s\n", user.ID, user.CompanyID)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
