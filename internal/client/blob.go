package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kaarya.org/internal/auth"
)

// Tokens is the credential triple kept by the cache.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SessionToken string `json:"sessionToken"`
}

// Blob is the persisted credential state.
type Blob struct {
	User     *auth.User `json:"user"`
	Tokens   Tokens     `json:"tokens"`
	StoredAt time.Time  `json:"storedAt"`
}

// Expired reports whether the blob is older than ttl at now, regardless of token expiry.
func (b *Blob) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(b.StoredAt.Add(ttl))
}

// Persister loads and stores the blob. Load returns nil, nil when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (*Blob, error)
	Save(ctx context.Context, b *Blob) error
	Clear(ctx context.Context) error
}

// FilePersister keeps the blob in a JSON file readable only by the owner.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Load(context.Context) (*Blob, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &b, nil
}

func (p *FilePersister) Save(_ context.Context, b *Blob) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, p.path)
}

func (p *FilePersister) Clear(context.Context) error {
	err := os.Remove(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryPersister keeps the blob in process.
type MemoryPersister struct {
	mu   sync.Mutex
	blob *Blob
}

func (p *MemoryPersister) Load(context.Context) (*Blob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blob == nil {
		return nil, nil
	}
	cp := *p.blob
	return &cp, nil
}

func (p *MemoryPersister) Save(_ context.Context, b *Blob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *b
	p.blob = &cp
	return nil
}

func (p *MemoryPersister) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = nil
	return nil
}
