package pipeline

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence abstraction for asset and user records.
// Implementations must make each individual update atomic; callers rely on
// readers seeing a self-consistent snapshot, not on strict serializability.
type Store interface {
	// CreateAsset inserts a new asset record.
	CreateAsset(ctx context.Context, a Asset) error

	// GetAsset returns the asset with the given id owned by ownerID.
	// A missing asset and an ownership mismatch both yield ErrNotFound.
	GetAsset(ctx context.Context, ownerID, assetID string) (Asset, error)

	// GetAssetByStorageName resolves an asset by its blob storage name,
	// scoped to ownerID. Missing and mis-owned both yield ErrNotFound.
	GetAssetByStorageName(ctx context.Context, ownerID, storageName string) (Asset, error)

	// ListAssets returns all assets owned by ownerID, newest creation first.
	ListAssets(ctx context.Context, ownerID string) ([]Asset, error)

	// UpdateProgress writes (stage, percent) for the asset identified by
	// (assetID, ownerID). If the asset no longer exists or has been
	// reassigned, the update is a no-op and returns nil: the processing
	// timer must never be aborted by a vanished record.
	UpdateProgress(ctx context.Context, ownerID, assetID string, stage Stage, percent int) error

	// FinalizeAsset performs the terminal transition: stage and status are
	// set to the same terminal value and percent to 100, in one update.
	// Same no-op semantics as UpdateProgress for a vanished record.
	FinalizeAsset(ctx context.Context, ownerID, assetID string, terminal Stage) error

	// CreateUser inserts a new account. A taken email yields ErrDuplicateEmail.
	CreateUser(ctx context.Context, u User) error

	// GetUserByEmail returns the account for email, or ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (User, error)
}

// InMemoryStore is a concurrency-safe in-memory Store. It backs tests and
// ephemeral deployments; SQLiteStore is the durable implementation.
type InMemoryStore struct {
	mu           sync.RWMutex
	assets       map[string]Asset // keyed by asset ID
	usersByEmail map[string]User
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		assets:       make(map[string]Asset),
		usersByEmail: make(map[string]User),
	}
}

// CreateAsset implements Store.CreateAsset.
func (s *InMemoryStore) CreateAsset(ctx context.Context, a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
	return nil
}

// GetAsset implements Store.GetAsset.
func (s *InMemoryStore) GetAsset(ctx context.Context, ownerID, assetID string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[assetID]
	if !ok || a.OwnerID != ownerID {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

// GetAssetByStorageName implements Store.GetAssetByStorageName.
func (s *InMemoryStore) GetAssetByStorageName(ctx context.Context, ownerID, storageName string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets {
		if a.StorageName == storageName && a.OwnerID == ownerID {
			return a, nil
		}
	}
	return Asset{}, ErrNotFound
}

// ListAssets implements Store.ListAssets.
func (s *InMemoryStore) ListAssets(ctx context.Context, ownerID string) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Asset, 0)
	for _, a := range s.assets {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateProgress implements Store.UpdateProgress.
func (s *InMemoryStore) UpdateProgress(ctx context.Context, ownerID, assetID string, stage Stage, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok || a.OwnerID != ownerID {
		return nil
	}
	a.Stage = stage
	a.Percent = percent
	s.assets[assetID] = a
	return nil
}

// FinalizeAsset implements Store.FinalizeAsset.
func (s *InMemoryStore) FinalizeAsset(ctx context.Context, ownerID, assetID string, terminal Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok || a.OwnerID != ownerID {
		return nil
	}
	a.Stage = terminal
	a.Status = terminal
	a.Percent = 100
	s.assets[assetID] = a
	return nil
}

// CreateUser implements Store.CreateUser.
func (s *InMemoryStore) CreateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.usersByEmail[u.Email]; taken {
		return ErrDuplicateEmail
	}
	s.usersByEmail[u.Email] = u
	return nil
}

// GetUserByEmail implements Store.GetUserByEmail.
func (s *InMemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}
