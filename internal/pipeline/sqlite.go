package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assets (
	asset_id     TEXT PRIMARY KEY,
	storage_name TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	stage        TEXT NOT NULL,
	percent      INTEGER NOT NULL,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets(owner_id, created_at);

CREATE TABLE IF NOT EXISTS users (
	user_id       TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);
`

// NewSQLiteStore opens (creating if necessary) the database at dbPath and
// ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAsset implements Store.CreateAsset.
func (s *SQLiteStore) CreateAsset(ctx context.Context, a Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (asset_id, storage_name, display_name, size_bytes,
			content_type, owner_id, status, stage, percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StorageName, a.DisplayName, a.SizeBytes,
		a.ContentType, a.OwnerID, string(a.Status), string(a.Stage), a.Percent, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// GetAsset implements Store.GetAsset.
func (s *SQLiteStore) GetAsset(ctx context.Context, ownerID, assetID string) (Asset, error) {
	row := s.db.QueryRowContext(ctx,
		assetColumns+` WHERE asset_id = ? AND owner_id = ?`, assetID, ownerID)
	return scanAsset(row)
}

// GetAssetByStorageName implements Store.GetAssetByStorageName.
func (s *SQLiteStore) GetAssetByStorageName(ctx context.Context, ownerID, storageName string) (Asset, error) {
	row := s.db.QueryRowContext(ctx,
		assetColumns+` WHERE storage_name = ? AND owner_id = ?`, storageName, ownerID)
	return scanAsset(row)
}

// ListAssets implements Store.ListAssets.
func (s *SQLiteStore) ListAssets(ctx context.Context, ownerID string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		assetColumns+` WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	out := make([]Asset, 0)
	for rows.Next() {
		var a Asset
		var status, stage string
		if err := rows.Scan(&a.ID, &a.StorageName, &a.DisplayName, &a.SizeBytes,
			&a.ContentType, &a.OwnerID, &status, &stage, &a.Percent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		a.Status, a.Stage = Stage(status), Stage(stage)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateProgress implements Store.UpdateProgress. Zero matched rows is not an
// error: a vanished or reassigned asset makes the write a no-op.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, ownerID, assetID string, stage Stage, percent int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assets SET stage = ?, percent = ?
		WHERE asset_id = ? AND owner_id = ?`,
		string(stage), percent, assetID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// FinalizeAsset implements Store.FinalizeAsset.
func (s *SQLiteStore) FinalizeAsset(ctx context.Context, ownerID, assetID string, terminal Stage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assets SET stage = ?, status = ?, percent = 100
		WHERE asset_id = ? AND owner_id = ?`,
		string(terminal), string(terminal), assetID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("finalize asset: %w", err)
	}
	return nil
}

// CreateUser implements Store.CreateUser.
func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, email, name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail implements Store.GetUserByEmail.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, name, password_hash, created_at
		FROM users WHERE email = ?`, email)

	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

const assetColumns = `
	SELECT asset_id, storage_name, display_name, size_bytes,
		content_type, owner_id, status, stage, percent, created_at
	FROM assets`

func scanAsset(row *sql.Row) (Asset, error) {
	var a Asset
	var status, stage string
	err := row.Scan(&a.ID, &a.StorageName, &a.DisplayName, &a.SizeBytes,
		&a.ContentType, &a.OwnerID, &status, &stage, &a.Percent, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	a.Status, a.Stage = Stage(status), Stage(stage)
	return a, nil
}
