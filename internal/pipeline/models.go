package pipeline

import (
	"errors"
	"time"
)

// Stage is the fine-grained pipeline position of an asset.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageProcessing Stage = "processing"
	StageReady      Stage = "ready"
	StageFlagged    Stage = "flagged"

	// StatusUploaded is the coarse status an asset carries from creation
	// until its terminal transition mirrors the stage into status.
	StatusUploaded Stage = "uploaded"
)

// Terminal reports whether no further transitions leave the stage.
func (s Stage) Terminal() bool {
	return s == StageReady || s == StageFlagged
}

// Asset is the metadata record for one uploaded video. All fields except
// Stage, Status and Percent are immutable after creation; those three are
// mutated only by the Processor that owns the asset.
type Asset struct {
	ID          string    `json:"videoId"`
	StorageName string    `json:"filename"`
	DisplayName string    `json:"originalName"`
	SizeBytes   int64     `json:"size"`
	ContentType string    `json:"contentType"`
	OwnerID     string    `json:"userId"`
	Status      Stage     `json:"status"`
	Stage       Stage     `json:"processingStage"`
	Percent     int       `json:"processingPercent"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ProgressEvent is the ephemeral per-tick snapshot pushed to subscribers.
// It is never persisted; a client that misses one converges on its next poll.
type ProgressEvent struct {
	AssetID string `json:"videoId"`
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
}

// User is an identity-provider account. PasswordHash is a bcrypt hash and is
// never serialized.
type User struct {
	ID           string    `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

var (
	// ErrNotFound covers a missing asset, a missing blob, and an ownership
	// mismatch. The three are deliberately indistinguishable so callers
	// cannot probe for assets they do not own.
	ErrNotFound = errors.New("asset not found")

	// ErrRangeNotSatisfiable is returned when a requested byte window falls
	// outside [0, length).
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

	// ErrUnauthenticated is returned when no valid principal accompanies a
	// request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrDuplicateEmail is returned when registering an email that already
	// has an account.
	ErrDuplicateEmail = errors.New("user already exists")
)
