package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const fallbackContentType = "video/mp4"

// Service orchestrates ingestion, listing, and content access. Processing is
// handed off to the Processor under procCtx, so an ingestion response never
// waits on pipeline progress and in-flight pipelines stop on shutdown.
type Service struct {
	store   Store
	blobs   BlobStore
	proc    *Processor
	log     *slog.Logger
	procCtx context.Context
}

// NewService wires the service. procCtx bounds the lifetime of background
// processing started by Ingest; cancel it to abandon in-flight pipelines.
func NewService(procCtx context.Context, store Store, blobs BlobStore, proc *Processor, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		blobs:   blobs,
		proc:    proc,
		log:     log,
		procCtx: procCtx,
	}
}

// Ingest stores the uploaded bytes and metadata all-or-nothing, then triggers
// processing fire-and-forget. On return the caller holds the created record;
// the state machine advances it independently.
func (s *Service) Ingest(ctx context.Context, owner Identity, originalName string, r io.Reader) (Asset, error) {
	storageName := fmt.Sprintf("%d-%s-%s",
		time.Now().UnixMilli(), uuid.NewString(), sanitizeName(originalName))

	size, err := s.blobs.Save(storageName, r)
	if err != nil {
		return Asset{}, fmt.Errorf("store upload: %w", err)
	}

	contentType := fallbackContentType
	if path := s.blobs.Path(storageName); path != "" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			contentType = mt.String()
		}
	}

	asset := Asset{
		ID:          uuid.NewString(),
		StorageName: storageName,
		DisplayName: originalName,
		SizeBytes:   size,
		ContentType: contentType,
		OwnerID:     owner.UserID,
		Status:      StatusUploaded,
		Stage:       StageQueued,
		Percent:     0,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAsset(ctx, asset); err != nil {
		// No partial asset: the blob must not stay referencable when the
		// metadata insert fails.
		if rmErr := s.blobs.Remove(storageName); rmErr != nil {
			s.log.Error("orphaned blob cleanup failed",
				slog.String("storage_name", storageName),
				slog.String("error", rmErr.Error()))
		}
		return Asset{}, fmt.Errorf("create asset: %w", err)
	}

	s.proc.Start(s.procCtx, asset.ID, asset.OwnerID)
	return asset, nil
}

// List returns the owner's assets, newest creation first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Asset, error) {
	return s.store.ListAssets(ctx, ownerID)
}

// OpenContent resolves an owned asset by storage name and opens its bytes.
// A missing asset, an ownership mismatch, and a missing blob behind existing
// metadata all yield ErrNotFound. The caller must close the handle.
func (s *Service) OpenContent(ctx context.Context, ownerID, storageName string) (Asset, io.ReadSeekCloser, int64, error) {
	asset, err := s.store.GetAssetByStorageName(ctx, ownerID, storageName)
	if err != nil {
		return Asset{}, nil, 0, err
	}

	// The blob, not the metadata, is authoritative for the byte length;
	// divergence between the two surfaces as NotFound.
	size, err := s.blobs.Size(storageName)
	if err != nil {
		return Asset{}, nil, 0, err
	}

	rc, err := s.blobs.Open(storageName)
	if err != nil {
		return Asset{}, nil, 0, err
	}
	return asset, rc, size, nil
}

// sanitizeName collapses whitespace runs to underscores and strips any path
// components from a client-supplied file name.
func sanitizeName(name string) string {
	name = strings.Join(strings.Fields(name), "_")
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "upload"
	}
	return name
}
