package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"video-pipeline/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// DefaultMaxUploadBytes caps one upload at 2 GiB.
const DefaultMaxUploadBytes = 2 << 30

// Handler exposes the pipeline HTTP endpoints using go-chi.
type Handler struct {
	svc            *Service
	hub            *Broadcaster
	log            *slog.Logger
	metrics        *metrics.Metrics
	maxUploadBytes int64
	upgrader       websocket.Upgrader
}

// NewHandler returns a Handler using the given Service, Broadcaster, Logger,
// and optional Metrics. Metrics may be nil to disable metric recording
// (e.g. in tests). maxUploadBytes <= 0 takes DefaultMaxUploadBytes.
func NewHandler(svc *Service, hub *Broadcaster, log *slog.Logger, m *metrics.Metrics, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{
		svc:            svc,
		hub:            hub,
		log:            log,
		metrics:        m,
		maxUploadBytes: maxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens in middleware; browser clients connect from
			// arbitrary dev origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Upload handles POST /api/videos. The multipart field "video" carries the
// file; the response returns the created record without waiting on any
// processing outcome.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file received")
		return
	}
	defer file.Close()

	asset, err := h.svc.Ingest(r.Context(), id, header.Filename, file)
	if err != nil {
		h.log.Error("upload failed",
			slog.String("user_id", id.UserID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server error during upload")
		return
	}

	h.log.Info("asset ingested",
		slog.String("asset_id", asset.ID),
		slog.String("user_id", id.UserID),
		slog.Int64("size", asset.SizeBytes))
	if h.metrics != nil {
		h.metrics.IncUploads(asset.SizeBytes)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"videoId":  asset.ID,
		"fileInfo": asset,
	})
}

// List handles GET /api/videos: the owner's assets, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	assets, err := h.svc.List(r.Context(), id.UserID)
	if err != nil {
		h.log.Error("list failed",
			slog.String("user_id", id.UserID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to fetch videos")
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// Stream handles GET /api/videos/{storage_name}/stream, honoring single
// byte-range requests. Bytes are served for any existing owned asset
// regardless of processing stage; play gating on status is the client's
// concern.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	storageName := chi.URLParam(r, "storage_name")
	if storageName == "" {
		writeError(w, http.StatusBadRequest, "missing storage name")
		return
	}

	asset, src, size, err := h.svc.OpenContent(r.Context(), id.UserID, storageName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		h.log.Error("open content failed",
			slog.String("storage_name", storageName),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "streaming error")
		return
	}
	defer src.Close()

	contentType := asset.ContentType
	if contentType == "" {
		contentType = fallbackContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		h.copyBytes(w, src, size, asset.ID)
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if _, err := src.Seek(start, io.SeekStart); err != nil {
		h.log.Error("seek failed",
			slog.String("asset_id", asset.ID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "streaming error")
		return
	}

	chunk := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(chunk, 10))
	w.WriteHeader(http.StatusPartialContent)
	h.copyBytes(w, src, chunk, asset.ID)
}

// copyBytes streams n bytes to the client without buffering the whole window.
// A write failure means the client went away; the deferred Close above
// releases the blob handle either way.
func (h *Handler) copyBytes(w http.ResponseWriter, src io.Reader, n int64, assetID string) {
	if _, err := io.CopyN(w, src, n); err != nil {
		h.log.Debug("stream aborted",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()))
	}
}

// parseByteRange parses a single "bytes=start-end" header. Any range that is
// malformed or falls outside [0, size) is reported as unsatisfiable.
func parseByteRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, ErrRangeNotSatisfiable
	}

	first, rest, _ := strings.Cut(spec, "-")
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, ErrRangeNotSatisfiable
	}

	if rest == "" {
		end = size - 1
	} else if end, err = strconv.ParseInt(rest, 10, 64); err != nil {
		return 0, 0, ErrRangeNotSatisfiable
	}

	if start >= size || end >= size || end < start {
		return 0, 0, ErrRangeNotSatisfiable
	}
	return start, end, nil
}

// Frames exchanged on the progress websocket.
type wsJoinRequest struct {
	Action  string `json:"action"`
	AssetID string `json:"videoId"`
}

type wsJoinedFrame struct {
	Event   string `json:"event"`
	AssetID string `json:"videoId"`
}

type wsProgressFrame struct {
	Event   string `json:"event"`
	AssetID string `json:"videoId"`
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
}

// Subscribe handles GET /api/ws. The client joins any number of asset event
// groups by sending {"action":"join","videoId":...}; each join is acked with
// a "joined" frame and followed by pushed "processing:update" frames until
// the socket closes. A terminal frame (percent 100) is self-describing; no
// explicit close signal is sent.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := IdentityFrom(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "access token required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// One mutex serializes all writers on this connection: the join acks
	// written by the read loop and the per-subscription pumps.
	var writeMu sync.Mutex
	subs := make(map[string]*Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for {
		var join wsJoinRequest
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		if join.Action != "join" || join.AssetID == "" {
			continue
		}
		if _, joined := subs[join.AssetID]; joined {
			// Idempotent per connection: re-join only re-acks.
			writeFrame(conn, &writeMu, wsJoinedFrame{Event: "joined", AssetID: join.AssetID})
			continue
		}

		sub := h.hub.Subscribe(join.AssetID)
		subs[join.AssetID] = sub
		go func() {
			for ev := range sub.Events() {
				writeFrame(conn, &writeMu, wsProgressFrame{
					Event:   "processing:update",
					AssetID: ev.AssetID,
					Stage:   ev.Stage,
					Percent: ev.Percent,
				})
			}
		}()

		writeFrame(conn, &writeMu, wsJoinedFrame{Event: "joined", AssetID: join.AssetID})
		h.log.Debug("subscriber joined", slog.String("asset_id", join.AssetID))
	}
}

// writeFrame sends one JSON frame under the connection write lock. Errors are
// ignored: a dead connection is noticed by the read loop, which tears the
// subscriptions down.
func writeFrame(conn *websocket.Conn, mu *sync.Mutex, frame any) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteJSON(frame)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
