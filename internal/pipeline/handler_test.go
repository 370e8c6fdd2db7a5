package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	router *chi.Mux
	store  *InMemoryStore
	blobs  *FSBlobStore
	hub    *Broadcaster
	auth   *Auth
}

func newTestEnv(t *testing.T, cfg ProcessorConfig) *testEnv {
	t.Helper()

	store := NewInMemoryStore()
	blobs, err := NewFSBlobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := quietLogger()
	hub := NewBroadcaster()
	proc := NewProcessor(store, hub, log, nil, cfg)
	svc := NewService(procCtx, store, blobs, proc, log)
	auth := NewAuth(store, log, "test-secret", time.Hour)
	h := NewHandler(svc, hub, log, nil, 0)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", auth.Register)
		r.Post("/auth/login", auth.Login)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Post("/videos", h.Upload)
			r.Get("/videos", h.List)
			r.Get("/videos/{storage_name}/stream", h.Stream)
			r.Get("/ws", h.Subscribe)
		})
	})

	return &testEnv{router: r, store: store, blobs: blobs, hub: hub, auth: auth}
}

// idleConfig keeps the state machine from ticking during tests that only
// exercise the request path.
func idleConfig() ProcessorConfig {
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	return cfg
}

func (e *testEnv) tokenFor(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := e.auth.signToken(User{ID: userID, Email: email})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func multipartVideo(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("video", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	VideoID  string `json:"videoId"`
	FileInfo Asset  `json:"fileInfo"`
}

func (e *testEnv) upload(t *testing.T, token, filename string, content []byte) uploadResponse {
	t.Helper()
	body, contentType := multipartVideo(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func makeContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func TestHandler_Upload(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	token := env.tokenFor(t, "alice", "a@example.com")

	content := makeContent(4096)
	resp := env.upload(t, token, "my clip.mp4", content)

	if !resp.Success || resp.VideoID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	info := resp.FileInfo
	if info.Stage != StageQueued || info.Percent != 0 || info.Status != StatusUploaded {
		t.Errorf("initial state: %+v", info)
	}
	if info.OwnerID != "alice" || info.DisplayName != "my clip.mp4" || info.SizeBytes != 4096 {
		t.Errorf("metadata: %+v", info)
	}
	if strings.Contains(info.StorageName, " ") {
		t.Errorf("storage name has whitespace: %q", info.StorageName)
	}

	size, err := env.blobs.Size(info.StorageName)
	if err != nil || size != 4096 {
		t.Errorf("stored blob: size=%d err=%v", size, err)
	}

	t.Run("missing_file_field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader("nope"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		body, contentType := multipartVideo(t, "x.mp4", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/api/videos", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}

func TestHandler_List(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	token := env.tokenFor(t, "alice", "a@example.com")

	first := env.upload(t, token, "first.mp4", []byte("aaaa"))
	time.Sleep(5 * time.Millisecond) // distinct CreatedAt
	second := env.upload(t, token, "second.mp4", []byte("bbbb"))

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var assets []Asset
	if err := json.Unmarshal(rec.Body.Bytes(), &assets); err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	if assets[0].ID != second.VideoID || assets[1].ID != first.VideoID {
		t.Errorf("expected newest first, got %s then %s", assets[0].ID, assets[1].ID)
	}

	t.Run("other_principal_sees_nothing", func(t *testing.T) {
		otherToken := env.tokenFor(t, "bob", "b@example.com")
		req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
		req.Header.Set("Authorization", "Bearer "+otherToken)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		var assets []Asset
		_ = json.Unmarshal(rec.Body.Bytes(), &assets)
		if len(assets) != 0 {
			t.Errorf("expected empty list, got %d assets", len(assets))
		}
	})
}

func (e *testEnv) stream(t *testing.T, token, storageName, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/videos/"+storageName+"/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Stream(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	token := env.tokenFor(t, "alice", "a@example.com")
	content := makeContent(100_000)
	up := env.upload(t, token, "clip.mp4", content)
	name := up.FileInfo.StorageName
	length := int64(len(content))

	t.Run("no_range_full_content", func(t *testing.T) {
		rec := env.stream(t, token, name, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Header().Get("Accept-Ranges") != "bytes" {
			t.Error("missing Accept-Ranges header")
		}
		if rec.Header().Get("Content-Length") != fmt.Sprint(length) {
			t.Errorf("Content-Length: %s", rec.Header().Get("Content-Length"))
		}
		if !bytes.Equal(rec.Body.Bytes(), content) {
			t.Error("body differs from stored content")
		}
	})

	t.Run("explicit_full_range_same_bytes", func(t *testing.T) {
		rec := env.stream(t, token, name, fmt.Sprintf("bytes=0-%d", length-1))
		if rec.Code != http.StatusPartialContent {
			t.Fatalf("expected 206, got %d", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), content) {
			t.Error("full-range body differs from no-range body")
		}
	})

	t.Run("mid_window", func(t *testing.T) {
		rec := env.stream(t, token, name, "bytes=5000-5999")
		if rec.Code != http.StatusPartialContent {
			t.Fatalf("expected 206, got %d", rec.Code)
		}
		wantRange := fmt.Sprintf("bytes 5000-5999/%d", length)
		if got := rec.Header().Get("Content-Range"); got != wantRange {
			t.Errorf("Content-Range: got %q, want %q", got, wantRange)
		}
		if rec.Body.Len() != 1000 {
			t.Fatalf("body length: %d", rec.Body.Len())
		}
		if !bytes.Equal(rec.Body.Bytes(), content[5000:6000]) {
			t.Error("window bytes differ")
		}
	})

	t.Run("open_ended_range", func(t *testing.T) {
		rec := env.stream(t, token, name, fmt.Sprintf("bytes=%d-", length-100))
		if rec.Code != http.StatusPartialContent {
			t.Fatalf("expected 206, got %d", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), content[length-100:]) {
			t.Error("tail bytes differ")
		}
	})

	t.Run("end_past_length_unsatisfiable", func(t *testing.T) {
		rec := env.stream(t, token, name, fmt.Sprintf("bytes=0-%d", length))
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("expected 416, got %d", rec.Code)
		}
		want := fmt.Sprintf("bytes */%d", length)
		if got := rec.Header().Get("Content-Range"); got != want {
			t.Errorf("Content-Range: got %q, want %q", got, want)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("416 must carry no body, got %d bytes", rec.Body.Len())
		}
	})

	t.Run("start_past_length_unsatisfiable", func(t *testing.T) {
		rec := env.stream(t, token, name, fmt.Sprintf("bytes=%d-", length))
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("expected 416, got %d", rec.Code)
		}
	})

	t.Run("malformed_range_unsatisfiable", func(t *testing.T) {
		rec := env.stream(t, token, name, "bytes=tail-end")
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("expected 416, got %d", rec.Code)
		}
	})

	t.Run("other_principal_not_found", func(t *testing.T) {
		otherToken := env.tokenFor(t, "bob", "b@example.com")
		rec := env.stream(t, otherToken, name, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("ownership mismatch must be 404, got %d", rec.Code)
		}
	})

	t.Run("unknown_name_not_found", func(t *testing.T) {
		rec := env.stream(t, token, "no-such-blob.mp4", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("metadata_without_blob_not_found", func(t *testing.T) {
		orphan := env.upload(t, token, "orphan.mp4", []byte("zzzz"))
		if err := env.blobs.Remove(orphan.FileInfo.StorageName); err != nil {
			t.Fatal(err)
		}
		rec := env.stream(t, token, orphan.FileInfo.StorageName, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("blob divergence must be 404, got %d", rec.Code)
		}
	})
}

func TestHandler_Stream_concurrent_disjoint_windows(t *testing.T) {
	env := newTestEnv(t, idleConfig())
	token := env.tokenFor(t, "alice", "a@example.com")
	content := makeContent(400_000)
	up := env.upload(t, token, "clip.mp4", content)
	name := up.FileInfo.StorageName

	const windows = 4
	const windowSize = 100_000

	var wg sync.WaitGroup
	errCh := make(chan error, windows)
	for i := 0; i < windows; i++ {
		start := int64(i * windowSize)
		end := start + windowSize - 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.stream(t, token, name, fmt.Sprintf("bytes=%d-%d", start, end))
			if rec.Code != http.StatusPartialContent {
				errCh <- fmt.Errorf("window %d-%d: status %d", start, end, rec.Code)
				return
			}
			want := sha256.Sum256(content[start : end+1])
			got := sha256.Sum256(rec.Body.Bytes())
			if want != got {
				errCh <- fmt.Errorf("window %d-%d: content hash mismatch", start, end)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

// TestHandler_EndToEnd covers the full ingestion-to-delivery path: register,
// upload a 1,000,000-byte asset, follow its progress over the websocket to a
// terminal stage, then issue a range request against the finished asset.
func TestHandler_EndToEnd(t *testing.T) {
	cfg := ProcessorConfig{
		InitialDelay:    300 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
		StepMin:         15,
		StepMax:         25,
		FlagProbability: 0,
		RetryBackoff:    time.Millisecond,
	}
	env := newTestEnv(t, cfg)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	// Register over HTTP like a real client.
	regBody, _ := json.Marshal(map[string]string{
		"email": "a@example.com", "password": "hunter22", "name": "Alice",
	})
	regResp, err := http.Post(srv.URL+"/api/auth/register", "application/json", bytes.NewReader(regBody))
	if err != nil {
		t.Fatal(err)
	}
	defer regResp.Body.Close()
	var reg authResponse
	if err := json.NewDecoder(regResp.Body).Decode(&reg); err != nil {
		t.Fatal(err)
	}

	// Upload 1,000,000 bytes.
	content := makeContent(1_000_000)
	body, contentType := multipartVideo(t, "movie.mp4", content)
	upReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/videos", body)
	upReq.Header.Set("Content-Type", contentType)
	upReq.Header.Set("Authorization", "Bearer "+reg.Token)
	upHTTPResp, err := http.DefaultClient.Do(upReq)
	if err != nil {
		t.Fatal(err)
	}
	defer upHTTPResp.Body.Close()
	var up uploadResponse
	if err := json.NewDecoder(upHTTPResp.Body).Decode(&up); err != nil {
		t.Fatal(err)
	}

	// Join the asset's event group before the first tick.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + reg.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsJoinRequest{Action: "join", AssetID: up.VideoID}); err != nil {
		t.Fatal(err)
	}

	type frame struct {
		Event   string `json:"event"`
		AssetID string `json:"videoId"`
		Stage   Stage  `json:"stage"`
		Percent int    `json:"percent"`
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var first frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Event != "joined" || first.AssetID != up.VideoID {
		t.Fatalf("expected joined ack, got %+v", first)
	}

	prev := -1
	var last frame
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read progress frame: %v", err)
		}
		if f.Event != "processing:update" || f.AssetID != up.VideoID {
			t.Fatalf("unexpected frame: %+v", f)
		}
		if f.Percent < prev || f.Percent < 0 || f.Percent > 100 {
			t.Fatalf("percent %d after %d", f.Percent, prev)
		}
		prev = f.Percent
		last = f
		if f.Stage.Terminal() {
			break
		}
	}
	if last.Percent != 100 || last.Stage != StageReady {
		t.Fatalf("terminal frame: %+v", last)
	}

	// The persisted record must agree with the last event.
	stored, err := env.store.GetAsset(context.Background(), reg.User.ID, up.VideoID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Stage != last.Stage || stored.Status != last.Stage || stored.Percent != 100 {
		t.Errorf("persisted state diverges from terminal event: %+v", stored)
	}

	// Range request against the finished asset.
	rangeReq, _ := http.NewRequest(http.MethodGet,
		srv.URL+"/api/videos/"+up.FileInfo.StorageName+"/stream", nil)
	rangeReq.Header.Set("Authorization", "Bearer "+reg.Token)
	rangeReq.Header.Set("Range", "bytes=500000-599999")
	rangeResp, err := http.DefaultClient.Do(rangeReq)
	if err != nil {
		t.Fatal(err)
	}
	defer rangeResp.Body.Close()

	if rangeResp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rangeResp.StatusCode)
	}
	if got := rangeResp.Header.Get("Content-Range"); got != "bytes 500000-599999/1000000" {
		t.Errorf("Content-Range: %q", got)
	}
	window, err := io.ReadAll(rangeResp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 100_000 {
		t.Fatalf("window length: %d", len(window))
	}
	if !bytes.Equal(window, content[500000:600000]) {
		t.Error("window bytes differ from source")
	}
}
