package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ktheindifferent/upscaled/internal/imaging"
	"github.com/ktheindifferent/upscaled/internal/queue"
	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/pkg/types"
)

// fakeService scripts the core's responses so handler behavior can be
// tested without a real queue.
type fakeService struct {
	submitID  string
	submitErr error
	snap      queue.Snapshot
	statusErr error
	cancelErr error
	waitOut   *tensor.Tensor
	waitErr   error
	stats     queue.Stats
	models    []types.Model
	ready     bool

	lastCaller string
}

func (f *fakeService) Submit(caller string, input *tensor.Tensor) (string, error) {
	f.lastCaller = caller
	return f.submitID, f.submitErr
}
func (f *fakeService) Status(id string) (queue.Snapshot, error) { return f.snap, f.statusErr }
func (f *fakeService) Cancel(id string) error                   { return f.cancelErr }
func (f *fakeService) SubmitAndWait(ctx context.Context, caller string, input *tensor.Tensor, timeout time.Duration) (*tensor.Tensor, error) {
	f.lastCaller = caller
	return f.waitOut, f.waitErr
}
func (f *fakeService) Stats() queue.Stats       { return f.stats }
func (f *fakeService) ListModels() []types.Model { return f.models }
func (f *fakeService) ModelID() string           { return "bilinear" }
func (f *fakeService) Ready() bool               { return f.ready }

func pngPayload(t *testing.T) string {
	t.Helper()
	img := tensor.New(2, 2, 3)
	raw, err := imaging.EncodeBytes(img)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	svc := &fakeService{submitID: "job-123", ready: true}
	h := NewMux(svc, imaging.Codec{})

	rec := postJSON(t, h, "/jobs", types.SubmitRequest{Image: pngPayload(t)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp types.SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID != "job-123" || resp.State != types.JobQueued {
		t.Fatalf("resp = %+v", resp)
	}
	if svc.lastCaller != "anonymous" {
		t.Fatalf("caller = %q, want anonymous", svc.lastCaller)
	}
}

func TestCallerIdentityFromHeaders(t *testing.T) {
	svc := &fakeService{submitID: "x", ready: true}
	h := NewMux(svc, imaging.Codec{})

	body, _ := json.Marshal(types.SubmitRequest{Image: pngPayload(t)})

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "key-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if svc.lastCaller != "key-1" {
		t.Fatalf("caller = %q, want key-1", svc.lastCaller)
	}

	req = httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok-2")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if svc.lastCaller != "tok-2" {
		t.Fatalf("caller = %q, want tok-2", svc.lastCaller)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	h := NewMux(&fakeService{ready: true}, imaging.Codec{})

	// wrong content type
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("content type: status = %d", rec.Code)
	}

	// broken JSON
	req = httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("{nope")))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}

	// missing image
	if rec := postJSON(t, h, "/jobs", types.SubmitRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing image: status = %d", rec.Code)
	}

	// not base64
	if rec := postJSON(t, h, "/jobs", types.SubmitRequest{Image: "!!!"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad base64: status = %d", rec.Code)
	}

	// valid base64, not an image
	garbage := base64.StdEncoding.EncodeToString([]byte("not an image"))
	if rec := postJSON(t, h, "/jobs", types.SubmitRequest{Image: garbage}); rec.Code != http.StatusBadRequest {
		t.Fatalf("corrupt image: status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	payload := types.SubmitRequest{Image: pngPayload(t)}
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"rate limited", queue.ErrRateLimited("c", 1500 * time.Millisecond), http.StatusTooManyRequests},
		{"queue full", queue.ErrQueueFull(256), http.StatusTooManyRequests},
		{"invalid input", queue.ErrInvalidInput("bad"), http.StatusBadRequest},
		{"closed", queue.ErrQueueClosed(), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewMux(&fakeService{submitErr: tc.err, ready: true}, imaging.Codec{})
			rec := postJSON(t, h, "/jobs", payload)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d", rec.Code, tc.code)
			}
			var er types.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatalf("error body not JSON: %s", rec.Body)
			}
			if er.Code != tc.code || er.Error == "" {
				t.Fatalf("error payload = %+v", er)
			}
		})
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	h := NewMux(&fakeService{
		submitErr: queue.ErrRateLimited("c", 1500*time.Millisecond),
		ready:     true,
	}, imaging.Codec{})

	rec := postJSON(t, h, "/jobs", types.SubmitRequest{Image: pngPayload(t)})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	// 1.5s rounds up to 2.
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
}

func TestJobStatus(t *testing.T) {
	result := tensor.New(4, 4, 3)
	created := time.Now().Add(-2 * time.Second)
	svc := &fakeService{
		ready: true,
		snap: queue.Snapshot{
			ID:        "job-9",
			State:     types.JobSucceeded,
			Result:    result,
			Created:   created,
			Started:   created.Add(100 * time.Millisecond),
			Completed: created.Add(300 * time.Millisecond),
		},
	}
	h := NewMux(svc, imaging.Codec{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-9", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp types.JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != types.JobSucceeded || resp.Image == "" {
		t.Fatalf("resp = %+v", resp)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		t.Fatalf("image not base64: %v", err)
	}
	if _, err := imaging.DecodeBytes(raw); err != nil {
		t.Fatalf("image not decodable: %v", err)
	}
	if resp.QueueMs != 100 || resp.ProcessingMs != 200 {
		t.Fatalf("timings = %d/%d", resp.QueueMs, resp.ProcessingMs)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	h := NewMux(&fakeService{statusErr: queue.ErrJobNotFound("nope"), ready: true}, imaging.Codec{})
	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	h := NewMux(&fakeService{ready: true}, imaging.Codec{})
	req := httptest.NewRequest(http.MethodDelete, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestUpscaleSync(t *testing.T) {
	out := tensor.New(8, 8, 3)
	h := NewMux(&fakeService{waitOut: out, ready: true}, imaging.Codec{})

	rec := postJSON(t, h, "/upscale", types.SubmitRequest{Image: pngPayload(t), TimeoutMs: 1000})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp types.UpscaleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	md := resp.Metadata
	if md.OriginalWidth != 2 || md.OriginalHeight != 2 || md.UpscaledWidth != 8 || md.UpscaledHeight != 8 {
		t.Fatalf("metadata = %+v", md)
	}
	if md.ModelUsed != "bilinear" {
		t.Fatalf("model = %q", md.ModelUsed)
	}
	if resp.Image == "" {
		t.Fatal("missing result image")
	}
}

func TestUpscaleTimeout(t *testing.T) {
	h := NewMux(&fakeService{waitErr: queue.ErrWaitTimeout("j"), ready: true}, imaging.Codec{})
	rec := postJSON(t, h, "/upscale", types.SubmitRequest{Image: pngPayload(t)})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestModelsAndStatus(t *testing.T) {
	svc := &fakeService{
		ready:  true,
		models: []types.Model{{ID: "bilinear", Builtin: true}, {ID: "anime4x", Path: "/m/anime4x.rsw"}},
		stats:  queue.Stats{Workers: 4, Admitted: 10, Succeeded: 9, Failed: 1, Uptime: time.Minute},
	}
	h := NewMux(svc, imaging.Codec{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))
	var mr types.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &mr); err != nil {
		t.Fatal(err)
	}
	if len(mr.Models) != 2 {
		t.Fatalf("models = %+v", mr.Models)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var sr types.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sr); err != nil {
		t.Fatal(err)
	}
	if sr.State != "ready" || sr.Workers != 4 || sr.JobsAdmitted != 10 {
		t.Fatalf("status = %+v", sr)
	}
	if sr.Model != "bilinear" {
		t.Fatalf("model = %q", sr.Model)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ready := &fakeService{ready: true}
	h := NewMux(ready, imaging.Codec{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	closed := NewMux(&fakeService{ready: false}, imaging.Codec{})
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz closed = %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := NewMux(&fakeService{ready: true}, imaging.Codec{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
}
