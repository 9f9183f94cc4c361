package httpapi

import (
	"context"
	"encoding/base64"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ktheindifferent/upscaled/internal/infer"
	"github.com/ktheindifferent/upscaled/internal/queue"
	"github.com/ktheindifferent/upscaled/internal/resource"
	"github.com/ktheindifferent/upscaled/internal/tensor"
	"github.com/ktheindifferent/upscaled/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(caller string, input *tensor.Tensor) (string, error)
	Status(id string) (queue.Snapshot, error)
	Cancel(id string) error
	SubmitAndWait(ctx context.Context, caller string, input *tensor.Tensor, timeout time.Duration) (*tensor.Tensor, error)
	Stats() queue.Stats
	ListModels() []types.Model
	ModelID() string
	Ready() bool
}

// Decoder turns request image bytes into a tensor and back. The image
// codec is a collaborator; the API layer only moves bytes.
type Decoder interface {
	DecodeBytes(b []byte) (*tensor.Tensor, error)
	EncodeBytes(t *tensor.Tensor) ([]byte, error)
}

// callerIdentity extracts the per-request identity token. Unauthenticated
// requests share the anonymous bucket.
func callerIdentity(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return "anonymous"
}

// NewMux builds the router for the service.
func NewMux(svc Service, codec Decoder) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
		input, ok := decodeImageRequest(w, r, codec)
		if !ok {
			return
		}
		caller := callerIdentity(r)
		id, err := svc.Submit(caller, input.tensor)
		if err != nil {
			mapError(w, r, err)
			return
		}
		logRequest(r, "job submitted", id)
		writeJSON(w, http.StatusAccepted, types.SubmitResponse{JobID: id, State: types.JobQueued})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, err := svc.Status(id)
		if err != nil {
			mapError(w, r, err)
			return
		}
		resp := types.JobResponse{
			JobID:     snap.ID,
			State:     snap.State,
			Error:     snap.Err,
			CreatedAt: snap.Created.Unix(),
		}
		if !snap.Completed.IsZero() {
			resp.CompletedAt = snap.Completed.Unix()
			resp.QueueMs = snap.QueueDur().Milliseconds()
			resp.ProcessingMs = snap.RunDur().Milliseconds()
		}
		if snap.State == types.JobSucceeded && snap.Result != nil {
			png, err := codec.EncodeBytes(snap.Result)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to encode result")
				return
			}
			resp.Image = base64.StdEncoding.EncodeToString(png)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Delete("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Cancel(chi.URLParam(r, "id")); err != nil {
			mapError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/upscale", func(w http.ResponseWriter, r *http.Request) {
		input, ok := decodeImageRequest(w, r, codec)
		if !ok {
			return
		}
		caller := callerIdentity(r)
		timeout := time.Duration(input.req.TimeoutMs) * time.Millisecond
		// Join server base context with request context so shutdown cancels work too.
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		start := time.Now()
		out, err := svc.SubmitAndWait(joinedCtx, caller, input.tensor, timeout)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			mapError(w, r, err)
			return
		}
		png, err := codec.EncodeBytes(out)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode result")
			return
		}
		logRequest(r, "upscale done", "")
		writeJSON(w, http.StatusOK, types.UpscaleResponse{
			Image: base64.StdEncoding.EncodeToString(png),
			Metadata: types.UpscaleMetadata{
				OriginalWidth:  input.tensor.Dim(1),
				OriginalHeight: input.tensor.Dim(0),
				UpscaledWidth:  out.Dim(1),
				UpscaledHeight: out.Dim(0),
				ProcessingMs:   time.Since(start).Milliseconds(),
				ModelUsed:      svc.ModelID(),
			},
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st := svc.Stats()
		state := "ready"
		if !svc.Ready() {
			state = "closed"
		}
		writeJSON(w, http.StatusOK, types.StatusResponse{
			State:          state,
			Model:          svc.ModelID(),
			Workers:        st.Workers,
			QueueDepth:     st.QueueDepth,
			Outstanding:    st.Outstanding,
			JobsAdmitted:   st.Admitted,
			JobsRejected:   st.Rejected,
			JobsSucceeded:  st.Succeeded,
			JobsFailed:     st.Failed,
			JobsCancelled:  st.Cancelled,
			UptimeSeconds:  int64(st.Uptime.Seconds()),
			ServerTimeUnix: time.Now().Unix(),
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("closed"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodedInput pairs the parsed request with its decoded tensor.
type decodedInput struct {
	req    types.SubmitRequest
	tensor *tensor.Tensor
}

// decodeImageRequest parses and validates the JSON body shared by POST
// /jobs and POST /upscale. On failure it writes the error response and
// returns ok=false.
func decodeImageRequest(w http.ResponseWriter, r *http.Request, codec Decoder) (decodedInput, bool) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return decodedInput{}, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return decodedInput{}, false
	}
	if strings.TrimSpace(req.Image) == "" {
		writeJSONError(w, http.StatusBadRequest, "image is required")
		return decodedInput{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "image must be base64-encoded")
		return decodedInput{}, false
	}
	t, err := codec.DecodeBytes(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unsupported or corrupt image")
		return decodedInput{}, false
	}
	return decodedInput{req: req, tensor: t}, true
}

// mapError translates core errors to caller-visible status codes without
// leaking internal state.
func mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case queue.IsInvalidInput(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case queue.IsRateLimited(err):
		retry := int(math.Ceil(queue.RetryAfter(err).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		IncrementBackpressure("rate_limited")
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case queue.IsQueueFull(err):
		IncrementBackpressure("queue_full")
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case queue.IsJobNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case queue.IsWaitTimeout(err):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case queue.IsJobCancelled(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case queue.IsQueueClosed(err):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case infer.IsShapeMismatch(err):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case infer.IsNumericalFailure(err):
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	case resource.IsOutOfMemory(err), resource.IsBackendUnavailable(err):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if he, ok := err.(HTTPError); ok {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
	if zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Err(err)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("request rejected")
	}
}

func logRequest(r *http.Request, msg, jobID string) {
	if zlog == nil {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path)
	if jobID != "" {
		z = z.Str("job_id", jobID)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg(msg)
}
