// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/auth"
	"github.com/withDustin/targeek-image-server/internal/content"
	"github.com/withDustin/targeek-image-server/internal/delivery"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
	"github.com/withDustin/targeek-image-server/internal/queue"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/transform"
)

// sniffLen is how much of each upload is kept for content type detection.
const sniffLen = 3072

// multipartOverhead is the body allowance on top of the file payloads.
const multipartOverhead = 1 << 20

// Enqueuer hands keys to the background pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Processor runs the derivative pipeline inline.
type Processor interface {
	Process(ctx context.Context, key string, report func(percent int)) error
}

// Config holds upload limits.
type Config struct {
	MaxUploadFiles     int
	MaxFileSize        int64
	DelayAfterUploaded time.Duration
}

// UploadedFile is one entry of the upload response.
type UploadedFile struct {
	Key          string `json:"key"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	Location     string `json:"location"`

	image bool
	fresh bool
}

// ErrorResponse is the JSON body of API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	resolver  *storage.Resolver
	addresser *content.Addresser
	delivery  *delivery.Service
	jobs      Enqueuer
	processor Processor
	auth      *auth.Auth
	cfg       Config
}

// NewServer creates a new server. When jobs is nil, uploads are processed
// inline by processor. When authHandler is nil, uploads are open.
func NewServer(
	resolver *storage.Resolver,
	addresser *content.Addresser,
	deliverySvc *delivery.Service,
	jobs Enqueuer,
	processor Processor,
	authHandler *auth.Auth,
	cfg Config,
) *Server {
	if cfg.MaxUploadFiles <= 0 {
		cfg.MaxUploadFiles = 10
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 20
	}
	return &Server{
		resolver:  resolver,
		addresser: addresser,
		delivery:  deliverySvc,
		jobs:      jobs,
		processor: processor,
		auth:      authHandler,
		cfg:       cfg,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	var upload http.Handler = http.HandlerFunc(s.handleUpload)
	if s.auth != nil {
		upload = s.auth.Middleware(upload)
	}
	mux.Handle("PUT /images", upload)
	mux.Handle("POST /images", upload)

	mux.HandleFunc("GET /{key}", s.handleRead)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"remote": "ok"}
	status := http.StatusOK

	if err := s.resolver.Remote().Ping(ctx); err != nil {
		checks["remote"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.jobs != nil {
		if _, err := s.jobs.Stats(ctx); err != nil {
			checks["queue"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["queue"] = "ok"
		}
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"status": state, "checks": checks})
}

// ─── Read path ──────────────────────────────────────────────────────────────

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	params := delivery.ParseParams(r.URL.Query())

	resp, err := s.delivery.Serve(r.Context(), key, params)
	if err != nil {
		logging.WithContext(r.Context()).Warn("read served an error response",
			logging.Key(key), logging.Err(err))
	}

	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("Cache-Control", resp.CacheControl)
	if resp.Cached {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// ─── Uploads ────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.WithContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body,
		int64(s.cfg.MaxUploadFiles)*s.cfg.MaxFileSize+multipartOverhead)

	reader, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	var files []UploadedFile
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendUploadError(w, err)
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}
		if len(files) == s.cfg.MaxUploadFiles {
			part.Close()
			metrics.RecordUpload("rejected", 0)
			s.sendError(w, http.StatusBadRequest,
				fmt.Sprintf("too many files: max %d", s.cfg.MaxUploadFiles))
			return
		}

		f, err := s.ingest(ctx, w, part)
		part.Close()
		if err != nil {
			log.Warn("upload failed", zap.String("file", part.FileName()), logging.Err(err))
			s.sendUploadError(w, err)
			return
		}
		files = append(files, f)
	}

	if len(files) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	if err := s.dispatch(ctx, files); err != nil {
		log.Error("post-upload processing failed", logging.Err(err))
		s.sendError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	if s.jobs != nil && s.cfg.DelayAfterUploaded > 0 {
		select {
		case <-time.After(s.cfg.DelayAfterUploaded):
		case <-ctx.Done():
			return
		}
	}

	log.Debug("uploaded", zap.Int("files", len(files)))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

// ingest stores one multipart file under its content key.
func (s *Server) ingest(ctx context.Context, w http.ResponseWriter, part *multipart.Part) (UploadedFile, error) {
	sniff := &prefixBuffer{limit: sniffLen}
	body := io.TeeReader(http.MaxBytesReader(w, part, s.cfg.MaxFileSize), sniff)

	res, err := s.addresser.Ingest(ctx, body)
	if err != nil {
		return UploadedFile{}, err
	}

	mimeType, image := transform.Detect(sniff.buf)
	loc := storage.Local
	if res.New() {
		metrics.RecordUpload("new", res.Size)
	} else {
		loc = res.Existing
		metrics.RecordUpload("duplicate", res.Size)
	}

	return UploadedFile{
		Key:          res.Key,
		OriginalName: part.FileName(),
		Size:         res.Size,
		MimeType:     mimeType,
		Location:     loc.String(),
		image:        image,
		fresh:        res.New(),
	}, nil
}

// dispatch hands newly stored keys to the pipeline. A duplicate already has
// a job or a finished run behind it; a lost job is recovered by the sweep.
func (s *Server) dispatch(ctx context.Context, files []UploadedFile) error {
	for i := range files {
		f := &files[i]
		if !f.fresh {
			continue
		}
		if s.jobs == nil {
			if err := s.processor.Process(ctx, f.Key, nil); err != nil {
				return fmt.Errorf("process %s: %w", f.Key, err)
			}
			f.Location = storage.Remote.String()
			continue
		}
		if !f.image {
			continue
		}
		if _, err := s.jobs.Enqueue(ctx, f.Key); err != nil {
			return fmt.Errorf("enqueue %s: %w", f.Key, err)
		}
	}
	return nil
}

func (s *Server) sendUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		metrics.RecordUpload("rejected", 0)
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.cfg.MaxFileSize))
		return
	}
	metrics.RecordUpload("error", 0)
	s.sendError(w, http.StatusInternalServerError, "upload failed")
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// prefixBuffer keeps the first limit bytes written to it.
type prefixBuffer struct {
	buf   []byte
	limit int
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	if n := p.limit - len(p.buf); n > 0 {
		if len(b) < n {
			n = len(b)
		}
		p.buf = append(p.buf, b[:n]...)
	}
	return len(b), nil
}
