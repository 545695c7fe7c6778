// Package artifactsgw serves a verified release directory over HTTP so that
// hosts without access to the publish destinations can fetch artifacts by
// their manifest path. When an S3 mirror is configured it also hands out
// presigned links to the mirrored copies.
package artifactsgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"polyship/pkg/telemetry"
	"polyship/services/manifest"
	"polyship/services/publish"
	"polyship/services/signer"
	"polyship/services/verifier"
)

const (
	defaultTTLSeconds = 300
	maxTTLSeconds     = 3600
)

// Options configure a Server.
type Options struct {
	// Dir is the release output directory.
	Dir string
	// Key checks the manifest self-signature at startup. Optional.
	Key *signer.KeyPair
	// Mirror enables /v1/presign/get. Optional.
	Mirror *publish.S3Mirror
	Logger *log.Logger
}

// Server exposes the files of one release.
type Server struct {
	dir      string
	manifest *manifest.Manifest
	// files maps servable paths to their recorded digest, empty when the
	// manifest records none.
	files  map[string]string
	mirror *publish.S3Mirror
	logger *log.Logger
}

// NewServer verifies the release in opts.Dir and indexes its files. A
// release that fails verification is never served.
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("release directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Discard()
	}
	report, err := verifier.Verify(ctx, opts.Dir, verifier.Options{Key: opts.Key, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", opts.Dir, err)
	}

	m := report.Manifest
	files := map[string]string{manifest.FileName: ""}
	for _, p := range m.Paths() {
		files[p] = ""
	}
	for _, e := range m.Entries {
		files[e.Path] = e.Digest
	}
	for _, s := range m.Signatures {
		files[s.Path] = s.Digest
	}
	if _, err := os.Stat(filepath.Join(opts.Dir, manifest.ProvenanceName)); err == nil {
		files[manifest.ProvenanceName] = ""
	}

	return &Server{dir: opts.Dir, manifest: m, files: files, mirror: opts.Mirror, logger: opts.Logger}, nil
}

// Routes returns the router with every endpoint registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1", func(r chi.Router) {
		r.Get("/release", s.handleRelease)
		r.Get("/files/*", s.handleFile)
		r.Get("/presign/get", s.handleGetPresign)
	})
	return r
}

type releaseSummary struct {
	Version string   `json:"version"`
	Tag     string   `json:"tag,omitempty"`
	Partial bool     `json:"partial,omitempty"`
	Files   []string `json:"files"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	summary := releaseSummary{Version: s.manifest.Version, Tag: s.manifest.Tag, Partial: s.manifest.Partial}
	for _, e := range s.manifest.Entries {
		summary.Files = append(summary.Files, e.Path)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	sum, ok := s.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(name)))
	if err != nil {
		s.logger.Printf("ERROR open %s: %v", name, err)
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}

	if sum != "" {
		w.Header().Set("X-Checksum-Sha256", sum)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	// ServeContent honours Range and If-Range.
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleGetPresign(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		http.Error(w, "no s3 mirror configured", http.StatusNotFound)
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "missing key query parameter", http.StatusBadRequest)
		return
	}
	if _, ok := s.files[key]; !ok {
		http.Error(w, "unknown artifact", http.StatusNotFound)
		return
	}

	ttlSeconds := defaultTTLSeconds
	if raw := strings.TrimSpace(r.URL.Query().Get("ttl")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		if parsed > maxTTLSeconds {
			parsed = maxTTLSeconds
		}
		ttlSeconds = parsed
	}

	objectKey := s.mirror.Key(s.manifest.Version, key)
	url, err := s.mirror.Store.PresignGet(r.Context(), s.mirror.Bucket, objectKey, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("presign: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
}
