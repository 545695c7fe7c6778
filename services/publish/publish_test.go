package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"polyship/pkg/digest"
	"polyship/pkg/release"
	"polyship/pkg/render"
	"polyship/services/manifest"
)

const archiveName = "tool-1.0.0-linux-amd64.tar.gz"

// fixture writes a one-archive release with a fallback signature.
func fixture(t *testing.T) *Release {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		archiveName:          "archive bytes",
		archiveName + ".sig": "fallback-hash blake3-keyed 00\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m := &manifest.Manifest{
		SchemaVersion:   manifest.SchemaVersion,
		Version:         "1.0.0",
		Tag:             "v1.0.0",
		GeneratedAt:     time.Unix(1700000000, 0).UTC(),
		DigestAlgorithm: digest.Algorithm,
		Entries: []manifest.Entry{{
			Path:         archiveName,
			Digest:       digest.Bytes([]byte(files[archiveName])),
			Size:         int64(len(files[archiveName])),
			Kind:         manifest.KindArchive,
			Package:      "tool",
			Target:       "linux-amd64",
			SignatureRef: archiveName + ".sig",
		}},
		Signatures: []manifest.Signature{{
			Path:        archiveName + ".sig",
			Subject:     archiveName,
			Digest:      digest.Bytes([]byte(files[archiveName+".sig"])),
			Method:      string(release.SignFallbackHash),
			Substituted: true,
			Requested:   "cosign",
		}},
	}
	if _, err := manifest.Write(dir, m); err != nil {
		t.Fatal(err)
	}
	return &Release{Dir: dir, Name: "tool", Version: release.Version{Value: "1.0.0", Tag: "v1.0.0"}, Manifest: m, Notes: "notes"}
}

func assetNames(t *testing.T, rel *Release) []string {
	t.Helper()
	assets, err := rel.Assets()
	if err != nil {
		t.Fatalf("Assets() error = %v", err)
	}
	var names []string
	for _, a := range assets {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

func TestAssets(t *testing.T) {
	rel := fixture(t)
	want := []string{manifest.FileName, archiveName, archiveName + ".sig"}
	if diff := cmp.Diff(want, assetNames(t, rel)); diff != "" {
		t.Fatalf("assets mismatch (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(filepath.Join(rel.Dir, archiveName), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	var mismatch *release.DigestMismatchError
	if _, err := rel.Assets(); !errors.As(err, &mismatch) || mismatch.Path != archiveName {
		t.Fatalf("Assets() error = %v, want DigestMismatchError for %s", err, archiveName)
	}
}

func TestGitHubPublish(t *testing.T) {
	rel := fixture(t)
	rel.Draft = true

	var (
		mu       sync.Mutex
		created  createReleaseRequest
		uploaded []string
	)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/tool/releases":
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(releaseResponse{
				ID:        7,
				HTMLURL:   "https://github.example/acme/tool/releases/v1.0.0",
				UploadURL: srv.URL + "/uploads/7/assets{?name,label}",
			})
		case r.Method == http.MethodPost && r.URL.Path == "/uploads/7/assets":
			name := r.URL.Query().Get("name")
			io.Copy(io.Discard, r.Body)
			uploaded = append(uploaded, name)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(assetResponse{Name: name, BrowserDownloadURL: "https://dl.example/" + name})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gh, err := NewGitHub("acme", "tool", "secret", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	gh.Client = srv.Client()

	out, err := gh.Publish(context.Background(), rel)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	want := createReleaseRequest{TagName: "v1.0.0", Name: "tool 1.0.0", Body: "notes", Draft: true}
	if diff := cmp.Diff(want, created); diff != "" {
		t.Fatalf("create request mismatch (-want +got):\n%s", diff)
	}
	sort.Strings(uploaded)
	if diff := cmp.Diff(assetNames(t, rel), uploaded); diff != "" {
		t.Fatalf("uploaded assets mismatch (-want +got):\n%s", diff)
	}
	if out.URL != "https://github.example/acme/tool/releases/v1.0.0" {
		t.Fatalf("URL = %q", out.URL)
	}
	if out.Assets[archiveName] != "https://dl.example/"+archiveName {
		t.Fatalf("asset URL = %q", out.Assets[archiveName])
	}
}

func TestGitHubErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Validation Failed"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	gh, err := NewGitHub("acme", "tool", "secret", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	gh.Client = srv.Client()
	_, err = gh.Publish(context.Background(), fixture(t))
	if err == nil || !strings.Contains(err.Error(), "Validation Failed") {
		t.Fatalf("Publish() error = %v, want the API message", err)
	}
}

func TestNewGitHubRequiresToken(t *testing.T) {
	if _, err := NewGitHub("acme", "tool", "", ""); err == nil {
		t.Fatal("NewGitHub() without a token succeeded")
	}
}

type fakeStore struct {
	objects map[string]string
}

func (f *fakeStore) UploadFile(_ context.Context, bucket, key, path, sha256 string) error {
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[bucket+"/"+key] = sha256
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://s3.example/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
}

func TestS3Mirror(t *testing.T) {
	rel := fixture(t)
	store := &fakeStore{}
	mirror := &S3Mirror{Store: store, Bucket: "releases", Prefix: "/tool/", TTL: time.Hour}

	out, err := mirror.Publish(context.Background(), rel)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	key := "releases/tool/1.0.0/" + archiveName
	if store.objects[key] != rel.Manifest.Entries[0].Digest {
		t.Fatalf("objects = %v, want %s with the archive digest", store.objects, key)
	}
	if len(store.objects) != 3 {
		t.Fatalf("uploaded %d objects, want 3", len(store.objects))
	}
	if out.URL != "https://s3.example/releases/tool/1.0.0/manifest.json?ttl=1h0m0s" {
		t.Fatalf("URL = %q", out.URL)
	}
}

type fakeBus struct {
	subject string
	msgID   string
	event   Event
	err     error
}

func (f *fakeBus) Publish(_ context.Context, subj, msgID string, v any) error {
	f.subject = subj
	f.msgID = msgID
	f.event = v.(Event)
	return f.err
}

func TestNotifier(t *testing.T) {
	rel := fixture(t)
	rel.URL = "https://github.example/acme/tool/releases/v1.0.0"
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := &fakeBus{}
	n := &Notifier{Bus: b, Now: func() time.Time { return at }}

	if _, err := n.Publish(context.Background(), rel); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if b.subject != "polyship.releases.tool.published" {
		t.Fatalf("subject = %q", b.subject)
	}
	sum, _, err := digest.File(filepath.Join(rel.Dir, manifest.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if b.msgID != "tool@1.0.0#"+sum {
		t.Fatalf("msg id = %q", b.msgID)
	}
	want := Event{
		Project:        "tool",
		Version:        "1.0.0",
		Tag:            "v1.0.0",
		URL:            rel.URL,
		ManifestSHA256: sum,
		Artifacts:      map[string]string{archiveName: rel.Manifest.Entries[0].Digest},
		PublishedAt:    at,
	}
	if diff := cmp.Diff(want, b.event); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
}

type stubPublisher struct {
	name string
	out  Outcome
	err  error
	seen string
}

func (s *stubPublisher) Name() string { return s.name }

func (s *stubPublisher) Publish(_ context.Context, rel *Release) (Outcome, error) {
	s.seen = rel.URL
	return s.out, s.err
}

func TestAllContinuesAfterFailure(t *testing.T) {
	rel := fixture(t)
	failing := &stubPublisher{name: "github", err: errors.New("boom")}
	mirror := &stubPublisher{name: "s3", out: Outcome{URL: "https://s3.example/manifest.json", Assets: map[string]string{archiveName: "https://s3.example/a"}}}
	last := &stubPublisher{name: "nats"}

	outcomes, err := All(context.Background(), rel, []Publisher{failing, mirror, last}, nil)
	if err == nil || !strings.Contains(err.Error(), "publish github: boom") {
		t.Fatalf("All() error = %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].Publisher != "s3" {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if last.seen != "https://s3.example/manifest.json" {
		t.Fatalf("later publisher saw URL %q", last.seen)
	}
	if rel.AssetURLs[archiveName] != "https://s3.example/a" {
		t.Fatalf("asset URLs = %v", rel.AssetURLs)
	}
}

func TestNotes(t *testing.T) {
	engine, err := render.New()
	if err != nil {
		t.Fatal(err)
	}
	rel := fixture(t)
	rel.Manifest.Skipped = []manifest.Skipped{{Package: "tool", Target: "windows-amd64", Reason: "build failed"}}

	got, err := Notes(engine, "tool", rel.Manifest, "- feat: add thing")
	if err != nil {
		t.Fatalf("Notes() error = %v", err)
	}
	for _, want := range []string{
		"## tool 1.0.0",
		"- feat: add thing",
		"`" + archiveName + "`",
		"| fallback-hash |",
		"- tool/windows-amd64: build failed",
		"fallback-hash method",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("notes missing %q:\n%s", want, got)
		}
	}
}
