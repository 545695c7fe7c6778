// Package publish hands a verified release to the configured destinations:
// GitHub Releases, an S3 mirror, a NATS subject and the Postgres ledger.
// Publishing is a thin collaborator of the release pipeline; it never
// retries and never mutates the output directory.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"polyship/pkg/digest"
	"polyship/pkg/release"
	"polyship/pkg/telemetry"
	"polyship/services/manifest"
)

// Release is what publishers receive.
type Release struct {
	Dir        string
	Name       string
	Version    release.Version
	Manifest   *manifest.Manifest
	Notes      string
	Draft      bool
	Prerelease bool

	// URL and AssetURLs are filled in by earlier publishers (GitHub, S3)
	// so later ones (events, ledger) can reference them.
	URL       string
	AssetURLs map[string]string
}

// Asset is one file uploaded by a publisher.
type Asset struct {
	// Name is the path relative to the output directory.
	Name   string
	Path   string
	Digest string
	Size   int64
}

// Outcome reports what one publisher did.
type Outcome struct {
	Publisher string
	URL       string
	// Assets maps asset names to their published location.
	Assets map[string]string
}

// Publisher delivers a release to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, rel *Release) (Outcome, error)
}

// Assets lists every file of the release: everything the manifest
// references plus manifest.json and, when present, provenance.json.
func (r *Release) Assets() ([]Asset, error) {
	known := map[string]string{}
	for _, e := range r.Manifest.Entries {
		known[e.Path] = e.Digest
	}
	for _, s := range r.Manifest.Signatures {
		known[s.Path] = s.Digest
		if s.Certificate != "" {
			known[s.Certificate] = s.CertificateDigest
		}
	}

	names := r.Manifest.Paths()
	names = append(names, manifest.FileName)
	if _, err := os.Stat(filepath.Join(r.Dir, manifest.ProvenanceName)); err == nil {
		names = append(names, manifest.ProvenanceName)
	}

	assets := make([]Asset, 0, len(names))
	for _, name := range names {
		p := filepath.Join(r.Dir, filepath.FromSlash(name))
		sum, size, err := digest.File(p)
		if err != nil {
			return nil, err
		}
		if want, ok := known[name]; ok && !digest.Equal(want, sum) {
			return nil, &release.DigestMismatchError{Path: name, Want: want, Got: sum}
		}
		assets = append(assets, Asset{Name: name, Path: p, Digest: sum, Size: size})
	}
	return assets, nil
}

// All runs pubs in order. A failing publisher does not stop the others;
// every failure is returned joined.
func All(ctx context.Context, rel *Release, pubs []Publisher, logger *log.Logger) ([]Outcome, error) {
	if logger == nil {
		logger = telemetry.Discard()
	}
	if rel.AssetURLs == nil {
		rel.AssetURLs = map[string]string{}
	}

	tracer := telemetry.Tracer("polyship/publish")
	var (
		outcomes []Outcome
		errs     []error
	)
	for _, pub := range pubs {
		ctx, span := tracer.Start(ctx, "publish."+pub.Name())
		out, err := pub.Publish(ctx, rel)
		span.End()
		if err != nil {
			logger.Printf("ERROR publish %s: %v", pub.Name(), err)
			errs = append(errs, fmt.Errorf("publish %s: %w", pub.Name(), err))
			continue
		}
		out.Publisher = pub.Name()
		if rel.URL == "" {
			rel.URL = out.URL
		}
		for name, url := range out.Assets {
			if _, ok := rel.AssetURLs[name]; !ok {
				rel.AssetURLs[name] = url
			}
		}
		logger.Printf("INFO published %s %s to %s", rel.Name, rel.Version, pub.Name())
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}
