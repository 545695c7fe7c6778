package publish

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"polyship/pkg/bus"
	"polyship/pkg/digest"
	"polyship/services/manifest"
)

// DefaultPrefix roots release subjects when none is configured.
const DefaultPrefix = "polyship.releases"

// EventPublisher is the subset of the NATS bus the notifier uses.
type EventPublisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// Event announces a published release.
type Event struct {
	Project        string            `json:"project"`
	Version        string            `json:"version"`
	Tag            string            `json:"tag,omitempty"`
	URL            string            `json:"url,omitempty"`
	ManifestSHA256 string            `json:"manifest_sha256"`
	Partial        bool              `json:"partial,omitempty"`
	Artifacts      map[string]string `json:"artifacts"`
	PublishedAt    time.Time         `json:"published_at"`
}

// Notifier publishes an Event to <Prefix>.<project>.published once the
// other destinations are done.
type Notifier struct {
	Bus    EventPublisher
	Prefix string
	Now    func() time.Time
}

func (n *Notifier) Name() string { return "nats" }

func (n *Notifier) Publish(ctx context.Context, rel *Release) (Outcome, error) {
	if n.Bus == nil {
		return Outcome{}, errors.New("nats: no connection")
	}
	ev, err := NewEvent(rel, n.now())
	if err != nil {
		return Outcome{}, err
	}
	prefix := n.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := n.Bus.Publish(ctx, bus.Subject(prefix, ev.Project, "published"), ev.ID(), ev); err != nil {
		return Outcome{}, err
	}
	return Outcome{URL: rel.URL}, nil
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now().UTC()
}

// ID identifies the event for duplicate suppression: one per project,
// version and manifest content.
func (e Event) ID() string {
	return e.Project + "@" + e.Version + "#" + e.ManifestSHA256
}

// NewEvent describes rel. Artifacts maps each manifest entry to its digest.
func NewEvent(rel *Release, at time.Time) (Event, error) {
	sum, _, err := digest.File(filepath.Join(rel.Dir, manifest.FileName))
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Project:        rel.Name,
		Version:        rel.Manifest.Version,
		Tag:            rel.Manifest.Tag,
		URL:            rel.URL,
		ManifestSHA256: sum,
		Partial:        rel.Manifest.Partial,
		Artifacts:      make(map[string]string, len(rel.Manifest.Entries)),
		PublishedAt:    at,
	}
	for _, e := range rel.Manifest.Entries {
		ev.Artifacts[e.Path] = e.Digest
	}
	return ev, nil
}
