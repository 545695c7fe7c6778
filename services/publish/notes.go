package publish

import (
	"polyship/pkg/render"
	"polyship/services/manifest"
)

// Notes renders the release body: the changelog followed by the artifact
// table and any skipped units.
func Notes(engine *render.Engine, name string, m *manifest.Manifest, changelog string) (string, error) {
	data := render.NotesData{Name: name, Version: m.Version, Changelog: changelog}
	for _, e := range m.Entries {
		art := render.NoteArtifact{Path: e.Path, Digest: e.Digest}
		if sig, ok := m.SignatureFor(e.SignatureRef); ok {
			art.SignatureMethod = sig.Method
			if sig.Substituted {
				data.Fallbacks = true
			}
		}
		data.Artifacts = append(data.Artifacts, art)
	}
	for _, s := range m.Skipped {
		data.Skipped = append(data.Skipped, render.NoteSkip{Package: s.Package, Target: s.Target, Reason: s.Reason})
	}
	return engine.Render(render.ReleaseNotes, data)
}
