package render

// Template names.
const (
	ReleaseNotes  = "release_notes.tmpl"
	DefaultConfig = "config.tmpl"
)

// NotesData feeds the release notes template.
type NotesData struct {
	Name      string
	Version   string
	Changelog string
	Artifacts []NoteArtifact
	Skipped   []NoteSkip
	Fallbacks bool
}

// NoteArtifact is one row of the artifacts table.
type NoteArtifact struct {
	Path            string
	Digest          string
	SignatureMethod string
}

// NoteSkip names a unit left out of a partial release.
type NoteSkip struct {
	Package string
	Target  string
	Reason  string
}

// ConfigData feeds the default configuration written by "polyship init".
type ConfigData struct {
	Projects []ConfigProject
}

// ConfigProject is one detected project.
type ConfigProject struct {
	Name     string
	Language string
	Path     string
}
