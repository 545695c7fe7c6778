package config

import "time"

// DefaultFile is the configuration file looked up in the repository root.
const DefaultFile = ".polyship.yaml"

// File is the on-disk YAML document. Either Project or Packages is set.
type File struct {
	Project   *ProjectSection   `yaml:"project,omitempty"`
	Packages  []PackageEntry    `yaml:"packages,omitempty"`
	Output    string            `yaml:"output,omitempty"`
	Version   *VersionSection   `yaml:"version,omitempty"`
	Build     *BuildSection     `yaml:"build,omitempty"`
	Package   *PackageSection   `yaml:"package,omitempty"`
	SBOM      *SBOMSection      `yaml:"sbom,omitempty"`
	Sign      *SignSection      `yaml:"sign,omitempty"`
	Release   *ReleaseSection   `yaml:"release,omitempty"`
	Changelog *ChangelogSection `yaml:"changelog,omitempty"`
	Node      *NodeSection      `yaml:"node,omitempty"`
	Python    *PythonSection    `yaml:"python,omitempty"`
}

// ProjectSection declares the single project of a non-workspace repository.
type ProjectSection struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
	Kind string `yaml:"kind,omitempty"`
}

// PackageEntry declares one package of a workspace. Sections set here replace
// the top-level section of the same name wholesale.
type PackageEntry struct {
	Name    string          `yaml:"name"`
	Type    string          `yaml:"type"`
	Path    string          `yaml:"path,omitempty"`
	Kind    string          `yaml:"kind,omitempty"`
	Build   *BuildSection   `yaml:"build,omitempty"`
	Package *PackageSection `yaml:"package,omitempty"`
	SBOM    *SBOMSection    `yaml:"sbom,omitempty"`
	Sign    *SignSection    `yaml:"sign,omitempty"`
	Node    *NodeSection    `yaml:"node,omitempty"`
	Python  *PythonSection  `yaml:"python,omitempty"`
}

type VersionSection struct {
	Source string `yaml:"source"`
	Manual string `yaml:"manual,omitempty"`
}

type BuildSection struct {
	Targets []string          `yaml:"targets,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Jobs    int               `yaml:"jobs,omitempty"`
}

type PackageSection struct {
	Formats      []string `yaml:"formats,omitempty"`
	NameTemplate string   `yaml:"name_template,omitempty"`
	Include      []string `yaml:"include,omitempty"`
	Exclude      []string `yaml:"exclude,omitempty"`
}

type SBOMSection struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Format  string `yaml:"format,omitempty"`
	Mode    string `yaml:"mode,omitempty"`
}

type SignSection struct {
	Enabled    bool   `yaml:"enabled"`
	Method     string `yaml:"method,omitempty"`
	CosignMode string `yaml:"cosign_mode,omitempty"`
	CosignKey  string `yaml:"cosign_key,omitempty"`
	GPGKey     string `yaml:"gpg_key,omitempty"`
}

type ReleaseSection struct {
	Provider     string         `yaml:"provider,omitempty"`
	Draft        *bool          `yaml:"draft,omitempty"`
	Prerelease   bool           `yaml:"prerelease,omitempty"`
	AllowPartial bool           `yaml:"allow_partial,omitempty"`
	GitHub       *GitHubSection `yaml:"github,omitempty"`
	S3           *S3Section     `yaml:"s3,omitempty"`
	Notify       *NotifySection `yaml:"notify,omitempty"`
	Ledger       *LedgerSection `yaml:"ledger,omitempty"`
}

type GitHubSection struct {
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// S3Section mirrors release assets to a bucket. Credentials and endpoint come
// from the S3_* environment variables.
type S3Section struct {
	Bucket     string        `yaml:"bucket"`
	Prefix     string        `yaml:"prefix,omitempty"`
	PresignTTL time.Duration `yaml:"presign_ttl,omitempty"`
}

type NotifySection struct {
	NATSURL string `yaml:"nats_url"`
	// Subject is the prefix events are published under, one subject per
	// project: <subject>.<project>.published.
	Subject string `yaml:"subject,omitempty"`
}

type LedgerSection struct {
	DatabaseURL string `yaml:"database_url,omitempty"`
}

type ChangelogSection struct {
	Mode string `yaml:"mode,omitempty"`
	File string `yaml:"file,omitempty"`
}

type NodeSection struct {
	Mode     string        `yaml:"mode,omitempty"`
	Binary   *NodeBinary   `yaml:"binary,omitempty"`
	Frontend *NodeFrontend `yaml:"frontend,omitempty"`
}

type NodeBinary struct {
	Tool        string   `yaml:"tool,omitempty"`
	Entry       string   `yaml:"entry,omitempty"`
	Targets     []string `yaml:"targets,omitempty"`
	NodeVersion string   `yaml:"node_version,omitempty"`
}

type NodeFrontend struct {
	BuildDir string `yaml:"build_dir,omitempty"`
	BuildCmd string `yaml:"build_cmd,omitempty"`
}

type PythonSection struct {
	Mode        string       `yaml:"mode,omitempty"`
	PyInstaller *PyInstaller `yaml:"pyinstaller,omitempty"`
}

type PyInstaller struct {
	Mode          string   `yaml:"mode,omitempty"`
	Entry         string   `yaml:"entry,omitempty"`
	HiddenImports []string `yaml:"hidden_imports,omitempty"`
	Data          []string `yaml:"data,omitempty"`
}
