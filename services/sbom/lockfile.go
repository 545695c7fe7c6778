package sbom

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"

	"polyship/pkg/release"
)

// Dependency is one locked component, version copied verbatim.
type Dependency struct {
	Name    string
	Version string
	// Ecosystem is the purl type: cargo, golang, npm or pypi.
	Ecosystem string
}

// Lockfile is a dependency list read from a package's lock or manifest file.
type Lockfile struct {
	Path         string
	Dependencies []Dependency
}

type lockReader func(path string, data []byte, self string) ([]Dependency, error)

type lockSource struct {
	name string
	read lockReader
}

var lockSources = map[release.Language][]lockSource{
	release.LanguageRust:   {{"Cargo.lock", readCargoLock}},
	release.LanguageGo:     {{"go.mod", readGoMod}},
	release.LanguageNode:   {{"package-lock.json", readPackageLock}},
	release.LanguagePython: {{"poetry.lock", readPythonLock}, {"uv.lock", readPythonLock}, {"requirements.txt", readRequirements}},
}

// ReadLockfile finds and parses the first lockfile for pkg, looking in the
// package root and then its parents up to the repository root. It returns
// nil when the package has no lockfile.
func ReadLockfile(pkg release.Package) (*Lockfile, error) {
	for _, src := range lockSources[pkg.Language] {
		path, ok := findUp(pkg.Root, src.name)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		deps, err := src.read(path, data, pkg.Name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &Lockfile{Path: path, Dependencies: dedupe(deps)}, nil
	}
	return nil, nil
}

// findUp looks for name in dir and its parents, stopping after the directory
// that holds .git.
func findUp(dir, name string) (string, bool) {
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func dedupe(deps []Dependency) []Dependency {
	seen := map[Dependency]bool{}
	out := deps[:0]
	for _, d := range deps {
		if d.Name == "" || d.Version == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func readCargoLock(_ string, data []byte, self string) ([]Dependency, error) {
	var lock struct {
		Package []struct {
			Name    string `toml:"name"`
			Version string `toml:"version"`
			Source  string `toml:"source"`
		} `toml:"package"`
	}
	if _, err := toml.Decode(string(data), &lock); err != nil {
		return nil, err
	}
	var deps []Dependency
	for _, p := range lock.Package {
		// The crate being released is listed without a source.
		if p.Name == self && p.Source == "" {
			continue
		}
		deps = append(deps, Dependency{Name: p.Name, Version: p.Version, Ecosystem: "cargo"})
	}
	return deps, nil
}

func readGoMod(path string, data []byte, _ string) ([]Dependency, error) {
	mod, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, err
	}
	// A replacement to a module version stands in for the requirement;
	// keyed by old path and, when given, the old version it applies to.
	// Directory replacements keep the required module.
	replaced := map[string]module.Version{}
	for _, r := range mod.Replace {
		if r.New.Version != "" {
			replaced[r.Old.Path+"@"+r.Old.Version] = r.New
		}
	}
	deps := make([]Dependency, 0, len(mod.Require))
	for _, req := range mod.Require {
		m := req.Mod
		if r, ok := replaced[m.Path+"@"+m.Version]; ok {
			m = r
		} else if r, ok := replaced[m.Path+"@"]; ok {
			m = r
		}
		deps = append(deps, Dependency{Name: m.Path, Version: m.Version, Ecosystem: "golang"})
	}
	return deps, nil
}

type npmV1Dependency struct {
	Version      string                     `json:"version"`
	Dependencies map[string]npmV1Dependency `json:"dependencies"`
}

// readPackageLock understands lockfileVersion 1 (nested "dependencies") and
// 2/3 (flat "packages" keyed by node_modules path).
func readPackageLock(_ string, data []byte, _ string) ([]Dependency, error) {
	var lock struct {
		LockfileVersion int `json:"lockfileVersion"`
		Packages        map[string]struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Link    bool   `json:"link"`
		} `json:"packages"`
		Dependencies map[string]npmV1Dependency `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}

	var deps []Dependency
	if lock.LockfileVersion >= 2 && lock.Packages != nil {
		for key, p := range lock.Packages {
			idx := strings.LastIndex(key, "node_modules/")
			if key == "" || idx < 0 || p.Link {
				continue
			}
			name := key[idx+len("node_modules/"):]
			if p.Name != "" {
				name = p.Name
			}
			deps = append(deps, Dependency{Name: name, Version: p.Version, Ecosystem: "npm"})
		}
		return deps, nil
	}

	var walk func(map[string]npmV1Dependency)
	walk = func(m map[string]npmV1Dependency) {
		for name, d := range m {
			deps = append(deps, Dependency{Name: name, Version: d.Version, Ecosystem: "npm"})
			walk(d.Dependencies)
		}
	}
	walk(lock.Dependencies)
	return deps, nil
}

// readPythonLock reads poetry.lock and uv.lock, which share the
// [[package]] name/version layout.
func readPythonLock(_ string, data []byte, self string) ([]Dependency, error) {
	var lock struct {
		Package []struct {
			Name    string `toml:"name"`
			Version string `toml:"version"`
			Source  struct {
				Editable string `toml:"editable"`
				Virtual  string `toml:"virtual"`
			} `toml:"source"`
		} `toml:"package"`
	}
	if _, err := toml.Decode(string(data), &lock); err != nil {
		return nil, err
	}
	var deps []Dependency
	for _, p := range lock.Package {
		if p.Source.Editable != "" || p.Source.Virtual != "" || (p.Name == self && p.Version == "") {
			continue
		}
		deps = append(deps, Dependency{Name: p.Name, Version: p.Version, Ecosystem: "pypi"})
	}
	return deps, nil
}

// readRequirements keeps exact "name==version" pins only; ranges are not a
// locked version.
func readRequirements(_ string, data []byte, _ string) ([]Dependency, error) {
	var deps []Dependency
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		name, version, ok := strings.Cut(line, "==")
		if !ok || strings.HasPrefix(version, "=") {
			continue
		}
		if i := strings.Index(name, "["); i >= 0 {
			name = name[:i]
		}
		fields := strings.Fields(version)
		if len(fields) == 0 {
			continue
		}
		deps = append(deps, Dependency{Name: strings.TrimSpace(name), Version: fields[0], Ecosystem: "pypi"})
	}
	return deps, scanner.Err()
}
