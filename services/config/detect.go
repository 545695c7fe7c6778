package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"polyship/pkg/release"
	"polyship/pkg/render"
)

// Project is a buildable project found on disk.
type Project struct {
	Name     string
	Language release.Language
	Path     string
}

var markers = []struct {
	file string
	lang release.Language
}{
	{file: "Cargo.toml", lang: release.LanguageRust},
	{file: "go.mod", lang: release.LanguageGo},
	{file: "package.json", lang: release.LanguageNode},
	{file: "pyproject.toml", lang: release.LanguagePython},
}

// DetectProjects looks for project markers in root and its immediate
// subdirectories. A directory matching several markers is reported once, with
// the first marker in Cargo.toml, go.mod, package.json, pyproject.toml order.
func DetectProjects(root string) ([]Project, error) {
	if lang, ok := detectDir(root); ok {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		return []Project{{Name: filepath.Base(abs), Language: lang, Path: "."}}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var projects []Project
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		if lang, ok := detectDir(filepath.Join(root, entry.Name())); ok {
			projects = append(projects, Project{Name: entry.Name(), Language: lang, Path: entry.Name()})
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

func detectDir(dir string) (release.Language, bool) {
	for _, m := range markers {
		if info, err := os.Stat(filepath.Join(dir, m.file)); err == nil && !info.IsDir() {
			return m.lang, true
		}
	}
	return "", false
}

// WriteDefault renders a starter configuration for projects to path. An
// existing file is never overwritten.
func WriteDefault(path string, projects []Project) error {
	if len(projects) == 0 {
		return errors.New("no Cargo.toml, go.mod, package.json or pyproject.toml found")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	engine, err := render.New()
	if err != nil {
		return err
	}
	data := render.ConfigData{}
	for _, p := range projects {
		data.Projects = append(data.Projects, render.ConfigProject{Name: p.Name, Language: string(p.Language), Path: p.Path})
	}
	out, err := engine.Render(render.DefaultConfig, data)
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(out); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
