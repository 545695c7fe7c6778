package builder

import (
	"context"
	"sort"

	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

var versionProbes = map[release.Language][]toolexec.Command{
	release.LanguageRust:   {{Name: "rustc", Args: []string{"--version"}}, {Name: "cargo", Args: []string{"--version"}}},
	release.LanguageGo:     {{Name: "go", Args: []string{"version"}}},
	release.LanguageNode:   {{Name: "node", Args: []string{"--version"}}, {Name: "npm", Args: []string{"--version"}}},
	release.LanguagePython: {{Name: "python3", Args: []string{"--version"}}},
}

// Toolchains reports the version string of each toolchain used by pkgs,
// keyed by tool name. Tools that are missing or fail are left out.
func Toolchains(ctx context.Context, runner toolexec.Runner, pkgs []release.Package) map[string]string {
	if runner == nil {
		runner = toolexec.Exec{}
	}
	langs := map[release.Language]bool{}
	for _, pkg := range pkgs {
		langs[pkg.Language] = true
	}
	ordered := make([]string, 0, len(langs))
	for lang := range langs {
		ordered = append(ordered, string(lang))
	}
	sort.Strings(ordered)

	versions := map[string]string{}
	for _, lang := range ordered {
		for _, cmd := range versionProbes[release.Language(lang)] {
			if out := toolexec.Output(ctx, runner, cmd); out != "" {
				versions[cmd.Name] = out
			}
		}
	}
	return versions
}
