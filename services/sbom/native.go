package sbom

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"polyship/pkg/release"
	"polyship/pkg/toolexec"
)

// nativeTool describes the CycloneDX generator of one ecosystem. Tools that
// print the document on stdout leave outFile empty.
type nativeTool struct {
	binary  string
	name    string
	args    []string
	outFile string
}

const cargoOutput = "polyship-sbom"

var nativeTools = map[release.Language]nativeTool{
	release.LanguageRust: {
		binary:  "cargo-cyclonedx",
		name:    "cargo",
		args:    []string{"cyclonedx", "--format", "json", "--spec-version", "1.5", "--override-filename", cargoOutput},
		outFile: cargoOutput + ".json",
	},
	release.LanguageGo:     {binary: "cyclonedx-gomod", name: "cyclonedx-gomod", args: []string{"mod", "-json", "-licenses=false"}},
	release.LanguageNode:   {binary: "cyclonedx-npm", name: "cyclonedx-npm", args: []string{"--output-format", "JSON", "--omit", "dev"}},
	release.LanguagePython: {binary: "cyclonedx-py", name: "cyclonedx-py", args: []string{"environment", "--output-format", "JSON"}},
}

// NativeTool returns the executable that native mode requires for lang.
func NativeTool(lang release.Language) string {
	return nativeTools[lang].binary
}

func (g *Generator) native(ctx context.Context, pkg release.Package) (document, error) {
	tool, ok := nativeTools[pkg.Language]
	if !ok {
		return document{}, &release.SbomToolMissingError{Package: pkg.Name, Tool: "cyclonedx (" + string(pkg.Language) + ")"}
	}
	if !toolexec.Available(g.cfg.Runner, tool.binary) {
		return document{}, &release.SbomToolMissingError{Package: pkg.Name, Tool: tool.binary}
	}

	// Tools writing into the package root must not run concurrently for
	// two targets of one package.
	if tool.outFile != "" {
		g.fileTools.Lock()
		defer g.fileTools.Unlock()
	}

	res, err := g.cfg.Runner.Run(ctx, toolexec.Command{Name: tool.name, Args: tool.args, Dir: pkg.Root})
	if err != nil {
		if toolexec.IsNotFound(err) {
			return document{}, &release.SbomToolMissingError{Package: pkg.Name, Tool: tool.name}
		}
		return document{}, fmt.Errorf("%s: %w", tool.binary, err)
	}

	data := []byte(res.Stdout)
	if tool.outFile != "" {
		path := filepath.Join(pkg.Root, tool.outFile)
		data, err = os.ReadFile(path)
		if err != nil {
			return document{}, fmt.Errorf("%s output: %w", tool.binary, err)
		}
		os.Remove(path)
	}

	bom := new(cdx.BOM)
	if err := cdx.NewBOMDecoder(bytes.NewReader(data), cdx.BOMFileFormatJSON).Decode(bom); err != nil {
		return document{}, fmt.Errorf("decode %s output: %w", tool.binary, err)
	}
	return document{bom: bom, tool: tool.binary}, nil
}
