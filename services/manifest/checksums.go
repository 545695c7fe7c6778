package manifest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"polyship/pkg/digest"
	"polyship/pkg/release"
)

// ChecksumLine is one "<hex>  <path>" line of SHA256SUMS.
type ChecksumLine struct {
	Digest string
	Path   string
}

// Checksums lists the archives and SBOM documents of the succeeded units,
// sorted by path.
func Checksums(dir string, units []release.UnitResult) ([]ChecksumLine, error) {
	var lines []ChecksumLine
	add := func(p, sum string) error {
		rel, err := relPath(dir, p)
		if err != nil {
			return err
		}
		lines = append(lines, ChecksumLine{Digest: sum, Path: rel})
		return nil
	}
	for _, unit := range units {
		if !unit.Succeeded() {
			continue
		}
		for _, a := range unit.Archives {
			if err := add(a.Path, a.Digest); err != nil {
				return nil, err
			}
		}
		if unit.SBOM != nil {
			if err := add(unit.SBOM.Path, unit.SBOM.Digest); err != nil {
				return nil, err
			}
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Path < lines[j].Path })
	return lines, nil
}

// FormatChecksums renders lines in sha256sum format: newline terminated, no
// trailing blank line.
func FormatChecksums(lines []ChecksumLine) []byte {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "%s  %s\n", l.Digest, l.Path)
	}
	return []byte(b.String())
}

// WriteChecksums writes dir/SHA256SUMS for units and returns its record.
func WriteChecksums(dir string, units []release.UnitResult) (*release.ChecksumFile, error) {
	lines, err := Checksums(dir, units)
	if err != nil {
		return nil, err
	}
	data := FormatChecksums(lines)
	dest := filepath.Join(dir, ChecksumsName)
	if err := writeAtomic(dest, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", ChecksumsName, err)
	}
	return &release.ChecksumFile{
		Path:   dest,
		Digest: digest.Bytes(data),
		Size:   int64(len(data)),
		Lines:  len(lines),
	}, nil
}

// ParseChecksums reads a SHA256SUMS file. Binary mode markers ("*path") are
// accepted.
func ParseChecksums(file string) ([]ChecksumLine, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []ChecksumLine
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		sum, p, ok := strings.Cut(scanner.Text(), " ")
		p = strings.TrimPrefix(strings.TrimPrefix(p, " "), "*")
		if !ok || !digest.Valid(sum) || p == "" {
			return nil, fmt.Errorf("%s:%d: malformed checksum line", file, n)
		}
		lines = append(lines, ChecksumLine{Digest: sum, Path: p})
	}
	return lines, scanner.Err()
}
