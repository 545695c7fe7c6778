// Package packager turns staged build outputs into deterministic archives:
// members sorted by path, fixed timestamps and ownership, normalised modes
// and single-threaded compression, so unchanged inputs give identical bytes.
package packager

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"polyship/pkg/digest"
	"polyship/pkg/release"
)

// ModTime is stamped on every archive member. It is the earliest time the
// zip format can represent.
var ModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Packager writes archives into one output directory.
type Packager struct {
	outputDir string
	logger    *log.Logger
}

// New returns a Packager writing to outputDir.
func New(outputDir string, logger *log.Logger) *Packager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Packager{outputDir: outputDir, logger: logger}
}

// Members applies include/exclude globs to the staged files of out. Patterns
// match slash separated paths relative to the staging root and support "**".
func Members(out *release.BuildOutput, settings release.PackageSettings) ([]string, error) {
	var members []string
	for _, file := range out.Files {
		include := len(settings.Include) == 0
		for _, pattern := range settings.Include {
			ok, err := doublestar.Match(pattern, file)
			if err != nil {
				return nil, release.Configf("invalid include pattern %q: %v", pattern, err)
			}
			if ok {
				include = true
				break
			}
		}
		if !include {
			continue
		}
		excluded := false
		for _, pattern := range settings.Exclude {
			ok, err := doublestar.Match(pattern, file)
			if err != nil {
				return nil, release.Configf("invalid exclude pattern %q: %v", pattern, err)
			}
			if ok {
				excluded = true
				break
			}
		}
		if !excluded {
			members = append(members, file)
		}
	}
	sort.Strings(members)
	return members, nil
}

// Package writes one archive per planned format for out and returns them
// with their digests. An archive whose member list is empty after filtering
// is a *release.EmptyArchiveError and nothing is written.
func (p *Packager) Package(ctx context.Context, pkg release.Package, out *release.BuildOutput, planned Planned) ([]release.Archive, error) {
	members, err := Members(out, pkg.Package)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		name := planned.Base
		if len(planned.Archives) > 0 {
			name = planned.Archives[0].Name
		}
		return nil, &release.EmptyArchiveError{Package: pkg.Name, Target: out.Target.Target, Name: name}
	}

	archives := make([]release.Archive, 0, len(planned.Archives))
	for _, pa := range planned.Archives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dest := filepath.Join(p.outputDir, pa.Name)
		if err := p.write(ctx, dest, pa.Format, out.Root, members); err != nil {
			return nil, fmt.Errorf("write %s: %w", pa.Name, err)
		}
		sum, size, err := digest.File(dest)
		if err != nil {
			return nil, err
		}
		archives = append(archives, release.Archive{
			Target: out.Target,
			Name:   pa.Name,
			Base:   planned.Base,
			Path:   dest,
			Format: pa.Format,
			Digest: sum,
			Size:   size,
		})
		p.logger.Printf("INFO packaged %s (%d members, %d bytes)", pa.Name, len(members), size)
	}
	return archives, nil
}

// write builds the archive in a temporary file beside dest and renames it
// into place, so dest is either absent or complete.
func (p *Packager) write(ctx context.Context, dest string, format release.Format, root string, members []string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	switch format {
	case release.FormatTarGz:
		err = writeTarGz(ctx, tmp, root, members)
	case release.FormatTarZst:
		err = writeTarZst(ctx, tmp, root, members)
	case release.FormatZip:
		err = writeZip(ctx, tmp, root, members)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func writeTarGz(ctx context.Context, w io.Writer, root string, members []string) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	if err := writeTar(ctx, gz, root, members); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func writeTarZst(ctx context.Context, w io.Writer, root string, members []string) error {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := writeTar(ctx, enc, root, members); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func writeTar(ctx context.Context, w io.Writer, root string, members []string) error {
	tw := tar.NewWriter(w)
	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(root, filepath.FromSlash(member))
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		header := &tar.Header{
			Name:     path.Clean(member),
			Mode:     memberMode(info.Mode()),
			Size:     info.Size(),
			ModTime:  ModTime,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", member, err)
		}
		if err := copyInto(tw, src); err != nil {
			return fmt.Errorf("copy %q: %w", member, err)
		}
	}
	return tw.Close()
}

func writeZip(ctx context.Context, w io.Writer, root string, members []string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(root, filepath.FromSlash(member))
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		header := &zip.FileHeader{
			Name:     path.Clean(member),
			Method:   zip.Deflate,
			Modified: ModTime,
		}
		header.SetMode(fs.FileMode(memberMode(info.Mode())))
		fw, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("write header for %q: %w", member, err)
		}
		if err := copyInto(fw, src); err != nil {
			return fmt.Errorf("copy %q: %w", member, err)
		}
	}
	return zw.Close()
}

// memberMode collapses file permissions to 0755 or 0644 so umask and
// checkout differences do not change archive bytes.
func memberMode(mode fs.FileMode) int64 {
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func copyInto(w io.Writer, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}
