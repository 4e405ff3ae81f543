// Package datafile packs the application's data files, and its compiled
// message catalogs, into the zip archive shipped beside the binary.
package datafile

import (
	"archive/zip"
	"bufio"
	"compress/flate"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const (
	extension = ".dat"
	lockName  = "CompileDatafile.lck"
)

type Options struct {
	// FileLists name the files to pack, one per line. Paths are relative
	// to the list. Blank lines and lines starting with # are ignored.
	FileLists []string

	// LangDir holds one directory per language id. Every file in them
	// is packed as lang/<id>/<name>. Optional.
	LangDir string

	// Extra files are packed at the archive root, eg: the updater.
	Extra []string

	IntermediateDir string // where <Target>.dat is written
	Target          string
}

// Stats describes a packed archive.
type Stats struct {
	Path       string
	Files      int
	Size       int64 // uncompressed
	Compressed int64
}

type entry struct {
	src  string
	name string
}

// Pack writes <IntermediateDir>/<Target>.dat while holding the
// directory's lock. If another process holds it, buildlock.ErrBusy is
// returned and nothing is written.
func Pack(ctx context.Context, opts Options, lockOpts ...buildlock.Option) (Stats, error) {
	ctx, span := trace.StartSpan(ctx, "datafile.Pack")
	defer span.End()

	if opts.Target == "" {
		return Stats{}, errors.New("missing target name")
	}
	if len(opts.FileLists) == 0 {
		return Stats{}, errors.New("no file lists")
	}
	if info, err := os.Stat(opts.IntermediateDir); err != nil || !info.IsDir() {
		return Stats{}, errors.Errorf("intermediate dir %s does not exist", opts.IntermediateDir)
	}

	var stats Stats
	err := buildlock.Do(ctx, filepath.Join(opts.IntermediateDir, lockName), func(ctx context.Context) error {
		var err error
		stats, err = pack(ctx, opts)
		return err
	}, lockOpts...)

	return stats, err
}

func pack(ctx context.Context, opts Options) (Stats, error) {
	logger := ctxlog.FromContext(ctx)

	entries, err := collect(opts)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Path: filepath.Join(opts.IntermediateDir, opts.Target+extension)}

	// write aside, so a failed pack never leaves a partial archive
	tmp, err := os.CreateTemp(opts.IntermediateDir, opts.Target+"-*.tmp")
	if err != nil {
		return Stats{}, errors.Wrap(err, "creating temporary archive")
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, 6)
	})

	for _, e := range entries {
		n, err := addFile(zw, e)
		if err != nil {
			tmp.Close()
			return Stats{}, err
		}
		stats.Files++
		stats.Size += n
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		return Stats{}, errors.Wrap(err, "finishing archive")
	}
	if err := tmp.Close(); err != nil {
		return Stats{}, errors.Wrap(err, "closing archive")
	}
	if err := os.Rename(tmp.Name(), stats.Path); err != nil {
		return Stats{}, errors.Wrapf(err, "renaming archive to %s", stats.Path)
	}

	info, err := os.Stat(stats.Path)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "stat %s", stats.Path)
	}
	stats.Compressed = info.Size()

	level.Info(logger).Log(
		"msg", "generated data file",
		"path", stats.Path,
		"files", stats.Files,
		"size", stats.Size,
		"compressed", stats.Compressed,
	)

	return stats, nil
}

// collect resolves every file to pack, in archive order.
func collect(opts Options) ([]entry, error) {
	var entries []entry
	seen := make(map[string]string)

	add := func(src, name string) error {
		if prev, ok := seen[name]; ok {
			return errors.Errorf("%s and %s are both packed as %s", prev, src, name)
		}
		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrapf(err, "file %s", src)
		}
		if info.IsDir() {
			return errors.Errorf("%s is a directory", src)
		}
		seen[name] = src
		entries = append(entries, entry{src: src, name: name})
		return nil
	}

	for _, list := range opts.FileLists {
		files, err := readList(list)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := add(f, filepath.Base(f)); err != nil {
				return nil, errors.Wrapf(err, "in %s", list)
			}
		}
	}

	if opts.LangDir != "" {
		catalogs, err := filepath.Glob(filepath.Join(opts.LangDir, "*", "*"))
		if err != nil {
			return nil, errors.Wrap(err, "listing language dir")
		}
		for _, c := range catalogs {
			if info, err := os.Stat(c); err == nil && info.IsDir() {
				continue
			}
			id := filepath.Base(filepath.Dir(c))
			if err := add(c, "lang/"+id+"/"+filepath.Base(c)); err != nil {
				return nil, err
			}
		}
	}

	for _, f := range opts.Extra {
		if err := add(f, filepath.Base(f)); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func readList(list string) ([]string, error) {
	fh, err := os.Open(list)
	if err != nil {
		return nil, errors.Wrapf(err, "opening file list %s", list)
	}
	defer fh.Close()

	base := filepath.Dir(list)

	var files []string
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		files = append(files, filepath.Join(base, filepath.FromSlash(line)))
	}

	return files, errors.Wrapf(scanner.Err(), "reading file list %s", list)
}

func addFile(zw *zip.Writer, e entry) (int64, error) {
	src, err := os.Open(e.src)
	if err != nil {
		return 0, errors.Wrapf(err, "opening %s", e.src)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", e.src)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, errors.Wrapf(err, "zip header for %s", e.src)
	}
	header.Name = e.name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, errors.Wrapf(err, "adding %s", e.name)
	}

	n, err := io.Copy(w, src)
	return n, errors.Wrapf(err, "compressing %s", e.src)
}
