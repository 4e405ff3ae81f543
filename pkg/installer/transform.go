package installer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb"
	"github.com/agilityrecordbook/installer/pkg/packagekit/wix"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Transform is the language transform from the base package to Source.
type Transform struct {
	Path     string
	Language Language
	Source   Package
}

type TransformDeriver struct {
	tool *wix.Tool
}

func NewTransformDeriver(tool *wix.Tool) *TransformDeriver {
	return &TransformDeriver{tool: tool}
}

// Derive diffs secondary against base into <language id>.mst. Both
// packages must come from the same PackageBuilder.
func (d *TransformDeriver) Derive(ctx context.Context, base, secondary Package) (Transform, error) {
	ctx, span := trace.StartSpan(ctx, "installer.Derive")
	defer span.End()

	out := filepath.Join(d.tool.WorkDir(), secondary.Language.ID+".mst")
	if err := d.tool.Torch(ctx, base.Path, secondary.Path, out); err != nil {
		return Transform{}, errors.Wrapf(err, "deriving %s transform", secondary.Language.Culture)
	}

	return Transform{
		Path:     out,
		Language: secondary.Language,
		Source:   secondary,
	}, nil
}

// Manifest is the ordered list of language ids a package declares. The
// base language is always first.
type Manifest []string

func (m Manifest) String() string {
	return strings.Join(m, ",")
}

type TransformMerger struct {
	open msidb.Opener
	tidy bool
}

func NewTransformMerger(open msidb.Opener, tidy bool) *TransformMerger {
	return &TransformMerger{open: open, tidy: tidy}
}

// Merge embeds each transform into base, keyed by its language id and
// in order, then sets the package's language list once. When tidy, the
// embedded transforms and their source packages are removed afterwards.
func (m *TransformMerger) Merge(ctx context.Context, base Package, transforms []Transform) (Manifest, error) {
	ctx, span := trace.StartSpan(ctx, "installer.Merge")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	db, err := m.open(ctx, base.Path, msidb.Transact)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", base.Path)
	}
	defer db.Close()

	manifest := Manifest{base.Language.ID}
	for _, t := range transforms {
		if err := db.EmbedTransform(ctx, t.Language.ID, t.Path); err != nil {
			return nil, errors.Wrapf(err, "embedding %s", t.Path)
		}
		manifest = append(manifest, t.Language.ID)
		level.Debug(logger).Log("msg", "embedded transform", "language", t.Language.ID, "manifest", manifest.String())
	}

	template, err := db.Property(ctx, msidb.Template)
	if err != nil {
		return nil, errors.Wrap(err, "reading template")
	}

	// the platform half of "x64;1033" is kept
	platform := ""
	if i := strings.Index(template, ";"); i >= 0 {
		platform = template[:i]
	}

	if err := db.SetProperty(ctx, msidb.Template, platform+";"+manifest.String()); err != nil {
		return nil, errors.Wrap(err, "setting template")
	}

	if err := db.Commit(ctx); err != nil {
		return nil, errors.Wrapf(err, "committing %s", base.Path)
	}

	level.Info(logger).Log("msg", "merged languages", "package", base.Path, "languages", manifest.String())

	if m.tidy {
		for _, t := range transforms {
			removeIntermediate(ctx, t.Path)
			removeIntermediate(ctx, t.Source.Path)
		}
	}

	return manifest, nil
}

func removeIntermediate(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		level.Info(ctxlog.FromContext(ctx)).Log("msg", "unable to remove intermediate file", "path", path, "err", err)
	}
}
