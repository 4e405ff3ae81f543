package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/agilityrecordbook/installer/pkg/packagekit/wix"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// ErrMissingPayload means the architecture's application binary was
// never compiled. The architecture is skipped, it is not a failure.
var ErrMissingPayload = errors.New("application binary missing from payload")

// Package is a linked installer for one architecture and language.
type Package struct {
	Path        string
	Arch        Arch
	Language    Language
	ProductCode string
}

// PackageBuilder compiles and links the packages of one descriptor. The
// sources are compiled on the first Build, and every language links the
// same objects, so all of them share one product code.
type PackageBuilder struct {
	cfg  *Config
	desc Descriptor
	tool *wix.Tool

	objects []string
	linked  int
}

func NewPackageBuilder(cfg *Config, desc Descriptor, tool *wix.Tool) *PackageBuilder {
	return &PackageBuilder{
		cfg:  cfg,
		desc: desc,
		tool: tool,
	}
}

func (b *PackageBuilder) Descriptor() Descriptor {
	return b.desc
}

// CheckPayload returns ErrMissingPayload if the application binary is
// absent.
func (b *PackageBuilder) CheckPayload() error {
	binary := filepath.Join(b.desc.PayloadDir, b.cfg.AppBinary)
	if _, err := os.Stat(binary); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrMissingPayload, binary)
		}
		return errors.Wrapf(err, "checking %s", binary)
	}
	return nil
}

// Build links the package for lang.
func (b *PackageBuilder) Build(ctx context.Context, lang Language) (Package, error) {
	ctx, span := trace.StartSpan(ctx, "installer.Build")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if err := b.CheckPayload(); err != nil {
		return Package{}, err
	}

	if b.objects == nil {
		if err := b.compile(ctx); err != nil {
			return Package{}, err
		}
	}

	out := b.packagePath(lang)
	level.Debug(logger).Log("msg", "linking package", "culture", lang.Culture, "out", out)

	err := b.tool.Light(ctx, wix.LightOpts{
		Culture:    lang.Culture,
		Localize:   b.cfg.localization(lang),
		LicenseRtf: b.cfg.licenseRtf(lang),
		CabCache:   b.cabCache(),
		ReuseCab:   b.linked > 0,
		Objects:    b.objects,
		Out:        out,
	})
	if err != nil {
		return Package{}, errors.Wrapf(err, "linking %s %s", b.desc.Arch, lang.Culture)
	}
	b.linked++

	return Package{
		Path:        out,
		Arch:        b.desc.Arch,
		Language:    lang,
		ProductCode: b.desc.ProductCode,
	}, nil
}

// compile runs candle, and starts a fresh cabinet cache.
func (b *PackageBuilder) compile(ctx context.Context) error {
	if err := os.RemoveAll(b.cabCache()); err != nil {
		return errors.Wrap(err, "removing cabinet cache")
	}

	d := b.desc
	defines := []wix.Define{
		{Name: "CURRENT_VERSION", Value: d.Version.ThreeDot()},
		{Name: "BUILD_VERSION", Value: d.Version.String()},
		{Name: "BASEDIR", Value: d.PayloadDir},
		{Name: "PRODUCTID", Value: d.ProductCode},
		{Name: "UPGRADECODE", Value: d.UpgradeCode},
		{Name: "INSTALL_SCOPE", Value: d.InstallScope},
	}

	objects, err := b.tool.Candle(ctx, string(d.Arch), defines, b.cfg.sources())
	if err != nil {
		return errors.Wrapf(err, "compiling %s", d.Arch)
	}
	b.objects = objects
	b.linked = 0
	return nil
}

// Tidy removes the object files and cabinet cache. Failures are logged
// and otherwise ignored.
func (b *PackageBuilder) Tidy(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)

	for _, path := range append([]string{b.cabCache()}, b.objects...) {
		if err := os.RemoveAll(path); err != nil {
			level.Info(logger).Log("msg", "unable to remove intermediate file", "path", path, "err", err)
		}
	}
}

func (b *PackageBuilder) cabCache() string {
	return filepath.Join(b.tool.WorkDir(), "cabcache")
}

// packagePath is eg: AgilityBook-3_4_1_1027-x64.msi for the base
// language, and AgilityBook-3_4_1_1027-x64_fr-fr.msi for the others.
func (b *PackageBuilder) packagePath(lang Language) string {
	name := fmt.Sprintf("%s-%s-%s", b.cfg.ProductName, b.desc.Version.Underscored(), b.desc.Arch.fileSuffix())
	if lang != b.desc.BaseLanguage {
		name += "_" + lang.Culture
	}
	return filepath.Join(b.tool.WorkDir(), name+".msi")
}
