package installer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/agilityrecordbook/installer/pkg/buildnumber"
	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/agilityrecordbook/installer/pkg/packagekit/authenticode"
	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb"
	"github.com/agilityrecordbook/installer/pkg/packagekit/wix"
	"github.com/agilityrecordbook/installer/pkg/provenance"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/fsutil"
	"github.com/kolide/kit/ulid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// ErrNothingBuilt is returned when every architecture was skipped.
var ErrNothingBuilt = errors.New("no architecture had a payload to package")

// Artifact is a finished package.
type Artifact struct {
	Arch        Arch
	Path        string
	ProductCode string
	Manifest    Manifest
	Record      provenance.Record // zero in dry run mode
}

type Result struct {
	RunID   string
	Built   []Artifact
	Skipped []Arch
}

// Pipeline builds every configured architecture under the build lock.
type Pipeline struct {
	cfg     *Config
	version buildnumber.Version

	execCC         func(context.Context, string, ...string) *exec.Cmd
	open           msidb.Opener
	newProductCode func() string
	lockOpts       []buildlock.Option
	recorderOpts   []provenance.RecorderOpt
}

type PipelineOpt func(*Pipeline)

// WithExecCC replaces exec.CommandContext for every external tool.
func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) PipelineOpt {
	return func(p *Pipeline) {
		p.execCC = execCC
	}
}

func WithOpener(open msidb.Opener) PipelineOpt {
	return func(p *Pipeline) {
		p.open = open
	}
}

func WithProductCodes(gen func() string) PipelineOpt {
	return func(p *Pipeline) {
		p.newProductCode = gen
	}
}

func WithLockOptions(opts ...buildlock.Option) PipelineOpt {
	return func(p *Pipeline) {
		p.lockOpts = append(p.lockOpts, opts...)
	}
}

func WithRecorderOptions(opts ...provenance.RecorderOpt) PipelineOpt {
	return func(p *Pipeline) {
		p.recorderOpts = append(p.recorderOpts, opts...)
	}
}

func NewPipeline(cfg *Config, version buildnumber.Version, opts ...PipelineOpt) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := version.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:            cfg,
		version:        version,
		execCC:         exec.CommandContext,
		open:           msidb.Open,
		newProductCode: NewProductCode,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Run builds each architecture in turn. A missing payload skips the
// architecture; any other failure aborts the run. When another process
// holds the lock, Run returns buildlock.ErrBusy without building.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	result := Result{RunID: ulid.New()}

	logger := log.With(ctxlog.FromContext(ctx), "run_id", result.RunID)
	ctx = ctxlog.NewContext(ctx, logger)

	ctx, span := trace.StartSpan(ctx, "installer.Run")
	defer span.End()

	level.Info(logger).Log(
		"msg", "starting build",
		"version", p.version.String(),
		"archs", len(p.cfg.Archs),
		"dry_run", p.cfg.DryRun,
	)

	if err := os.MkdirAll(p.cfg.WorkDir, 0755); err != nil {
		return result, errors.Wrapf(err, "creating work dir %s", p.cfg.WorkDir)
	}

	err := buildlock.Do(ctx, p.cfg.lockPath(), func(ctx context.Context) error {
		return p.run(ctx, &result)
	}, p.lockOpts...)

	return result, err
}

func (p *Pipeline) run(ctx context.Context, result *Result) error {
	logger := ctxlog.FromContext(ctx)

	if p.cfg.CustomActionDLL != "" {
		dll, err := p.stageCustomAction(ctx)
		if err != nil {
			return err
		}
		if !p.cfg.NoTidy {
			defer removeIntermediate(ctx, dll)
		}
	}

	for _, arch := range p.cfg.Archs {
		artifact, err := p.buildArch(ctx, arch)
		switch {
		case errors.Is(err, ErrMissingPayload):
			level.Info(logger).Log("msg", "payload missing, skipped", "arch", arch, "err", err)
			result.Skipped = append(result.Skipped, arch)
		case err != nil:
			return errors.Wrapf(err, "building %s", arch)
		default:
			result.Built = append(result.Built, artifact)
		}
	}

	if len(result.Built) == 0 {
		return ErrNothingBuilt
	}
	return nil
}

// stageCustomAction copies the custom action dll, which is always the
// x86 build, into the work dir where the sources expect it.
func (p *Pipeline) stageCustomAction(ctx context.Context) (string, error) {
	src := filepath.Join(p.cfg.PayloadDir(X86), p.cfg.CustomActionDLL)
	dst := filepath.Join(p.cfg.WorkDir, p.cfg.CustomActionDLL)

	if _, err := os.Stat(src); err != nil {
		return "", errors.Wrapf(err, "custom action dll %s", src)
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return "", errors.Wrapf(err, "copying %s", src)
	}

	level.Debug(ctxlog.FromContext(ctx)).Log("msg", "staged custom action", "path", dst)
	return dst, nil
}

func (p *Pipeline) buildArch(ctx context.Context, arch Arch) (Artifact, error) {
	ctx, span := trace.StartSpan(ctx, "installer.buildArch")
	defer span.End()

	logger := log.With(ctxlog.FromContext(ctx), "arch", arch)
	ctx = ctxlog.NewContext(ctx, logger)

	target := p.cfg.Target(arch)
	ledger := provenance.NewLedger(p.cfg.LedgerPath)

	productCode, err := p.productCode(ctx, ledger, target)
	if err != nil {
		return Artifact{}, err
	}

	desc := Descriptor{
		Arch:               arch,
		BaseLanguage:       p.cfg.Languages[0],
		SecondaryLanguages: p.cfg.Languages[1:],
		PayloadDir:         p.cfg.PayloadDir(arch),
		Version:            p.version,
		UpgradeCode:        p.cfg.upgradeCode(),
		ProductCode:        productCode,
		InstallScope:       p.cfg.InstallScope,
	}

	tool := wix.New(p.cfg.WorkDir, p.wixOpts(desc)...)
	builder := NewPackageBuilder(p.cfg, desc, tool)

	if err := builder.CheckPayload(); err != nil {
		return Artifact{}, err
	}
	if !p.cfg.NoTidy {
		defer builder.Tidy(ctx)
	}

	base, err := builder.Build(ctx, desc.BaseLanguage)
	if err != nil {
		return Artifact{}, err
	}

	deriver := NewTransformDeriver(tool)
	transforms := make([]Transform, 0, len(desc.SecondaryLanguages))
	for _, lang := range desc.SecondaryLanguages {
		pkg, err := builder.Build(ctx, lang)
		if err != nil {
			return Artifact{}, err
		}
		t, err := deriver.Derive(ctx, base, pkg)
		if err != nil {
			return Artifact{}, err
		}
		transforms = append(transforms, t)
	}

	manifest, err := NewTransformMerger(p.open, !p.cfg.NoTidy).Merge(ctx, base, transforms)
	if err != nil {
		return Artifact{}, err
	}

	if p.cfg.Sign {
		opts := append([]authenticode.SigntoolOpt{authenticode.WithExecCC(p.execCC)}, p.cfg.SignOpts...)
		if err := authenticode.Sign(ctx, base.Path, opts...); err != nil {
			return Artifact{}, errors.Wrapf(err, "signing %s", base.Path)
		}
	}

	artifact := Artifact{
		Arch:        arch,
		Path:        base.Path,
		ProductCode: productCode,
		Manifest:    manifest,
	}

	if p.cfg.DryRun {
		level.Info(logger).Log("msg", "dry run, ledger not updated", "package", base.Path)
		return artifact, nil
	}

	recorder := provenance.NewRecorder(ledger, append([]provenance.RecorderOpt{provenance.WithOpener(p.open)}, p.recorderOpts...)...)
	artifact.Record, err = recorder.Record(ctx, base.Path, desc.Version.Tag(), desc.UpgradeCode, target)
	if err != nil {
		return Artifact{}, errors.Wrap(err, "recording provenance")
	}

	return artifact, nil
}

// productCode is fresh, unless reuse is on and the ledger already has
// this version and target. It is braced, matching what the package and
// the ledger hold.
func (p *Pipeline) productCode(ctx context.Context, ledger *provenance.Ledger, target string) (string, error) {
	if p.cfg.ReuseProductCode && p.cfg.LedgerPath != "" {
		rec, found, err := ledger.Find(p.version.Tag(), target)
		if err != nil {
			return "", errors.Wrap(err, "searching ledger")
		}
		if found {
			level.Info(ctxlog.FromContext(ctx)).Log("msg", "reusing product code", "product_code", rec.PackageID, "recorded", rec.Timestamp)
			return bracedGUID(rec.PackageID), nil
		}
	}
	return bracedGUID(p.newProductCode()), nil
}

func (p *Pipeline) wixOpts(desc Descriptor) []wix.Opt {
	opts := []wix.Opt{
		wix.WithExecCC(p.execCC),
		wix.WithExtension("WixUIExtension"),
		wix.WithExtension("WixUtilExtension"),
	}
	if p.cfg.WixPath != "" {
		opts = append(opts, wix.WithWix(p.cfg.WixPath))
	}
	if p.cfg.DockerImage != "" {
		opts = append(opts,
			wix.WithDocker(p.cfg.DockerImage),
			wix.WithMount(p.cfg.SourceDir),
			wix.WithMount(desc.PayloadDir),
		)
	}
	return opts
}
