package main

import (
	"context"
	"flag"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/agilityrecordbook/installer/pkg/buildnumber"
	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/agilityrecordbook/installer/pkg/installer"
	"github.com/agilityrecordbook/installer/pkg/packagekit/authenticode"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

const envPrefix = "MSI_BUILDER"

// makeOptions are the make settings that are not part of the pipeline
// config.
type makeOptions struct {
	debug         bool
	versionFile   string
	versionPrefix string
	staleAfter    time.Duration
}

// defaultWixPath follows the WIX variable set by the wix installer.
func defaultWixPath() string {
	if dir := env.String("WIX", ""); dir != "" {
		return filepath.Join(dir, "bin")
	}
	return ""
}

func parseMake(args []string) (*installer.Config, makeOptions, error) {
	flagset := flag.NewFlagSet("make", flag.ExitOnError)
	var (
		flDebug         = flagset.Bool("debug", false, "enable debug logging")
		flArchs         = flagset.String("arch", "x86,x64", "comma separated architectures to build (x86, x64, arm64, or all)")
		flNoTidy        = flagset.Bool("notidy", false, "keep intermediate files")
		flTest          = flagset.Bool("test", false, "build for testing; the ledger is not updated")
		flUser          = flagset.Bool("user", false, "create a per-user install (default: per-machine)")
		flWix           = flagset.String("wix", defaultWixPath(), "directory holding the wix tools")
		flDocker        = flagset.String("docker", "", "run the wix tools under wine in this docker image")
		flSourceDir     = flagset.String("source_dir", ".", "directory with the wxs, wxl and license files")
		flWorkDir       = flagset.String("work_dir", ".", "directory for intermediate files and packages")
		flProduct       = flagset.String("product", "AgilityBook", "product name, used in file names")
		flWxs           = flagset.String("wxs", "AgilityBook.wxs,Dialogs.wxs", "comma separated wxs sources")
		flAppBinary     = flagset.String("app", "AgilityBook.exe", "application binary that must be in the payload")
		flPayload       = flagset.String("payload", filepath.Join("bin", "{arch}", "Release"), "payload directory, {arch} is replaced")
		flCustomAction  = flagset.String("ca_dll", "", "custom action dll to copy from the x86 payload")
		flLanguages     = flagset.String("languages", "en-us:1033,fr-fr:1036", "culture:id list, the first is the base language")
		flVersionFile   = flagset.String("version_file", filepath.Join("Include", "VersionNumber.h"), "header holding the version")
		flVersionPrefix = flagset.String("version_prefix", buildnumber.DefaultPrefix, "macro prefix in the version header")
		flLedger        = flagset.String("ledger", filepath.Join("Misc", "InstallGUIDs.csv"), "provenance ledger")
		flLock          = flagset.String("lock", "", "build lock file (default: <work_dir>/msi-builder.lck)")
		flStaleAfter    = flagset.Duration("stale_after", buildlock.DefaultStaleAfter, "age at which an abandoned lock is reclaimed")
		flUpgradeCode   = flagset.String("upgrade_code", "", "upgrade code (default: the shipped AgilityBook code, or derived from the product name)")
		flToolchain     = flagset.String("toolchain", "vc142", "toolchain tag recorded in the ledger")
		flReuse         = flagset.Bool("reuse_product_code", false, "reuse the recorded product code when rebuilding a version")
		flSign          = flagset.Bool("sign", false, "sign the packages with signtool")
		flSignSubject   = flagset.String("sign_subject", "", "certificate subject name for signtool")
		flSigntool      = flagset.String("signtool", "signtool.exe", "path to signtool")
		_               = flagset.String("config", "", "config file (optional)")
	)

	flagset.Usage = usageFor(flagset, "msi-builder make [flags]")
	if err := ff.Parse(flagset, args,
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix(envPrefix),
	); err != nil {
		return nil, makeOptions{}, err
	}

	archs, err := installer.ParseArchs(*flArchs)
	if err != nil {
		return nil, makeOptions{}, err
	}

	languages, err := installer.ParseLanguages(*flLanguages)
	if err != nil {
		return nil, makeOptions{}, err
	}

	scope := "perMachine"
	if *flUser {
		scope = "perUser"
	}

	var wxs []string
	for _, f := range strings.Split(*flWxs, ",") {
		if f = strings.TrimSpace(f); f != "" {
			wxs = append(wxs, f)
		}
	}

	cfg := &installer.Config{
		WixPath:          *flWix,
		DockerImage:      *flDocker,
		SourceDir:        *flSourceDir,
		WorkDir:          *flWorkDir,
		ProductName:      *flProduct,
		WxsFiles:         wxs,
		AppBinary:        *flAppBinary,
		PayloadPattern:   *flPayload,
		CustomActionDLL:  *flCustomAction,
		Archs:            archs,
		Languages:        languages,
		UpgradeCode:      *flUpgradeCode,
		InstallScope:     scope,
		Toolchain:        *flToolchain,
		NoTidy:           *flNoTidy,
		DryRun:           *flTest,
		ReuseProductCode: *flReuse,
		LedgerPath:       *flLedger,
		LockPath:         *flLock,
		Sign:             *flSign,
	}

	if cfg.Sign {
		cfg.SignOpts = append(cfg.SignOpts, authenticode.WithSigntoolPath(*flSigntool))
		if *flSignSubject != "" {
			cfg.SignOpts = append(cfg.SignOpts, authenticode.WithSubjectName(*flSignSubject))
		}
	}

	return cfg, makeOptions{
		debug:         *flDebug,
		versionFile:   *flVersionFile,
		versionPrefix: *flVersionPrefix,
		staleAfter:    *flStaleAfter,
	}, nil
}

func runMake(args []string) error {
	cfg, opts, err := parseMake(args)
	if err != nil {
		return err
	}

	logger := logutil.NewCLILogger(opts.debug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	version, err := buildnumber.Read(opts.versionFile, opts.versionPrefix)
	if err != nil {
		return errors.Wrap(err, "reading version")
	}

	pipeline, err := installer.NewPipeline(cfg, version,
		installer.WithLockOptions(buildlock.WithStaleAfter(opts.staleAfter)),
	)
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx)
	if errors.Is(err, buildlock.ErrBusy) {
		level.Info(logger).Log("msg", "locked, skipping", "run_id", result.RunID)
		return nil
	}

	for _, arch := range result.Skipped {
		level.Info(logger).Log("msg", "skipped", "arch", arch)
	}
	for _, a := range result.Built {
		level.Info(logger).Log(
			"msg", "built",
			"arch", a.Arch,
			"package", a.Path,
			"product_code", a.ProductCode,
			"languages", a.Manifest.String(),
		)
	}

	if err != nil {
		level.Info(logger).Log("msg", "build failed", "run_id", result.RunID, "err", err)
		return err
	}

	return nil
}
