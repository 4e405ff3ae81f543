package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/agilityrecordbook/installer/pkg/buildnumber"
	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/logutil"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

func runBump(args []string) error {
	flagset := flag.NewFlagSet("bump", flag.ExitOnError)
	var (
		flDebug         = flagset.Bool("debug", false, "enable debug logging")
		flVersionFile   = flagset.String("version_file", filepath.Join("Include", "VersionNumber.h"), "header holding the version")
		flVersionPrefix = flagset.String("version_prefix", buildnumber.DefaultPrefix, "macro prefix in the version header")
		flLock          = flagset.String("lock", "", "build lock file (default: <version_file>.lck)")
		flStaleAfter    = flagset.Duration("stale_after", buildlock.DefaultStaleAfter, "age at which an abandoned lock is reclaimed")
		_               = flagset.String("config", "", "config file (optional)")
	)

	flagset.Usage = usageFor(flagset, "msi-builder bump [flags]")
	if err := ff.Parse(flagset, args,
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix(envPrefix),
	); err != nil {
		return err
	}

	logger := logutil.NewCLILogger(*flDebug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	lockPath := *flLock
	if lockPath == "" {
		lockPath = *flVersionFile + ".lck"
	}

	v, err := buildnumber.Bump(ctx, *flVersionFile, *flVersionPrefix, lockPath, buildlock.WithStaleAfter(*flStaleAfter))
	switch {
	case errors.Is(err, buildlock.ErrBusy):
		level.Info(logger).Log("msg", "locked, skipping", "lock", lockPath)
		return nil
	case err != nil:
		return err
	}

	fmt.Println(v.String())
	return nil
}
