package main

import (
	"context"
	"flag"

	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/agilityrecordbook/installer/pkg/datafile"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/logutil"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

func parseDatafile(args []string) (datafile.Options, bool, error) {
	flagset := flag.NewFlagSet("datafile", flag.ExitOnError)
	var (
		flDebug      = flagset.Bool("debug", false, "enable debug logging")
		flLangDir    = flagset.String("l", "", "lang directory, holding a directory of catalogs per language id")
		flExtraLists arrayFlags
		flUpdater    = flagset.String("updater", "", "updater binary packed at the archive root")
	)
	flagset.Var(&flExtraLists, "f", "additional file list (may be repeated)")

	flagset.Usage = usageFor(flagset, "msi-builder datafile [flags] filelist intermediateDir targetname")
	if err := ff.Parse(flagset, args, ff.WithEnvVarPrefix(envPrefix)); err != nil {
		return datafile.Options{}, false, err
	}

	if flagset.NArg() != 3 {
		flagset.Usage()
		return datafile.Options{}, false, errors.Errorf("expected filelist, intermediateDir and targetname, got %d arguments", flagset.NArg())
	}

	opts := datafile.Options{
		FileLists:       append([]string{flagset.Arg(0)}, flExtraLists...),
		LangDir:         *flLangDir,
		IntermediateDir: flagset.Arg(1),
		Target:          flagset.Arg(2),
	}
	if *flUpdater != "" {
		opts.Extra = []string{*flUpdater}
	}

	return opts, *flDebug, nil
}

func runDatafile(args []string) error {
	opts, debug, err := parseDatafile(args)
	if err != nil {
		return err
	}

	logger := logutil.NewCLILogger(debug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	_, err = datafile.Pack(ctx, opts)
	if errors.Is(err, buildlock.ErrBusy) {
		level.Info(logger).Log("msg", "datafile is locked", "dir", opts.IntermediateDir)
		return nil
	}
	return err
}
