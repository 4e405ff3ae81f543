// Package authenticode is a light wrapper around signtool.exe, used to
// sign the finished packages.
//
// See
//
// https://docs.microsoft.com/en-us/dotnet/framework/tools/signtool-exe
package authenticode

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const (
	defaultRFC3161Server = "http://timestamp.digicert.com"
)

// signtoolOptions are the options for how we call signtool.exe. These
// are *not* the tool options, but instead our own representation of
// the arguments.
type signtoolOptions struct {
	extraArgs      []string
	subjectName    string // If present, use this as the `/n` argument
	skipValidation bool
	signtoolPath   string
	rfc3161Server  string

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type SigntoolOpt func(*signtoolOptions)

func SkipValidation() SigntoolOpt {
	return func(so *signtoolOptions) {
		so.skipValidation = true
	}
}

// WithExtraArgs set additional arguments for signtool. Common ones may be {`/f`, "cert.pfx"}
func WithExtraArgs(args []string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.extraArgs = args
	}
}

func WithSubjectName(name string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.subjectName = name
	}
}

func WithSigntoolPath(path string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.signtoolPath = path
	}
}

func WithTimestampServer(url string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.rfc3161Server = url
	}
}

func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.execCC = execCC
	}
}

// Sign signs file in place, with a sha256 digest and an RFC 3161
// timestamp, and then verifies the signature.
func Sign(ctx context.Context, file string, opts ...SigntoolOpt) error {
	ctx, span := trace.StartSpan(ctx, "authenticode.Sign")
	defer span.End()

	so := &signtoolOptions{
		signtoolPath:  "signtool.exe",
		rfc3161Server: defaultRFC3161Server,
		execCC:        exec.CommandContext,
	}

	for _, opt := range opts {
		opt(so)
	}

	args := []string{
		"sign",
		"/fd", "sha256",
		"/tr", so.rfc3161Server,
		"/td", "sha256",
		"/v",
	}
	if so.subjectName != "" {
		args = append(args, "/n", so.subjectName)
	}
	args = append(args, so.extraArgs...)
	args = append(args, file)

	if _, _, err := so.execOut(ctx, so.signtoolPath, args...); err != nil {
		return errors.Wrap(err, "calling signtool")
	}

	if so.skipValidation {
		return nil
	}

	if _, _, err := so.execOut(ctx, so.signtoolPath, "verify", "/pa", "/v", file); err != nil {
		return errors.Wrap(err, "verifying signature")
	}

	return nil
}

func (so *signtoolOptions) execOut(ctx context.Context, argv0 string, args ...string) (string, string, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := so.execCC(ctx, argv0, args...)

	level.Info(logger).Log(
		"msg", "running",
		"cmd", strings.Join(cmd.Args, " "),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), errors.Wrapf(err, "run command %s %v, stdout=%s, stderr=%s", argv0, args, stdout, stderr)
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), nil
}
