package wix

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// ErrWarnings is the cause of a ToolError raised because the tool
// printed warnings.
var ErrWarnings = errors.New("tool emitted warnings")

// wix message ids look like CNDL1000, LGHT1076, TRCH0001
var warningRegex = regexp.MustCompile(`(?m)\bwarning\s+[A-Z]{3,5}\d{4}\b`)

// ToolError is returned when a wix tool fails. It carries the command
// line and the tool's own output, so the failure can be reported.
type ToolError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v\n%s", e.Cmd, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Define is a preprocessor variable handed to candle as -dName=Value
type Define struct {
	Name  string
	Value string
}

type Tool struct {
	wixPath     string   // Where is wix installed? Empty means use PATH
	workDir     string   // The wix tools want to work in a build dir.
	extensions  []string // -ext arguments for candle and light
	dockerImage string   // If in docker, what image?
	mounts      []string // extra directories to mount into docker

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type Opt func(*Tool)

func WithWix(path string) Opt {
	return func(t *Tool) {
		t.wixPath = path
	}
}

func WithExtension(name string) Opt {
	return func(t *Tool) {
		t.extensions = append(t.extensions, name)
	}
}

// WithDocker runs the tools under wine, in the given docker image.
func WithDocker(image string) Opt {
	return func(t *Tool) {
		t.dockerImage = image
	}
}

// WithMount adds a directory that must be visible to the tools when
// running in docker. The work dir is always mounted.
func WithMount(dir string) Opt {
	return func(t *Tool) {
		t.mounts = append(t.mounts, dir)
	}
}

// WithExecCC replaces exec.CommandContext.
func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(t *Tool) {
		t.execCC = execCC
	}
}

// New returns a Tool that runs the wix commands in workDir.
func New(workDir string, opts ...Opt) *Tool {
	t := &Tool{
		workDir: workDir,
		execCC:  exec.CommandContext,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Tool) WorkDir() string {
	return t.workDir
}

// Candle invokes wix's candle command. This is the wix compiler, It
// preprocesses and compiles WiX source files into object files
// (.wixobj). The object files land in the work dir, and their paths are
// returned in source order.
func (t *Tool) Candle(ctx context.Context, arch string, defines []Define, sources []string) ([]string, error) {
	ctx, span := trace.StartSpan(ctx, "wix.Candle")
	defer span.End()

	args := []string{
		"-nologo",
		"-wx",
		"-pedantic",
		"-arch", arch,
	}
	args = append(args, t.extArgs()...)
	for _, d := range defines {
		args = append(args, fmt.Sprintf("-d%s=%s", d.Name, d.Value))
	}
	args = append(args, sources...)

	if _, err := t.execOut(ctx, t.toolPath("candle"), args...); err != nil {
		return nil, err
	}

	objects := make([]string, len(sources))
	for i, src := range sources {
		objects[i] = filepath.Join(t.workDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".wixobj")
	}
	return objects, nil
}

// LightOpts are the per-language inputs to light.
type LightOpts struct {
	Culture    string   // eg: en-us
	Localize   string   // path to the wxl strings
	LicenseRtf string   // path to the license shown by WixUI
	CabCache   string   // cabinet cache directory
	ReuseCab   bool     // reuse cabinets already in CabCache
	Objects    []string // wixobj files from candle
	Out        string   // msi to write
}

// Light invokes wix's light command. This links and binds one or more
// .wixobj files and creates a Windows Installer database (.msi or
// .msm). See http://wixtoolset.org/documentation/manual/v3/overview/light.html for options
func (t *Tool) Light(ctx context.Context, lo LightOpts) error {
	ctx, span := trace.StartSpan(ctx, "wix.Light")
	defer span.End()

	args := []string{
		"-nologo",
		"-wx",
		"-pedantic",
		"-spdb",
		"-dcl:high", // compression level
		"-cc", lo.CabCache,
	}
	if lo.ReuseCab {
		args = append(args, "-reusecab")
	}
	args = append(args, t.extArgs()...)
	args = append(args,
		"-dWixUILicenseRtf="+lo.LicenseRtf,
		"-cultures:"+lo.Culture,
		"-loc", lo.Localize,
		"-out", lo.Out,
	)
	args = append(args, lo.Objects...)

	_, err := t.execOut(ctx, t.toolPath("light"), args...)
	return err
}

// Torch invokes wix's torch command, producing a language transform
// that turns base into target.
func (t *Tool) Torch(ctx context.Context, base, target, out string) error {
	ctx, span := trace.StartSpan(ctx, "wix.Torch")
	defer span.End()

	_, err := t.execOut(ctx, t.toolPath("torch"),
		"-nologo",
		"-p",
		"-t", "language",
		base,
		target,
		"-out", out,
	)
	return err
}

func (t *Tool) toolPath(name string) string {
	if t.wixPath == "" {
		return name
	}
	return filepath.Join(t.wixPath, name+".exe")
}

func (t *Tool) extArgs() []string {
	var args []string
	for _, ext := range t.extensions {
		args = append(args, "-ext", ext)
	}
	return args
}

func (t *Tool) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	if t.dockerImage != "" {
		dockerArgs := []string{
			"run",
			"--entrypoint", "",
			"-v", fmt.Sprintf("%s:%s", t.workDir, t.workDir),
		}
		for _, m := range t.mounts {
			dockerArgs = append(dockerArgs, "-v", fmt.Sprintf("%s:%s", m, m))
		}
		dockerArgs = append(dockerArgs,
			"-w", t.workDir,
			t.dockerImage,
			"wine",
			argv0,
		)
		args = append(dockerArgs, args...)
		argv0 = "docker"
	}

	cmd := t.execCC(ctx, argv0, args...)
	cmdLine := strings.Join(cmd.Args, " ")

	level.Info(logger).Log(
		"msg", "running",
		"cmd", cmdLine,
	)

	cmd.Dir = t.workDir
	out := new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = out, out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())

	if err != nil {
		return output, &ToolError{Cmd: cmdLine, Output: output, Err: err}
	}

	if warningRegex.MatchString(output) {
		return output, &ToolError{Cmd: cmdLine, Output: output, Err: ErrWarnings}
	}

	level.Debug(logger).Log("msg", "finished", "cmd", filepath.Base(argv0), "output", output)
	return output, nil
}
