// Package buildnumber reads and bumps the product version kept in a C
// header of the form
//
//	#define ARB_VER_MAJOR 3
//	#define ARB_VER_MINOR 1
//	#define ARB_VER_DOT 0
//	#define ARB_VER_BUILD 1234
//
// The header is shared between concurrent build agents, so Bump only
// mutates it while holding a buildlock.
package buildnumber

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// DefaultPrefix is the macro prefix used by the version header.
const DefaultPrefix = "ARB"

// Version is a four part product version, major.minor.dot.build.
type Version struct {
	Major int
	Minor int
	Dot   int
	Build int
}

var versionRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)\.(\d+)$`)

// ParseVersion parses "3.1.0.1234", with or without a leading v.
func ParseVersion(s string) (Version, error) {
	matches := versionRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return Version{}, errors.Errorf("version %q is not major.minor.dot.build", s)
	}

	parts := make([]int, 4)
	for i := range parts {
		n, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return Version{}, errors.Wrapf(err, "parsing %q", matches[i+1])
		}
		parts[i] = n
	}

	return Version{Major: parts[0], Minor: parts[1], Dot: parts[2], Build: parts[3]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Dot, v.Build)
}

// ThreeDot is the version handed to the installer as its ProductVersion.
func (v Version) ThreeDot() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Dot)
}

// Underscored is used in output file names, eg: 3_1_0_1234
func (v Version) Underscored() string {
	return fmt.Sprintf("%d_%d_%d_%d", v.Major, v.Minor, v.Dot, v.Build)
}

// Tag is the form written to the provenance ledger, eg: v3.1.0.1234
func (v Version) Tag() string {
	return "v" + v.String()
}

// Validate checks the limits Windows Installer puts on a ProductVersion:
// major and minor below 256, the third field below 65536. The build
// number only reaches the four part file version, whose fields are also
// below 65536.
func (v Version) Validate() error {
	if v.Major < 0 || v.Minor < 0 || v.Dot < 0 || v.Build < 0 {
		return errors.Errorf("version %s has a negative field", v)
	}

	sv, err := semver.NewVersion(v.ThreeDot())
	if err != nil {
		return errors.Wrapf(err, "parsing %s as semver", v.ThreeDot())
	}

	c, err := semver.NewConstraint("< 256.0.0")
	if err != nil {
		return errors.Wrap(err, "version constraint")
	}
	if !c.Check(sv) {
		return errors.Errorf("major version %d must be less than 256", sv.Major())
	}
	if sv.Minor() >= 256 {
		return errors.Errorf("minor version %d must be less than 256", sv.Minor())
	}
	if sv.Patch() >= 65536 {
		return errors.Errorf("dot version %d must be less than 65536", sv.Patch())
	}
	if v.Build >= 65536 {
		return errors.Errorf("build number %d must be less than 65536", v.Build)
	}

	return nil
}

func defineRegex(prefix, field string) *regexp.Regexp {
	return regexp.MustCompile(`^\s*#define\s+` + regexp.QuoteMeta(prefix+"_VER_"+field) + `\s+(\d+)\s*$`)
}

// Read parses the version header at path. All four fields must be present.
func Read(path string, prefix string) (Version, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Version{}, errors.Wrapf(err, "reading %s", path)
	}
	return parseHeader(contents, prefix)
}

func parseHeader(contents []byte, prefix string) (Version, error) {
	fields := []string{"MAJOR", "MINOR", "DOT", "BUILD"}
	regexes := make([]*regexp.Regexp, len(fields))
	for i, f := range fields {
		regexes[i] = defineRegex(prefix, f)
	}

	found := make([]bool, len(fields))
	values := make([]int, len(fields))

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	for scanner.Scan() {
		line := scanner.Text()
		for i, re := range regexes {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return Version{}, errors.Wrapf(err, "parsing %s_VER_%s", prefix, fields[i])
			}
			values[i] = n
			found[i] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return Version{}, errors.Wrap(err, "scanning version header")
	}

	for i, ok := range found {
		if !ok {
			return Version{}, errors.Errorf("missing #define %s_VER_%s", prefix, fields[i])
		}
	}

	return Version{Major: values[0], Minor: values[1], Dot: values[2], Build: values[3]}, nil
}

// Bump increments the build field of the version header at path. The
// header is only touched while lockPath is held; when another agent holds
// it, buildlock.ErrBusy is returned and nothing changes.
func Bump(ctx context.Context, path, prefix, lockPath string, lockOpts ...buildlock.Option) (Version, error) {
	ctx, span := trace.StartSpan(ctx, "buildnumber.Bump")
	defer span.End()

	var bumped Version
	err := buildlock.Do(ctx, lockPath, func(ctx context.Context) error {
		contents, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}

		current, err := parseHeader(contents, prefix)
		if err != nil {
			return err
		}

		bumped = current
		bumped.Build++

		re := regexp.MustCompile(`(?m)^(\s*#define\s+` + regexp.QuoteMeta(prefix+"_VER_BUILD") + `\s+)\d+`)
		updated := re.ReplaceAll(contents, []byte("${1}"+strconv.Itoa(bumped.Build)))

		if err := writeFileAtomic(path, updated); err != nil {
			return err
		}

		level.Info(ctxlog.FromContext(ctx)).Log(
			"msg", "bumped build number",
			"from", current.String(),
			"to", bumped.String(),
		)
		return nil
	}, lockOpts...)

	if err != nil {
		return Version{}, err
	}
	return bumped, nil
}

func writeFileAtomic(path string, contents []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}

	return errors.Wrapf(os.Rename(tmp.Name(), path), "replacing %s", path)
}
