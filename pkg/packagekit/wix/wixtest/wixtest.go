// Package wixtest fakes the wix toolset for tests. Commands built by
// HelperCommandContext re-exec the test binary, whose TestHelperProcess
// must call RunHelper. The fake tools read and write the same files the
// real ones do, with packages stored in the msidbtest format.
package wixtest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb/msidbtest"
)

const (
	helperEnv = "WIXTEST_HELPER_PROCESS"

	// WarnEnv names a tool (candle, light, torch) that should print a
	// warning and otherwise succeed.
	WarnEnv = "FAKE_WIX_WARN"

	// FailEnv names a tool that should exit non-zero.
	FailEnv = "FAKE_WIX_FAIL"
)

// HelperCommandContext returns a replacement for exec.CommandContext.
// env is added to the helper's environment, eg: FailEnv+"=light"
func HelperCommandContext(env ...string) func(context.Context, string, ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), helperEnv+"=1")
		cmd.Env = append(cmd.Env, env...)
		return cmd
	}
}

// RunHelper acts as the wix tool named in the arguments and exits. It
// returns immediately when the process is not a helper.
func RunHelper() {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "no command")
		os.Exit(2)
	}

	tool := strings.TrimSuffix(filepath.Base(args[0]), ".exe")

	if os.Getenv(FailEnv) == tool {
		fmt.Fprintf(os.Stderr, "%s.exe : error %s0001 : injected failure\n", tool, code(tool))
		os.Exit(1)
	}

	var err error
	switch tool {
	case "candle":
		err = candle(args[1:])
	case "light":
		err = light(args[1:])
	case "torch":
		err = torch(args[1:])
	default:
		// anything else just succeeds
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s.exe : error %s0002 : %v\n", tool, code(tool), err)
		os.Exit(1)
	}

	if os.Getenv(WarnEnv) == tool {
		fmt.Printf("%s.exe : warning %s1076 : injected warning\n", tool, code(tool))
	}

	os.Exit(0)
}

func code(tool string) string {
	switch tool {
	case "candle":
		return "CNDL"
	case "light":
		return "LGHT"
	case "torch":
		return "TRCH"
	}
	return "WIX"
}

// parsed is a wix command line.
type parsed struct {
	values     map[string]string // -flag value and -flag:value
	defines    map[string]string // -dNAME=value
	switches   map[string]bool
	positional []string
}

// flags which consume the next argument
var valueFlags = map[string]bool{
	"-arch": true,
	"-ext":  true,
	"-cc":   true,
	"-loc":  true,
	"-out":  true,
	"-t":    true,
}

func parse(args []string) parsed {
	p := parsed{
		values:   make(map[string]string),
		defines:  make(map[string]string),
		switches: make(map[string]bool),
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case valueFlags[a] && i+1 < len(args):
			p.values[a] = args[i+1]
			i++
		case strings.HasPrefix(a, "-d") && strings.Contains(a, "="):
			kv := strings.SplitN(strings.TrimPrefix(a, "-d"), "=", 2)
			p.defines[kv[0]] = kv[1]
		case strings.HasPrefix(a, "-") && strings.Contains(a, ":"):
			kv := strings.SplitN(a, ":", 2)
			p.values[kv[0]] = kv[1]
		case strings.HasPrefix(a, "-"):
			p.switches[a] = true
		default:
			p.positional = append(p.positional, a)
		}
	}
	return p
}

// candle writes <name>.wixobj to the working directory for each source,
// holding the architecture and the defines.
func candle(args []string) error {
	p := parse(args)
	if len(p.positional) == 0 {
		return fmt.Errorf("no sources")
	}

	for _, src := range p.positional {
		if _, err := os.Stat(src); err != nil {
			return err
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "arch=%s\n", p.values["-arch"])
		for k, v := range p.defines {
			fmt.Fprintf(&sb, "%s=%s\n", k, v)
		}

		obj := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".wixobj"
		if err := os.WriteFile(obj, []byte(sb.String()), 0644); err != nil {
			return err
		}
	}
	return nil
}

func readObject(path string) (map[string]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	kv := make(map[string]string)
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "=", 2)
		if len(parts) == 2 {
			kv[parts[0]] = parts[1]
		}
	}
	return kv, scanner.Err()
}

// Cultures known to the fake linker.
var Cultures = map[string]string{
	"en-us": "1033",
	"fr-fr": "1036",
	"de-de": "1031",
	"es-es": "3082",
	"it-it": "1040",
	"ja-jp": "1041",
}

var platforms = map[string]string{
	"x86":   "Intel",
	"x64":   "x64",
	"arm64": "Arm64",
}

// light links the objects into a package. The cabinet cache must exist
// when -reusecab is passed.
func light(args []string) error {
	p := parse(args)

	for _, f := range []string{p.defines["WixUILicenseRtf"], p.values["-loc"]} {
		if _, err := os.Stat(f); err != nil {
			return err
		}
	}

	cabCache := p.values["-cc"]
	if p.switches["-reusecab"] {
		if _, err := os.Stat(cabCache); err != nil {
			return fmt.Errorf("cabinet cache %s: %w", cabCache, err)
		}
	} else if err := os.MkdirAll(cabCache, 0755); err != nil {
		return err
	}

	if len(p.positional) == 0 {
		return fmt.Errorf("no objects")
	}
	obj, err := readObject(p.positional[0])
	if err != nil {
		return err
	}

	lcid, ok := Cultures[p.values["-cultures"]]
	if !ok {
		return fmt.Errorf("unknown culture %q", p.values["-cultures"])
	}

	db := msidbtest.New()
	db.Properties["ProductCode"] = braced(obj["PRODUCTID"])
	db.Properties["UpgradeCode"] = braced(obj["UPGRADECODE"])
	db.Properties["ProductVersion"] = obj["CURRENT_VERSION"]
	db.Properties["ProductLanguage"] = lcid
	db.Properties["@Template"] = platforms[obj["arch"]] + ";" + lcid

	return db.Save(p.values["-out"])
}

// light stores guids the way the installer tables hold them
func braced(guid string) string {
	if strings.HasPrefix(guid, "{") {
		return strings.ToUpper(guid)
	}
	return "{" + strings.ToUpper(guid) + "}"
}

// torch writes the properties that differ between the two packages.
func torch(args []string) error {
	p := parse(args)
	if len(p.positional) != 2 {
		return fmt.Errorf("expected base and target, got %v", p.positional)
	}

	base, err := msidbtest.Load(p.positional[0])
	if err != nil {
		return err
	}
	target, err := msidbtest.Load(p.positional[1])
	if err != nil {
		return err
	}

	var sb strings.Builder
	for k, v := range target.Properties {
		if base.Properties[k] != v {
			fmt.Fprintf(&sb, "%s=%s\n", k, v)
		}
	}
	return os.WriteFile(p.values["-out"], []byte(sb.String()), 0644)
}
