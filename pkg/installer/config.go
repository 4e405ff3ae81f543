package installer

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agilityrecordbook/installer/pkg/packagekit/authenticode"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Arch string

const (
	X86   Arch = "x86"
	X64   Arch = "x64"
	ARM64 Arch = "arm64"
)

// AllArchs is the build order when every architecture is requested.
var AllArchs = []Arch{X86, X64, ARM64}

func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86", "win32", "386", "32":
		return X86, nil
	case "x64", "amd64", "64":
		return X64, nil
	case "arm64", "aarch64":
		return ARM64, nil
	}
	return "", errors.Errorf("unknown architecture %q", s)
}

// ParseArchs parses a comma separated list. "all" selects every
// architecture. Duplicates are dropped.
func ParseArchs(s string) ([]Arch, error) {
	if strings.TrimSpace(s) == "all" {
		return AllArchs, nil
	}

	var archs []Arch
	seen := make(map[Arch]bool)
	for _, field := range strings.Split(s, ",") {
		if strings.TrimSpace(field) == "" {
			continue
		}
		a, err := ParseArch(field)
		if err != nil {
			return nil, err
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		archs = append(archs, a)
	}

	if len(archs) == 0 {
		return nil, errors.New("no architectures selected")
	}
	return archs, nil
}

// fileSuffix is the architecture's part of the output name.
func (a Arch) fileSuffix() string {
	if a == X86 {
		return "win"
	}
	return string(a)
}

// Language is a wix culture and its windows language id, eg en-us and 1033.
type Language struct {
	Culture string
	ID      string
}

func (l Language) String() string {
	return l.Culture + ":" + l.ID
}

// ParseLanguages parses "en-us:1033,fr-fr:1036". The order is kept; the
// first entry is the base language.
func ParseLanguages(s string) ([]Language, error) {
	var langs []Language
	seen := make(map[string]bool)

	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		parts := strings.SplitN(field, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, errors.Errorf("language %q is not culture:id", field)
		}
		if _, err := strconv.ParseUint(parts[1], 10, 16); err != nil {
			return nil, errors.Wrapf(err, "language id for %s", parts[0])
		}

		lang := Language{Culture: strings.ToLower(parts[0]), ID: parts[1]}
		if seen[lang.ID] || seen[lang.Culture] {
			return nil, errors.Errorf("language %s listed twice", lang)
		}
		seen[lang.ID], seen[lang.Culture] = true, true
		langs = append(langs, lang)
	}

	if len(langs) == 0 {
		return nil, errors.New("no languages")
	}
	return langs, nil
}

// Config is built once at startup and shared, read only, by every stage.
type Config struct {
	WixPath     string // directory holding candle.exe etc. Empty uses PATH
	DockerImage string // run the wix tools under wine in this image

	SourceDir       string   // wxs sources, License_<culture>.rtf and <ProductName>_<culture>.wxl
	WorkDir         string   // object files, cabinet cache and packages
	ProductName     string   // eg: AgilityBook
	WxsFiles        []string // relative to SourceDir
	AppBinary       string   // must exist in the payload dir, eg: AgilityBook.exe
	PayloadPattern  string   // payload directory, {arch} is replaced
	CustomActionDLL string   // copied from the x86 payload into WorkDir, if set

	Archs     []Arch
	Languages []Language // the first is the base language

	UpgradeCode  string // empty uses the shipped code, or derives one for other products
	InstallScope string // perMachine or perUser
	Toolchain    string // eg: vc142, part of the ledger target

	NoTidy           bool
	DryRun           bool
	ReuseProductCode bool

	LedgerPath string
	LockPath   string // empty uses WorkDir/msi-builder.lck

	Sign     bool
	SignOpts []authenticode.SigntoolOpt
}

func (c *Config) Validate() error {
	switch {
	case c.SourceDir == "":
		return errors.New("missing source dir")
	case c.WorkDir == "":
		return errors.New("missing work dir")
	case c.ProductName == "":
		return errors.New("missing product name")
	case len(c.WxsFiles) == 0:
		return errors.New("no wxs files")
	case c.AppBinary == "":
		return errors.New("missing application binary name")
	case !strings.Contains(c.PayloadPattern, "{arch}"):
		return errors.Errorf("payload pattern %q does not contain {arch}", c.PayloadPattern)
	case len(c.Archs) == 0:
		return errors.New("no architectures")
	case len(c.Languages) == 0:
		return errors.New("no languages")
	case c.LedgerPath == "" && !c.DryRun:
		return errors.New("missing ledger path")
	}

	switch c.InstallScope {
	case "perMachine", "perUser":
	default:
		return errors.Errorf("install scope %q is neither perMachine nor perUser", c.InstallScope)
	}

	if c.UpgradeCode != "" {
		if _, err := uuid.Parse(c.UpgradeCode); err != nil {
			return errors.Wrapf(err, "upgrade code %s", c.UpgradeCode)
		}
	}

	return nil
}

func (c *Config) PayloadDir(arch Arch) string {
	return strings.ReplaceAll(c.PayloadPattern, "{arch}", string(arch))
}

// Target describes the build in the ledger, eg: vc142-x64
func (c *Config) Target(arch Arch) string {
	if c.Toolchain == "" {
		return string(arch)
	}
	return c.Toolchain + "-" + string(arch)
}

func (c *Config) lockPath() string {
	if c.LockPath != "" {
		return c.LockPath
	}
	return filepath.Join(c.WorkDir, "msi-builder.lck")
}

func (c *Config) upgradeCode() string {
	if c.UpgradeCode != "" {
		return strings.ToUpper(c.UpgradeCode)
	}
	if c.ProductName == "AgilityBook" {
		return AgilityBookUpgradeCode
	}
	return UpgradeCodeFor(c.ProductName)
}

func (c *Config) sources() []string {
	paths := make([]string, len(c.WxsFiles))
	for i, f := range c.WxsFiles {
		paths[i] = filepath.Join(c.SourceDir, f)
	}
	return paths
}

func (c *Config) licenseRtf(lang Language) string {
	return filepath.Join(c.SourceDir, "License_"+lang.Culture+".rtf")
}

func (c *Config) localization(lang Language) string {
	return filepath.Join(c.SourceDir, c.ProductName+"_"+lang.Culture+".wxl")
}
