package installer

import (
	"strings"

	"github.com/agilityrecordbook/installer/pkg/buildnumber"
	"github.com/google/uuid"
)

// AgilityBookUpgradeCode is the shipped upgrade code of AgilityBook. It
// must match UPGRADECODE in AgilityBook.wxi.
const AgilityBookUpgradeCode = "4D018FAD-2CBC-4A92-B6AC-4BAAECEED8F4"

// upgradeNamespace seeds derived upgrade codes.
var upgradeNamespace = uuid.MustParse(AgilityBookUpgradeCode)

// Descriptor is everything needed to build one architecture's
// packages. It is created once per architecture and not changed.
type Descriptor struct {
	Arch               Arch
	BaseLanguage       Language
	SecondaryLanguages []Language
	PayloadDir         string
	Version            buildnumber.Version
	UpgradeCode        string // constant across releases
	ProductCode        string // shared by every language of the build
	InstallScope       string
}

// UpgradeCodeFor is a stable guid that is used to identify the product
// across releases. It must never change once shipped, so it is derived
// in a predictable fashion from a set of inputs. See
// https://docs.microsoft.com/en-us/windows/desktop/Msi/upgradecode
func UpgradeCodeFor(ident1 string, identN ...string) string {
	name := ident1 + strings.Join(identN, "")
	return strings.ToUpper(uuid.NewMD5(upgradeNamespace, []byte(name)).String())
}

// NewProductCode returns a fresh product code.
func NewProductCode() string {
	return strings.ToUpper(uuid.New().String())
}

// bracedGUID is the form Windows Installer keeps in the Property table,
// and so the form read back from a built package.
func bracedGUID(guid string) string {
	return "{" + strings.ToUpper(strings.Trim(guid, "{}")) + "}"
}
