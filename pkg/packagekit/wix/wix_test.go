package wix

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb/msidbtest"
	"github.com/agilityrecordbook/installer/pkg/packagekit/wix/wixtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess isn't a real test. It's used as a helper process
// to fake the wix tools. See
// https://github.com/golang/go/blob/master/src/os/exec/exec_test.go#L724
// and https://npf.io/2015/06/testing-exec-command/
func TestHelperProcess(t *testing.T) {
	wixtest.RunHelper()
}

func writeSources(t *testing.T, dir string, names ...string) []string {
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(paths[i], []byte("<Wix/>"), 0644))
	}
	return paths
}

func TestCandle(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	sources := writeSources(t, t.TempDir(), "Product.wxs", "Fragments.wxs")

	tool := New(workDir, WithExecCC(wixtest.HelperCommandContext()), WithExtension("WixUIExtension"))

	objects, err := tool.Candle(context.TODO(), "x64", []Define{
		{Name: "PRODUCTID", Value: "0D597685-1969-5D11-B2D6-600939967590"},
		{Name: "CURRENT_VERSION", Value: "9.1.0"},
	}, sources)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(workDir, "Product.wixobj"),
		filepath.Join(workDir, "Fragments.wixobj"),
	}, objects)

	contents, err := os.ReadFile(objects[0])
	require.NoError(t, err)
	require.Contains(t, string(contents), "arch=x64")
	require.Contains(t, string(contents), "PRODUCTID=0D597685-1969-5D11-B2D6-600939967590")
	require.Contains(t, string(contents), "CURRENT_VERSION=9.1.0")
}

func TestLightAndTorch(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	srcDir := t.TempDir()
	sources := writeSources(t, srcDir, "Product.wxs", "License_en-us.rtf", "License_fr-fr.rtf", "Product_en-us.wxl", "Product_fr-fr.wxl")

	tool := New(workDir, WithExecCC(wixtest.HelperCommandContext()))
	ctx := context.TODO()

	objects, err := tool.Candle(ctx, "x86", []Define{
		{Name: "PRODUCTID", Value: "0d597685-1969-5d11-b2d6-600939967590"},
		{Name: "CURRENT_VERSION", Value: "9.1.0"},
	}, sources[:1])
	require.NoError(t, err)

	cabCache := filepath.Join(workDir, "cabcache")

	// Reusing a cache that was never filled is a link failure
	err = tool.Light(ctx, LightOpts{
		Culture:    "en-us",
		Localize:   sources[3],
		LicenseRtf: sources[1],
		CabCache:   cabCache,
		ReuseCab:   true,
		Objects:    objects,
		Out:        filepath.Join(workDir, "en-us.msi"),
	})
	require.Error(t, err)

	for i, culture := range []string{"en-us", "fr-fr"} {
		require.NoError(t, tool.Light(ctx, LightOpts{
			Culture:    culture,
			Localize:   sources[3+i],
			LicenseRtf: sources[1+i],
			CabCache:   cabCache,
			ReuseCab:   i > 0,
			Objects:    objects,
			Out:        filepath.Join(workDir, culture+".msi"),
		}))
	}
	require.DirExists(t, cabCache)

	db, err := msidbtest.Load(filepath.Join(workDir, "fr-fr.msi"))
	require.NoError(t, err)
	require.Equal(t, "{0D597685-1969-5D11-B2D6-600939967590}", db.Properties["ProductCode"])
	require.Equal(t, "Intel;1036", db.Properties["@Template"])

	mst := filepath.Join(workDir, "1036.mst")
	require.NoError(t, tool.Torch(ctx, filepath.Join(workDir, "en-us.msi"), filepath.Join(workDir, "fr-fr.msi"), mst))

	contents, err := os.ReadFile(mst)
	require.NoError(t, err)
	require.Contains(t, string(contents), "ProductLanguage=1036")
	require.NotContains(t, string(contents), "ProductCode")
}

func TestToolErrors(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name     string
		env      string
		warnings bool
		output   string
	}{
		{
			name:     "warning",
			env:      wixtest.WarnEnv + "=candle",
			warnings: true,
			output:   "warning CNDL1076",
		},
		{
			name:   "failure",
			env:    wixtest.FailEnv + "=candle",
			output: "error CNDL0001",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			workDir := t.TempDir()
			sources := writeSources(t, t.TempDir(), "Product.wxs")
			tool := New(workDir, WithExecCC(wixtest.HelperCommandContext(tt.env)))

			_, err := tool.Candle(context.TODO(), "x64", nil, sources)
			require.Error(t, err)

			var toolErr *ToolError
			require.True(t, errors.As(err, &toolErr))
			require.Contains(t, toolErr.Cmd, "candle")
			require.Contains(t, toolErr.Cmd, sources[0])
			require.Contains(t, toolErr.Output, tt.output)
			require.Equal(t, tt.warnings, errors.Is(err, ErrWarnings))
		})
	}
}

func TestCommandLines(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name     string
		opts     []Opt
		contains []string
		first    string
	}{
		{
			name:     "path",
			first:    "candle",
			contains: []string{"-nologo", "-wx", "-pedantic", "-arch x64", "-ext WixUIExtension -ext WixUtilExtension"},
			opts:     []Opt{WithExtension("WixUIExtension"), WithExtension("WixUtilExtension")},
		},
		{
			name:     "wix path",
			first:    filepath.Join("/opt/wix/bin", "candle.exe"),
			contains: []string{"-arch x64"},
			opts:     []Opt{WithWix("/opt/wix/bin")},
		},
		{
			name:     "docker",
			first:    "docker",
			contains: []string{"run --entrypoint", "-v /src:/src", "felfert/wix wine " + filepath.Join("/opt/wix/bin", "candle.exe")},
			opts:     []Opt{WithWix("/opt/wix/bin"), WithDocker("felfert/wix"), WithMount("/src")},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var recorded []string
			helper := wixtest.HelperCommandContext()
			record := func(ctx context.Context, name string, args ...string) *exec.Cmd {
				recorded = append([]string{name}, args...)
				// run something harmless
				return helper(ctx, "true")
			}

			tool := New(t.TempDir(), append(tt.opts, WithExecCC(record))...)
			_, err := tool.Candle(context.TODO(), "x64", []Define{{Name: "A", Value: "b"}}, []string{"/src/Product.wxs"})
			require.NoError(t, err)

			require.Equal(t, tt.first, recorded[0])
			cmdLine := strings.Join(recorded, " ")
			for _, c := range tt.contains {
				require.Contains(t, cmdLine, c)
			}
			require.True(t, strings.HasSuffix(cmdLine, "-dA=b /src/Product.wxs"), cmdLine)
		})
	}
}

func TestWarningRegex(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		in      string
		matches bool
	}{
		{in: "light.exe : warning LGHT1076 : ICE61: This product should remove only older versions", matches: true},
		{in: "Product.wxs(12) : warning CNDL1000 : unused variable", matches: true},
		{in: "torch.exe : warning TRCH0001 : something", matches: true},
		{in: "Windows Installer XML Toolset Linker version 3.11", matches: false},
		{in: "no warnings here", matches: false},
		{in: "", matches: false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.matches, warningRegex.MatchString(tt.in), tt.in)
	}
}
