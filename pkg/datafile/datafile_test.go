package datafile

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agilityrecordbook/installer/pkg/buildlock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

// readArchive returns name -> contents, and the names in archive order.
func readArchive(t *testing.T, path string) (map[string]string, []string) {
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	contents := make(map[string]string)
	var names []string
	for _, f := range zr.File {
		require.Equal(t, zip.Deflate, f.Method, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[f.Name] = string(data)
		names = append(names, f.Name)
	}
	return contents, names
}

func setup(t *testing.T) (string, Options) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "res", "DefaultConfig.xml"), strings.Repeat("<Config/>", 100))
	writeFile(t, filepath.Join(root, "res", "AgilityRecordBook.dtd"), "<!ELEMENT Book>")
	writeFile(t, filepath.Join(root, "res", "images", "logo.png"), "PNG")
	writeFile(t, filepath.Join(root, "res", "DataFiles.txt"), strings.Join([]string{
		"# data files",
		"DefaultConfig.xml",
		"",
		"AgilityRecordBook.dtd  ",
		"images/logo.png",
	}, "\n"))

	writeFile(t, filepath.Join(root, "lang", "en", "arb.mo"), "english")
	writeFile(t, filepath.Join(root, "lang", "fr", "arb.mo"), "french")
	writeFile(t, filepath.Join(root, "lang", "fr", "wxstd.mo"), "french std")

	out := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(out, 0755))

	return root, Options{
		FileLists:       []string{filepath.Join(root, "res", "DataFiles.txt")},
		LangDir:         filepath.Join(root, "lang"),
		IntermediateDir: out,
		Target:          "AgilityBook",
	}
}

func TestPack(t *testing.T) {
	t.Parallel()

	root, opts := setup(t)
	writeFile(t, filepath.Join(root, "ARBUpdater.exe"), "MZ")
	opts.Extra = []string{filepath.Join(root, "ARBUpdater.exe")}

	stats, err := Pack(context.TODO(), opts)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(opts.IntermediateDir, "AgilityBook.dat"), stats.Path)
	require.Equal(t, 7, stats.Files)
	require.Greater(t, stats.Compressed, int64(0))

	contents, names := readArchive(t, stats.Path)
	require.Equal(t, []string{
		"DefaultConfig.xml",
		"AgilityRecordBook.dtd",
		"logo.png",
		"lang/en/arb.mo",
		"lang/fr/arb.mo",
		"lang/fr/wxstd.mo",
		"ARBUpdater.exe",
	}, names)
	require.Equal(t, "french std", contents["lang/fr/wxstd.mo"])
	require.Equal(t, "PNG", contents["logo.png"])

	entries, err := os.ReadDir(opts.IntermediateDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the archive is left behind")
}

func TestPackMultipleLists(t *testing.T) {
	t.Parallel()

	root, opts := setup(t)
	opts.LangDir = ""
	writeFile(t, filepath.Join(root, "extra", "Extra.txt"), "Help.chm\n")
	writeFile(t, filepath.Join(root, "extra", "Help.chm"), "help")
	opts.FileLists = append(opts.FileLists, filepath.Join(root, "extra", "Extra.txt"))

	stats, err := Pack(context.TODO(), opts)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Files)

	contents, _ := readArchive(t, stats.Path)
	require.Equal(t, "help", contents["Help.chm"])
}

func TestPackErrors(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name   string
		mutate func(root string, opts *Options)
	}{
		{
			name: "missing listed file",
			mutate: func(root string, opts *Options) {
				f, _ := os.OpenFile(opts.FileLists[0], os.O_APPEND|os.O_WRONLY, 0644)
				f.WriteString("\nMissing.xml\n")
				f.Close()
			},
		},
		{
			name: "missing file list",
			mutate: func(root string, opts *Options) {
				opts.FileLists = append(opts.FileLists, filepath.Join(root, "nope.txt"))
			},
		},
		{
			name: "missing extra",
			mutate: func(root string, opts *Options) {
				opts.Extra = []string{filepath.Join(root, "ARBUpdater.exe")}
			},
		},
		{
			name: "duplicate name",
			mutate: func(root string, opts *Options) {
				opts.Extra = []string{filepath.Join(root, "res", "DefaultConfig.xml")}
			},
		},
		{
			name: "missing intermediate dir",
			mutate: func(root string, opts *Options) {
				opts.IntermediateDir = filepath.Join(root, "nope")
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root, opts := setup(t)
			tt.mutate(root, &opts)

			_, err := Pack(context.TODO(), opts)
			require.Error(t, err)
			require.NoFileExists(t, filepath.Join(opts.IntermediateDir, "AgilityBook.dat"))
			require.NoFileExists(t, filepath.Join(opts.IntermediateDir, lockName))
		})
	}
}

func TestPackLocked(t *testing.T) {
	t.Parallel()

	_, opts := setup(t)
	lockPath := filepath.Join(opts.IntermediateDir, lockName)
	writeFile(t, lockPath, "1")

	_, err := Pack(context.TODO(), opts)
	require.True(t, errors.Is(err, buildlock.ErrBusy))
	require.NoFileExists(t, filepath.Join(opts.IntermediateDir, "AgilityBook.dat"))
	require.FileExists(t, lockPath)
}
