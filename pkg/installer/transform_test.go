package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb/msidbtest"
	"github.com/stretchr/testify/require"
)

// mergeFixture writes a base package and one transform, with its source
// package, per secondary language.
func mergeFixture(t *testing.T, template string, secondary ...Language) (Package, []Transform) {
	dir := t.TempDir()

	db := msidbtest.New()
	db.Properties["ProductCode"] = "{0D597685-1969-5D11-B2D6-600939967590}"
	db.Properties["@Template"] = template
	base := Package{Path: filepath.Join(dir, "base.msi"), Arch: X64, Language: english}
	require.NoError(t, db.Save(base.Path))

	var transforms []Transform
	for _, lang := range secondary {
		src := Package{Path: filepath.Join(dir, "base_"+lang.Culture+".msi"), Arch: X64, Language: lang}
		require.NoError(t, msidbtest.New().Save(src.Path))

		mst := filepath.Join(dir, lang.ID+".mst")
		require.NoError(t, os.WriteFile(mst, []byte("ProductLanguage="+lang.ID), 0644))

		transforms = append(transforms, Transform{Path: mst, Language: lang, Source: src})
	}

	return base, transforms
}

func TestMerge(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name      string
		template  string
		secondary []Language
		manifest  string
		expected  string
	}{
		{
			name:     "no secondary languages",
			template: "x64;1033",
			manifest: "1033",
			expected: "x64;1033",
		},
		{
			name:      "one",
			template:  "x64;1033",
			secondary: []Language{french},
			manifest:  "1033,1036",
			expected:  "x64;1033,1036",
		},
		{
			name:      "order is kept",
			template:  "Intel;1033",
			secondary: []Language{spanish, german, french},
			manifest:  "1033,3082,1031,1036",
			expected:  "Intel;1033,3082,1031,1036",
		},
		{
			name:      "template without platform",
			template:  "1033",
			secondary: []Language{german},
			manifest:  "1033,1031",
			expected:  ";1033,1031",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			base, transforms := mergeFixture(t, tt.template, tt.secondary...)

			manifest, err := NewTransformMerger(msidbtest.Open, false).Merge(context.TODO(), base, transforms)
			require.NoError(t, err)
			require.Equal(t, tt.manifest, manifest.String())
			require.Len(t, manifest, len(tt.secondary)+1)

			db, err := msidbtest.Load(base.Path)
			require.NoError(t, err)
			require.Equal(t, tt.expected, db.Properties["@Template"])

			var ids []string
			for i, lang := range tt.secondary {
				ids = append(ids, lang.ID)
				require.Equal(t, "ProductLanguage="+lang.ID, db.Storages[i].Data)
			}
			if ids == nil {
				require.Empty(t, db.StorageNames())
			} else {
				require.Equal(t, ids, db.StorageNames())
			}

			// intermediates are kept without tidy
			for _, tr := range transforms {
				require.FileExists(t, tr.Path)
				require.FileExists(t, tr.Source.Path)
			}
		})
	}
}

func TestMergeTidy(t *testing.T) {
	t.Parallel()

	base, transforms := mergeFixture(t, "x64;1033", french, german)

	_, err := NewTransformMerger(msidbtest.Open, true).Merge(context.TODO(), base, transforms)
	require.NoError(t, err)

	require.FileExists(t, base.Path)
	for _, tr := range transforms {
		require.NoFileExists(t, tr.Path)
		require.NoFileExists(t, tr.Source.Path)
	}
}

func TestMergeFailureKeepsIntermediates(t *testing.T) {
	t.Parallel()

	base, transforms := mergeFixture(t, "x64;1033", french, german)
	require.NoError(t, os.Remove(transforms[1].Path))

	_, err := NewTransformMerger(msidbtest.Open, true).Merge(context.TODO(), base, transforms)
	require.Error(t, err)

	// nothing was committed
	db, err := msidbtest.Load(base.Path)
	require.NoError(t, err)
	require.Equal(t, "x64;1033", db.Properties["@Template"])
	require.Empty(t, db.StorageNames())

	require.FileExists(t, transforms[0].Path)
	require.FileExists(t, transforms[0].Source.Path)
}
