package msidbtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agilityrecordbook/installer/pkg/packagekit/msidb"
	"github.com/stretchr/testify/require"
)

func TestEditorCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	pkgPath := filepath.Join(dir, "base.msi")
	mstPath := filepath.Join(dir, "1036.mst")

	db := New()
	db.Properties[string(msidb.ProductCode)] = "ABC"
	db.Properties[string(msidb.Template)] = "x64;1033"
	require.NoError(t, db.Save(pkgPath))
	require.NoError(t, os.WriteFile(mstPath, []byte("fr\ndelta"), 0644))

	e, err := Open(ctx, pkgPath, msidb.Transact)
	require.NoError(t, err)

	v, err := e.Property(ctx, msidb.ProductCode)
	require.NoError(t, err)
	require.Equal(t, "ABC", v)

	_, err = e.Property(ctx, msidb.UpgradeCode)
	require.ErrorIs(t, err, msidb.ErrNotFound)

	require.NoError(t, e.EmbedTransform(ctx, "1036", mstPath))
	require.NoError(t, e.SetProperty(ctx, msidb.Template, "x64;1033,1036"))
	require.NoError(t, e.Commit(ctx))
	require.NoError(t, e.Close())

	reloaded, err := Load(pkgPath)
	require.NoError(t, err)
	require.Equal(t, "x64;1033,1036", reloaded.Properties[string(msidb.Template)])
	require.Equal(t, []Storage{{Name: "1036", Data: "fr\ndelta"}}, reloaded.Storages)
}

func TestEditorReadOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pkgPath := filepath.Join(t.TempDir(), "base.msi")
	require.NoError(t, New().Save(pkgPath))

	e, err := Open(ctx, pkgPath, msidb.ReadOnly)
	require.NoError(t, err)
	require.Error(t, e.SetProperty(ctx, msidb.Template, "x"))
	require.Error(t, e.Commit(ctx))
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.msi"), msidb.ReadOnly)
	require.Error(t, err)
}
