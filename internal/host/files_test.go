package host

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/chainguard-dev/hivessh/internal/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The mock serves SFTP from the local file system, so remote paths are
// local ones.

func TestFiles(t *testing.T) {
	server := mock.Start(t, nil)
	h := connect(t, server)
	dir := t.TempDir()
	ctx := t.Context()

	files, err := h.Files(ctx)
	require.NoError(t, err)
	again, err := h.Files(ctx)
	require.NoError(t, err)
	assert.Same(t, files, again)

	p := filepath.Join(dir, "a.txt")
	require.NoError(t, files.WriteFile(ctx, p, []byte("one\n"), 0o640))
	require.NoError(t, files.AppendFile(ctx, p, []byte("two\n")))
	data, err := files.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	info, err := files.Stat(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	require.NoError(t, files.Chmod(ctx, p, 0o600))
	info, err = files.Stat(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Truncates.
	require.NoError(t, files.WriteFile(ctx, p, []byte("x"), 0o600))
	data, err = files.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	nested := filepath.Join(dir, "b", "c")
	require.NoError(t, files.MkdirAll(ctx, nested))
	require.NoError(t, files.Mkdir(ctx, filepath.Join(dir, "d")))
	assert.Error(t, files.Mkdir(ctx, filepath.Join(dir, "d")))

	require.NoError(t, files.Rename(ctx, p, filepath.Join(nested, "a.txt")))
	require.NoError(t, files.Symlink(ctx, filepath.Join(nested, "a.txt"), filepath.Join(dir, "link")))
	target, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(nested, "a.txt"), target)

	entries, err := files.ReadDir(ctx, dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		assert.Equal(t, dir, e.Path)
		assert.Equal(t, filepath.Join(dir, e.Filename), e.FullPath())
		names = append(names, e.Filename)
	}
	slices.Sort(names)
	assert.Equal(t, []string{"b", "d", "link"}, names)

	require.NoError(t, files.Remove(ctx, filepath.Join(dir, "d")))
	_, err = files.Stat(ctx, filepath.Join(dir, "d"))
	assert.ErrorIs(t, err, ErrSFTP)
	assert.ErrorIs(t, err, os.ErrNotExist)

	t.Run("get and put", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "local")
		require.NoError(t, os.WriteFile(local, []byte("payload"), 0o600))
		remote := filepath.Join(dir, "uploaded")
		require.NoError(t, files.Put(ctx, local, remote))

		back := filepath.Join(t.TempDir(), "back")
		require.NoError(t, files.Get(ctx, remote, back))
		data, err := os.ReadFile(back)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := files.ReadFile(ctx, filepath.Join(nested, "a.txt"))
		assert.ErrorIs(t, err, context.Canceled)
	})
	t.Run("closed with the host", func(t *testing.T) {
		h := connect(t, server)
		files, err := h.Files(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Disconnect())
		_, err = files.ReadFile(ctx, filepath.Join(nested, "a.txt"))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestOSRelease(t *testing.T) {
	server := mock.Start(t, nil)
	h := connect(t, server)
	h.releaseDir = t.TempDir()

	_, err := h.OSRelease(t.Context(), true)
	assert.ErrorIs(t, err, ErrNoRelease)

	require.NoError(t, os.WriteFile(filepath.Join(h.releaseDir, "lsb-release"), []byte(
		"DISTRIB_ID=Ubuntu\nDISTRIB_RELEASE=24.04\nDISTRIB_CODENAME=noble\n",
	), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.releaseDir, "os-release"), []byte(
		"# comment\nNAME=\"Ubuntu\"\nVERSION_ID='24.04'\nID=ubuntu\n\nbroken line\n",
	), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.releaseDir, "hostname"), []byte("x=y\n"), 0o644))

	r, err := h.OSRelease(t.Context(), true)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", r.Name)
	assert.Equal(t, "24.04", r.Version)
	assert.Equal(t, "noble", r.Meta["DISTRIB_CODENAME"])
	assert.Equal(t, "Ubuntu", r.Meta["NAME"])
	assert.NotContains(t, r.Meta, "x")

	// Cached until asked not to.
	require.NoError(t, os.WriteFile(filepath.Join(h.releaseDir, "os-release"), []byte("NAME=Wolfi\nVERSION_ID=20230201\n"), 0o644))
	cached, err := h.OSRelease(t.Context(), true)
	require.NoError(t, err)
	assert.Same(t, r, cached)
	fresh, err := h.OSRelease(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, "wolfi", fresh.Name)
	assert.Equal(t, "20230201", fresh.Version)
}

func TestParseRelease(t *testing.T) {
	meta := map[string]string{}
	parseRelease(meta, "A=\"quoted\"\nB='single'\nC=plain\n=novalue\nD=\"\"\n")
	assert.Equal(t, map[string]string{"A": "quoted", "B": "single", "C": "plain", "D": ""}, meta)
	assert.Equal(t, Unknown, first(meta, releaseNameKeys))
}
