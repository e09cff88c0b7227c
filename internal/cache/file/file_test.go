package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagespeed-audit/internal/cache/file"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "cache")
		_, err := file.New(file.Config{BaseDir: dir}, &fakeClock{})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := file.New(file.Config{}, &fakeClock{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		_, err := file.New(file.Config{BaseDir: path}, &fakeClock{})
		assert.Error(t, err)
	})
}

func TestStore_RoundTripAndExpiry(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Unix(1_000, 0).UTC()}
	s, err := file.New(file.Config{BaseDir: dir}, clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "pagespeed:abc", []byte(`{"ok":true}`), time.Hour))
	_, err = os.Stat(filepath.Join(dir, "pagespeed_abc.json"))
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, "pagespeed:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(got))

	clock.now = clock.now.Add(2 * time.Hour)
	_, ok, err = s.Get(ctx, "pagespeed:abc")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "pagespeed_abc.json"))
	assert.True(t, os.IsNotExist(err), "expired entry is removed")
}

func TestStore_KeysStayInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	s, err := file.New(file.Config{BaseDir: dir}, &fakeClock{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "../../escape", []byte("x"), time.Hour))
	_, err = os.Stat(filepath.Join(dir, ".._.._escape.json"))
	require.NoError(t, err)

	_, _, err = s.Get(ctx, " ")
	assert.Error(t, err)
}
