package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchManifestReportsNewVersions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "manifest")
	require.NoError(t, os.WriteFile(path, []byte("v4\n"), 0o600))

	changes := make(chan string, 4)
	errs := make(chan error, 4)
	watcher, err := WatchManifest(ctx, path, func(version string) {
		changes <- version
	}, func(err error) {
		errs <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case v := <-changes:
		require.Equal(t, "v4", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial version")
	}

	require.NoError(t, os.WriteFile(path, []byte("v5"), 0o600))

	select {
	case v := <-changes:
		require.Equal(t, "v5", v)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for new version")
	}
}

func TestWatchManifestIgnoresUnchangedContents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "manifest")
	require.NoError(t, os.WriteFile(path, []byte("v4"), 0o600))

	changes := make(chan string, 4)
	watcher, err := WatchManifest(ctx, path, func(version string) { changes <- version }, nil)
	require.NoError(t, err)
	defer watcher.Stop()
	require.Equal(t, "v4", <-changes)

	require.NoError(t, os.WriteFile(path, []byte("v4\n"), 0o600))

	select {
	case v := <-changes:
		t.Fatalf("unexpected change event %q", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchManifestRequiresCallbackAndFile(t *testing.T) {
	_, err := WatchManifest(context.Background(), "manifest", nil, nil)
	require.Error(t, err)

	_, err = WatchManifest(context.Background(), "", func(string) {}, nil)
	require.Error(t, err)

	_, err = WatchManifest(context.Background(), filepath.Join(t.TempDir(), "missing"), func(string) {}, nil)
	require.Error(t, err)
}

func TestManifestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	watcher, err := WatchManifest(context.Background(), path, func(string) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()

	var nilWatcher *ManifestWatcher
	nilWatcher.Stop()
}

func TestReadManifestRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))
	_, err := ReadManifest(path)
	require.Error(t, err)
}
