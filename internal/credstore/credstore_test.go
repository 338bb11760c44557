package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/loctrack/internal/location"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
}

func TestOpenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	write(t, path, "user_id: 42\ntoken: abc\n")
	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, location.Credentials{UserID: 42, Token: "abc"}, f.Credentials())
	assert.True(t, f.Credentials().Valid())
}

func TestMissingKeysMeanLoggedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	write(t, path, "{}")
	f, err := Open(path)
	require.NoError(t, err)
	c := f.Credentials()
	assert.Equal(t, location.NoUser, c.UserID)
	assert.False(t, c.Valid())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	write(t, path, "user_id: 1\ntoken: t1\n")
	f, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	assert.Error(t, f.Reload())
	assert.Equal(t, location.Credentials{UserID: 1, Token: "t1"}, f.Credentials())
}

func startWatch(t *testing.T, f *File) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Watch(ctx) }()

	// wait for the watcher to be registered
	require.Eventually(t, func() bool {
		f.wmu.Lock()
		defer f.wmu.Unlock()
		return f.watcher != nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	return cancel, done
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	write(t, path, "user_id: 1\ntoken: t1\n")
	f, err := Open(path)
	require.NoError(t, err)
	cancel, done := startWatch(t, f)

	write(t, path, "user_id: 2\ntoken: t2\n")
	assert.Eventually(t, func() bool {
		return f.Credentials() == location.Credentials{UserID: 2, Token: "t2"}
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.Watch(context.Background()), ErrWatching)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchPicksUpAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.yaml")
	write(t, path, "user_id: 1\ntoken: old\n")
	f, err := Open(path)
	require.NoError(t, err)
	cancel, done := startWatch(t, f)
	defer func() {
		cancel()
		<-done
	}()

	replace := func(body string) {
		tmp := filepath.Join(dir, ".creds.yaml.tmp")
		write(t, tmp, body)
		require.NoError(t, os.Rename(tmp, path))
	}

	replace("user_id: 2\ntoken: new\n")
	assert.Eventually(t, func() bool {
		return f.Credentials() == location.Credentials{UserID: 2, Token: "new"}
	}, 2*time.Second, 10*time.Millisecond)

	// logout written the same way
	replace("user_id: -1\ntoken: \"\"\n")
	assert.Eventually(t, func() bool {
		return !f.Credentials().Valid()
	}, 2*time.Second, 10*time.Millisecond)

	// unrelated files in the directory are ignored
	write(t, filepath.Join(dir, "other.yaml"), "user_id: 9\ntoken: x\n")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, location.NoUser, f.Credentials().UserID)
}

func TestStatic(t *testing.T) {
	s := Static{UserID: 3, Token: "x"}
	assert.Equal(t, location.Credentials{UserID: 3, Token: "x"}, s.Credentials())
}
