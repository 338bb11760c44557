// Package credstore provides the logged-in user id and API token read by the
// uploader. The file store is written by whoever performs the login; this
// process only reads it.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/phuslu/log"
	"github.com/spf13/viper"
	"nuha.dev/loctrack/internal/location"
)

var ErrWatching = errors.New("credentials file already watched")

// Static always returns the same credentials.
type Static location.Credentials

func (s Static) Credentials() location.Credentials {
	return location.Credentials(s)
}

// File reads `user_id` and `token` from a yaml, json or toml file and keeps
// the last good copy in memory.
type File struct {
	path  string
	mu    sync.RWMutex
	creds location.Credentials

	wmu     sync.Mutex
	watcher *fsnotify.Watcher
	log     log.Logger
}

func Open(path string) (*File, error) {
	f := &File{path: path}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "credstore").Value()
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Credentials() location.Credentials {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.creds
}

// Reload re-reads the file. On error the previous credentials stay active.
func (f *File) Reload() error {
	v := viper.New()
	v.SetConfigFile(f.path)
	v.SetDefault("user_id", location.NoUser)
	v.SetDefault("token", "")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read credentials %s: %w", f.path, err)
	}
	c := location.Credentials{UserID: v.GetInt("user_id"), Token: v.GetString("token")}
	f.mu.Lock()
	f.creds = c
	f.mu.Unlock()
	f.log.Info().Str("path", f.path).Bool("authenticated", c.Valid()).Msg("credentials loaded")
	return nil
}

// Watch reloads the file whenever it is written or replaced. It blocks until
// ctx is done.
func (f *File) Watch(ctx context.Context) error {
	f.wmu.Lock()
	if f.watcher != nil {
		f.wmu.Unlock()
		return ErrWatching
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.wmu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	f.watcher = w
	f.wmu.Unlock()
	defer func() {
		f.wmu.Lock()
		w.Close()
		f.watcher = nil
		f.wmu.Unlock()
	}()

	// The directory is watched, not the file, so a replace by rename is seen
	// as a Create of the path.
	name := filepath.Clean(f.path)
	if err := w.Add(filepath.Dir(name)); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
				if err := f.Reload(); err != nil {
					f.log.Error().Err(err).Msg("reload failed, keeping previous credentials")
				}
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				f.log.Warn().Str("path", f.path).Msg("credentials file moved away, keeping previous credentials")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Error().Err(err).Msg("watcher error")
		}
	}
}
