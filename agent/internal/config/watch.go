package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchSettle is how long the agent file must stay quiet before it is
// reloaded.
const DefaultWatchSettle = 200 * time.Millisecond

// Watch calls onChange with the previous and the newly loaded Config each
// time the agent file at path settles with new content. It watches the
// parent directory, so editors that save through a rename keep being seen.
// Events are coalesced until settle passes without another one. Rewrites
// with identical bytes are ignored.
//
// A file that fails to load is logged and skipped; prev stays the last
// config handed out. Watch runs until ctx is cancelled.
func Watch(ctx context.Context, path string, settle time.Duration, onChange func(prev, next *Config)) error {
	path = filepath.Clean(path)
	last, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	prev, err := Load(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %q: %w", filepath.Dir(path), err)
	}
	slog.Info("config: watching for changes", "path", path, "settle", settle)

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
				continue
			}
			timer.Reset(settle)

		case <-timer.C:
			data, err := os.ReadFile(path)
			if err != nil {
				// Removed mid-save; the following create re-arms the timer.
				if !os.IsNotExist(err) {
					slog.Warn("config: read failed, keeping previous config", "path", path, "err", err)
				}
				continue
			}
			if bytes.Equal(data, last) {
				continue
			}
			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			last = data
			slog.Info("config: reloaded", "path", path)
			onChange(prev, next)
			prev = next

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// RestartRequired returns the yaml keys of agent settings that differ
// between prev and next and only take effect after a restart. Nested keys
// are dotted, e.g. "config_server.addresses".
func RestartRequired(prev, next *Config) []string {
	var keys []string
	diffKeys(reflect.ValueOf(prev.Agent), reflect.ValueOf(next.Agent), "", &keys)
	return keys
}

// hotReloaded lists the keys applied without a restart.
var hotReloaded = map[string]bool{"log_level": true}

func diffKeys(a, b reflect.Value, prefix string, keys *[]string) {
	t := a.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := prefix + name
		if hotReloaded[key] {
			continue
		}
		av, bv := a.Field(i), b.Field(i)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			diffKeys(av, bv, key+".", keys)
			continue
		}
		if !reflect.DeepEqual(av.Interface(), bv.Interface()) {
			*keys = append(*keys, key)
		}
	}
}
