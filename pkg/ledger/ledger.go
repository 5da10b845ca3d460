package ledger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loghaven/loghaven/pkg/protocol"
)

// RemoteExt is the extension used for files written from the configuration server.
const RemoteExt = ".yaml"

// Entry is the ledger's record for one configuration name.
type Entry struct {
	Version int64
	ModTime time.Time
	Path    string
}

// File is one configuration file found by ScanDir.
type File struct {
	Name    string
	Path    string
	Version int64
	ModTime time.Time
	Remote  bool
}

// Ledger holds the local, remote and server version tables.
// All methods are safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	local  map[string]Entry
	remote map[string]Entry
	files  map[string]time.Time
	server map[string]int64

	serverSeeded bool
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		local:  make(map[string]Entry),
		remote: make(map[string]Entry),
		files:  make(map[string]time.Time),
		server: make(map[string]int64),
	}
}

// Diff compares the versions an agent holds (local) with the versions a
// server holds (remote). Names present only remotely are NEW, names present
// only locally are DELETED, differing versions are MODIFIED and equal
// versions are omitted. Results are sorted by name.
func Diff(local, remote map[string]int64) []protocol.ConfigCheckResult {
	var out []protocol.ConfigCheckResult
	for name, rv := range remote {
		lv, ok := local[name]
		switch {
		case !ok:
			out = append(out, protocol.ConfigCheckResult{
				Name: name, NewVersion: rv, Status: protocol.StatusNew,
			})
		case lv != rv:
			out = append(out, protocol.ConfigCheckResult{
				Name: name, OldVersion: lv, NewVersion: rv, Status: protocol.StatusModified,
			})
		}
	}
	for name, lv := range local {
		if _, ok := remote[name]; !ok {
			out = append(out, protocol.ConfigCheckResult{
				Name: name, OldVersion: lv, Status: protocol.StatusDeleted,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoteFileName returns the on-disk file name for name at version.
func RemoteFileName(name string, version int64) string {
	return name + "@" + strconv.FormatInt(version, 10) + RemoteExt
}

// ValidName reports whether name can stand for a configuration file inside a
// config directory: non-empty, not a dot entry and free of path separators.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// ParseRemoteFileName splits a name@version.ext file name.
// The last '@' separates the version so names may contain '@'.
func ParseRemoteFileName(file string) (name string, version int64, ok bool) {
	base := strings.TrimSuffix(file, filepath.Ext(file))
	i := strings.LastIndexByte(base, '@')
	if i <= 0 || i == len(base)-1 {
		return "", 0, false
	}
	v, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil || v < 0 {
		return "", 0, false
	}
	return base[:i], v, true
}

// IsConfigExt reports whether ext names a configuration document.
func IsConfigExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ScanDir lists the configuration files in dir and records them in the
// remote or local table. changed is true when the set of names, any version,
// any path or any modification time differs from the previous scan.
//
// A missing dir is treated as empty; with createIfNotExist it is created.
func (l *Ledger) ScanDir(dir string, remote, createIfNotExist bool) (files []File, changed bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("ledger: read dir %q: %w", dir, err)
		}
		if createIfNotExist {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, false, fmt.Errorf("ledger: create dir %q: %w", dir, err)
			}
		}
		entries = nil
	}

	found := make(map[string]Entry, len(entries))
	for _, de := range entries {
		if de.IsDir() || !IsConfigExt(filepath.Ext(de.Name())) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}

		path := filepath.Join(dir, de.Name())
		name := strings.TrimSuffix(de.Name(), filepath.Ext(de.Name()))
		var version int64
		if remote {
			var ok bool
			name, version, ok = ParseRemoteFileName(de.Name())
			if !ok {
				slog.Warn("ledger: ignoring remote file without name@version", "path", path)
				continue
			}
		}

		if prev, dup := found[name]; dup {
			if !remote || version <= prev.Version {
				slog.Warn("ledger: duplicate config name, keeping first",
					"name", name, "kept", prev.Path, "ignored", path)
				continue
			}
			slog.Warn("ledger: multiple versions of remote config, keeping highest",
				"name", name, "kept", path, "ignored", prev.Path)
		}
		found[name] = Entry{Version: version, ModTime: info.ModTime(), Path: path}
	}

	l.mu.Lock()
	table := &l.local
	if remote {
		table = &l.remote
		if !l.serverSeeded {
			// The file names are the durable record of what was applied before a restart.
			for name, e := range found {
				l.server[name] = e.Version
			}
			l.serverSeeded = true
		}
	}
	changed = !sameEntries(*table, found)
	*table = found
	l.mu.Unlock()

	files = make([]File, 0, len(found))
	for name, e := range found {
		files = append(files, File{
			Name: name, Path: e.Path, Version: e.Version, ModTime: e.ModTime, Remote: remote,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, changed, nil
}

// ScanFile reports whether the file at path changed (appeared, vanished or
// got a new mtime) since the previous call for the same path.
func (l *Ledger) ScanFile(path string) (bool, error) {
	var mtime time.Time
	info, err := os.Stat(path)
	switch {
	case err == nil:
		mtime = info.ModTime()
	case os.IsNotExist(err):
	default:
		return false, fmt.Errorf("ledger: stat %q: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prev, seen := l.files[path]
	l.files[path] = mtime
	if !seen {
		return !mtime.IsZero(), nil
	}
	return !prev.Equal(mtime), nil
}

// ServerVersions returns a copy of the versions last applied from the server.
func (l *Ledger) ServerVersions() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.server))
	for k, v := range l.server {
		out[k] = v
	}
	return out
}

// ApplyResults records check results that were persisted successfully.
func (l *Ledger) ApplyResults(results []protocol.ConfigCheckResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range results {
		switch r.Status {
		case protocol.StatusNew, protocol.StatusModified:
			l.server[r.Name] = r.NewVersion
		case protocol.StatusDeleted:
			delete(l.server, r.Name)
		}
	}
	l.serverSeeded = true
}

// Local returns a copy of the local table.
func (l *Ledger) Local() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyEntries(l.local)
}

// Remote returns a copy of the remote table.
func (l *Ledger) Remote() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyEntries(l.remote)
}

func copyEntries(in map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameEntries(a, b map[string]Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ea := range a {
		eb, ok := b[name]
		if !ok || ea.Version != eb.Version || ea.Path != eb.Path || !ea.ModTime.Equal(eb.ModTime) {
			return false
		}
	}
	return true
}
