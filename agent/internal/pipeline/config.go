package pipeline

import (
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// UnlimitedDepth disables the depth check.
const UnlimitedDepth = -1

// ContainerPath is a host directory that stands in for a config's base path
// inside one container.
type ContainerPath struct {
	ContainerID string `yaml:"container_id" json:"container_id"`
	HostPath    string `yaml:"host_path"    json:"host_path"`
}

// Config is one collection pipeline configuration.
type Config struct {
	Name string

	// BasePath is the watched root. Segments may contain * and ?.
	BasePath    string
	FilePattern string
	FileRegex   *regexp.Regexp

	// MaxDepth is the number of directory levels below BasePath that are
	// watched; 0 means BasePath only and UnlimitedDepth means no limit.
	MaxDepth         int
	ForceMultiConfig bool

	// ContainerPaths are the container roots the document declares. The
	// store publishes them for matching at the next reload.
	ContainerPaths []ContainerPath

	Payload map[string]any

	// Version is the server version for remote configs and 0 for local ones.
	Version int64
	Local   bool
	Path    string

	baseSegs []string
	wildcard bool
}

// Prepare normalises BasePath and caches its segments. Parse calls it; tests
// that build a Config by hand must call it before matching.
func (c *Config) Prepare() {
	c.BasePath = filepath.Clean(c.BasePath)
	c.baseSegs = splitPath(c.BasePath)
	c.wildcard = strings.ContainsAny(c.BasePath, "*?")
	if c.FilePattern == "" && c.FileRegex == nil {
		c.FilePattern = "*"
	}
}

// HasWildcard reports whether BasePath contains wildcard segments.
func (c *Config) HasWildcard() bool { return c.wildcard }

// WildcardRoot returns the longest leading part of BasePath without wildcards
// and the number of wildcard-bearing segments after it.
func (c *Config) WildcardRoot() (root string, rest int) {
	for i, seg := range c.baseSegs {
		if strings.ContainsAny(seg, "*?") {
			return joinSegs(c.baseSegs[:i]), len(c.baseSegs) - i
		}
	}
	return c.BasePath, 0
}

// IsDirMatch reports whether dir lies under BasePath, or under one of
// containers, within MaxDepth levels.
func (c *Config) IsDirMatch(dir string, containers []ContainerPath) bool {
	if _, ok := c.depthUnder(c.baseSegs, dir); ok {
		return true
	}
	for _, cp := range containers {
		if _, ok := c.depthUnder(splitPath(filepath.Clean(cp.HostPath)), dir); ok {
			return true
		}
	}
	return false
}

// IsAncestorOfBase reports whether dir is a strict ancestor of BasePath or of
// one of containers. Such a directory is watched so that creation of the base
// directory itself is noticed.
func (c *Config) IsAncestorOfBase(dir string, containers []ContainerPath) bool {
	segs := splitPath(filepath.Clean(dir))
	if prefixMatch(c.baseSegs, segs) {
		return true
	}
	for _, cp := range containers {
		if prefixMatch(splitPath(filepath.Clean(cp.HostPath)), segs) {
			return true
		}
	}
	return false
}

// IsFileMatch reports whether name is accepted by FileRegex or FilePattern.
func (c *Config) IsFileMatch(name string) bool {
	if c.FileRegex != nil {
		return c.FileRegex.MatchString(name)
	}
	pattern := c.FilePattern
	if runtime.GOOS == "windows" {
		pattern, name = strings.ToLower(pattern), strings.ToLower(name)
	}
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

// Specificity orders matches: a longer base path is more specific.
func (c *Config) Specificity() int { return len(c.BasePath) }

func (c *Config) depthUnder(base []string, dir string) (int, bool) {
	segs := splitPath(filepath.Clean(dir))
	if len(segs) < len(base) {
		return 0, false
	}
	for i, b := range base {
		if !segMatch(b, segs[i]) {
			return 0, false
		}
	}
	depth := len(segs) - len(base)
	if c.MaxDepth >= 0 && depth > c.MaxDepth {
		return depth, false
	}
	return depth, true
}

// prefixMatch reports whether segs is a strict leading part of base.
func prefixMatch(base, segs []string) bool {
	if len(segs) >= len(base) {
		return false
	}
	for i, s := range segs {
		if !segMatch(base[i], s) {
			return false
		}
	}
	return true
}

func segMatch(pattern, seg string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		if runtime.GOOS == "windows" {
			return strings.EqualFold(pattern, seg)
		}
		return pattern == seg
	}
	ok, err := filepath.Match(pattern, seg)
	return err == nil && ok
}

// splitPath splits a cleaned path into segments. The root is kept as the
// first segment so that "/" and "C:\" compare like any other segment.
func splitPath(p string) []string {
	vol := filepath.VolumeName(p)
	rest := p[len(vol):]
	root := vol
	if strings.HasPrefix(rest, string(filepath.Separator)) {
		root += string(filepath.Separator)
		rest = rest[1:]
	}
	segs := []string{root}
	if rest == "" || rest == "." {
		return segs
	}
	return append(segs, strings.Split(rest, string(filepath.Separator))...)
}

func joinSegs(segs []string) string {
	if len(segs) == 0 {
		return ""
	}
	return filepath.Join(segs...)
}
