package pipeline

import (
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/agilira/go-errors"
	"gopkg.in/yaml.v3"
)

// Error codes returned by the parse functions.
const (
	ErrCodeNotExist      = "CONFIG_NOT_EXIST"
	ErrCodeInvalidFormat = "CONFIG_INVALID_FORMAT"
)

// Options carries the values a document does not set itself.
type Options struct {
	DefaultMaxDepth int
	Local           bool
	Version         int64
	Path            string
}

type document struct {
	LogPath          string `yaml:"log_path"`
	BasePath         string `yaml:"base_path"`
	FilePattern      string `yaml:"file_pattern"`
	FileRegex        string `yaml:"file_regex"`
	MaxDepth         *int   `yaml:"max_depth"`
	ForceMultiConfig bool   `yaml:"force_multi_config"`
	Enable           *bool  `yaml:"enable"`

	ContainerPaths []ContainerPath `yaml:"container_paths"`
}

// Parse builds a Config from one YAML or JSON document. A document with
// enable: false yields (nil, nil).
func Parse(name string, data []byte, opts Options) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidFormat, "config is not valid yaml or json").
			WithContext("name", name)
	}
	if len(root.Content) == 0 {
		return nil, errors.New(ErrCodeInvalidFormat, "config is empty").WithContext("name", name)
	}
	return fromNode(name, root.Content[0], opts)
}

// ParseFile reads path and parses it as the config called name.
func ParseFile(path, name string, opts Options) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if goerrors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrap(err, ErrCodeNotExist, "config file does not exist").WithContext("path", path)
		}
		return nil, fmt.Errorf("pipeline: read %q: %w", path, err)
	}
	opts.Path = path
	return Parse(name, data, opts)
}

// ParseUserConfig parses a multi-config document of the form
//
//	configs:
//	  <name>: <document>
//
// Entries that fail are reported in errs and do not stop the others.
// Disabled entries are dropped silently. The result is sorted by name.
func ParseUserConfig(data []byte, opts Options) (cfgs []*Config, errs []error) {
	var root struct {
		Configs map[string]yaml.Node `yaml:"configs"`
	}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, []error{errors.Wrap(err, ErrCodeInvalidFormat, "user config is not valid yaml or json").
			WithContext("path", opts.Path)}
	}
	names := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		node := root.Configs[name]
		cfg, err := fromNode(name, &node, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cfg != nil {
			cfgs = append(cfgs, cfg)
		}
	}
	return cfgs, errs
}

func fromNode(name string, node *yaml.Node, opts Options) (*Config, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errors.New(ErrCodeInvalidFormat, "config must be a mapping").WithContext("name", name)
	}
	ExpandEnv(node)

	var doc document
	if err := node.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidFormat, "config has invalid field types").
			WithContext("name", name)
	}
	if doc.Enable != nil && !*doc.Enable {
		return nil, nil
	}
	var payload map[string]any
	if err := node.Decode(&payload); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidFormat, "config payload").WithContext("name", name)
	}

	cfg := &Config{
		Name:             name,
		BasePath:         doc.LogPath,
		FilePattern:      doc.FilePattern,
		MaxDepth:         opts.DefaultMaxDepth,
		ForceMultiConfig: doc.ForceMultiConfig,
		Payload:          payload,
		Version:          opts.Version,
		Local:            opts.Local,
		Path:             opts.Path,
	}
	if cfg.BasePath == "" {
		cfg.BasePath = doc.BasePath
	}
	if cfg.BasePath == "" || !filepath.IsAbs(cfg.BasePath) {
		return nil, errors.New(ErrCodeInvalidFormat, "log_path must be an absolute path").
			WithContext("name", name).WithContext("log_path", cfg.BasePath)
	}
	for _, cp := range doc.ContainerPaths {
		if cp.ContainerID == "" || !filepath.IsAbs(cp.HostPath) {
			return nil, errors.New(ErrCodeInvalidFormat, "container_paths entries need a container_id and an absolute host_path").
				WithContext("name", name).WithContext("container_id", cp.ContainerID)
		}
		cfg.ContainerPaths = append(cfg.ContainerPaths, ContainerPath{
			ContainerID: cp.ContainerID,
			HostPath:    filepath.Clean(cp.HostPath),
		})
	}
	if doc.MaxDepth != nil {
		cfg.MaxDepth = *doc.MaxDepth
		if cfg.MaxDepth < 0 {
			cfg.MaxDepth = UnlimitedDepth
		}
	}
	if doc.FileRegex != "" {
		// The whole file name must match.
		re, err := regexp.Compile("^(?:" + doc.FileRegex + ")$")
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidFormat, "file_regex does not compile").
				WithContext("name", name)
		}
		cfg.FileRegex = re
	}
	if cfg.FilePattern != "" {
		if _, err := filepath.Match(cfg.FilePattern, ""); err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidFormat, "file_pattern is not a valid glob").
				WithContext("name", name)
		}
	}
	cfg.Prepare()
	return cfg, nil
}
