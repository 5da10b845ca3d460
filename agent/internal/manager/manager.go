package manager

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agilira/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/loghaven/loghaven/agent/internal/alarm"
	"github.com/loghaven/loghaven/agent/internal/matcher"
	"github.com/loghaven/loghaven/agent/internal/metrics"
	"github.com/loghaven/loghaven/agent/internal/pipeline"
	"github.com/loghaven/loghaven/agent/internal/remotesync"
	"github.com/loghaven/loghaven/agent/internal/serviceclient"
	"github.com/loghaven/loghaven/agent/internal/snapshot"
	"github.com/loghaven/loghaven/agent/internal/store"
	"github.com/loghaven/loghaven/pkg/ledger"
)

// Options names the config sources.
type Options struct {
	UserConfigPath  string
	LocalConfigDir  string
	RemoteConfigDir string
	FileTagsPath    string
	DefaultMaxDepth int
}

// Deps are the collaborators a Manager drives. Remote and Service may be nil
// when no configuration server is configured.
type Deps struct {
	Store   *store.Store
	Matcher *matcher.Matcher
	Ledger  *ledger.Ledger
	Remote  *remotesync.Client
	Service serviceclient.ServiceClient
	Alarms  alarm.Raiser
	Metrics *metrics.Metrics
}

// Manager is the agent's configuration service object.
type Manager struct {
	Deps
	opts Options

	// Owned by the checker goroutine.
	userConfigs []*pipeline.Config

	// Written by the checker while the coordinator is NORMAL, read by the
	// dispatch goroutine while it is UPDATE_CONFIG.
	staged []*pipeline.Config

	fileTags snapshot.DoubleBuffer[map[string]string]

	// Container ids declared by the configs of the last reload. Owned by the
	// dispatch goroutine.
	declaredContainers map[string]struct{}
}

// New returns a Manager. Nothing is loaded until LoadAllConfig.
func New(deps Deps, opts Options) *Manager {
	return &Manager{Deps: deps, opts: opts}
}

// LoadConfig parses the multi-config document at path and keeps its configs
// as the user config set. It returns false if the file is missing or is not
// a valid document; configs that fail individually are skipped with an alarm.
func (m *Manager) LoadConfig(path string) bool {
	cfgs, err := m.parseUserConfig(path)
	if err != nil {
		if errorCode(err) == pipeline.ErrCodeNotExist {
			slog.Info("manager: user config not found", "path", path)
		} else {
			m.configAlarm(path, err)
		}
		return false
	}
	m.userConfigs = cfgs
	return true
}

// LoadAllConfig scans every source and applies the result immediately. It
// must run before the checker and dispatch goroutines start. It returns
// false when no config could be loaded.
func (m *Manager) LoadAllConfig() bool {
	if m.opts.UserConfigPath != "" {
		if _, err := m.Ledger.ScanFile(m.opts.UserConfigPath); err != nil {
			slog.Warn("manager: stat user config failed", "err", err)
		}
		m.LoadConfig(m.opts.UserConfigPath)
	}
	cfgs, _ := m.scan()
	m.staged = cfgs
	m.ApplyUpdate(context.Background())
	return len(cfgs) > 0
}

// SendMetadata implements coordinator.Checker.
func (m *Manager) SendMetadata(ctx context.Context) {
	regions := m.Store.Regions()
	projects := make(map[string]string, len(regions))
	for _, r := range regions {
		if p, ok := m.Store.ProfileProject(r); ok {
			projects[r] = p
		}
	}
	slog.Info("manager: agent regions", "regions", regions, "profile_projects", projects)
	if m.Service != nil {
		m.Service.SendMetadata(ctx)
	}
}

// SyncRemote implements coordinator.Checker.
func (m *Manager) SyncRemote(ctx context.Context) {
	if m.Remote == nil {
		return
	}
	changed, err := m.Remote.Sync(ctx)
	if err != nil {
		slog.Debug("manager: remote sync cycle aborted", "err", err)
		return
	}
	if changed {
		slog.Info("manager: remote configs updated")
	}
}

// DeleteHandlers implements coordinator.Checker.
func (m *Manager) DeleteHandlers() int {
	return m.Matcher.DeleteHandlers()
}

// StageLocalUpdate implements coordinator.Checker.
func (m *Manager) StageLocalUpdate(ctx context.Context) bool {
	userChanged := false
	if p := m.opts.UserConfigPath; p != "" {
		changed, err := m.Ledger.ScanFile(p)
		if err != nil {
			slog.Warn("manager: stat user config failed", "path", p, "err", err)
		}
		if changed {
			userChanged = true
			if !m.LoadConfig(p) {
				m.userConfigs = nil
			}
		}
	}

	cfgs, dirsChanged := m.scan()
	if !userChanged && !dirsChanged {
		return false
	}
	m.staged = cfgs
	slog.Info("manager: config change detected", "configs", len(cfgs))
	return true
}

// UpdateFileTags implements coordinator.Checker. Tags are re-read only when
// the file changed; a removed file clears them.
func (m *Manager) UpdateFileTags() {
	p := m.opts.FileTagsPath
	if p == "" {
		return
	}
	changed, err := m.Ledger.ScanFile(p)
	if err != nil {
		slog.Warn("manager: stat file tags failed", "path", p, "err", err)
		return
	}
	if !changed {
		return
	}
	tags := map[string]string{}
	data, err := os.ReadFile(p)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &tags); err != nil {
			slog.Warn("manager: parse file tags failed", "path", p, "err", err)
			return
		}
	case os.IsNotExist(err):
	default:
		slog.Warn("manager: read file tags failed", "path", p, "err", err)
		return
	}
	m.fileTags.Write(tags)
	m.fileTags.Swap()
	slog.Info("manager: file tags updated", "count", len(tags))
}

// FileTags returns the current file tags. The map must not be modified.
func (m *Manager) FileTags() map[string]string {
	return m.fileTags.Read()
}

// ApplyUpdate implements coordinator.Reloader.
func (m *Manager) ApplyUpdate(ctx context.Context) {
	start := time.Now()
	cfgs := m.staged

	epoch := m.Store.Replace(cfgs)
	m.stageContainerPaths()
	m.Store.SwapContainerPaths()
	m.Matcher.ClearConfigMatchCache()
	for _, c := range epoch.Ordered {
		region, _ := c.Payload["region"].(string)
		if region == "" {
			continue
		}
		if !m.Store.CheckRegion(region) {
			m.Store.AddRegion(region)
			slog.Info("manager: region added", "region", region, "config", c.Name)
		}
		if project, _ := c.Payload["profile_project"].(string); project != "" {
			m.Store.SetProfileProject(region, project)
		}
	}
	complete := m.Matcher.RegisterAll()
	pruned := m.Matcher.PruneHandlers()

	elapsed := time.Since(start)
	m.Metrics.ConfigUpdateTotal.Inc()
	m.Metrics.ConfigUpdateItems.Add(float64(len(epoch.Ordered)))
	m.Metrics.LastConfigUpdate.Set(float64(time.Now().Unix()))
	m.Metrics.ConfigsLoaded.Set(float64(len(epoch.Ordered)))
	m.Metrics.ReloadDuration.Observe(elapsed.Seconds())

	slog.Info("manager: configs reloaded",
		"epoch", epoch.Seq,
		"configs", len(epoch.Ordered),
		"handlers_pruned", pruned,
		"complete", complete,
		"elapsed", elapsed)
}

// stageContainerPaths stages the container roots declared by the current
// configs and drops the ones no config declares any more.
func (m *Manager) stageContainerPaths() {
	declared := make(map[string]struct{})
	withContainers := m.Store.GetMatchedConfigs(func(c *pipeline.Config) bool {
		return len(c.ContainerPaths) > 0
	})
	for _, c := range withContainers {
		for _, cp := range c.ContainerPaths {
			m.Store.UpdateContainerPath(c.Name, cp)
			declared[cp.ContainerID] = struct{}{}
		}
	}
	for id := range m.declaredContainers {
		if _, ok := declared[id]; !ok {
			m.Store.RemoveContainer(id)
			slog.Info("manager: container root dropped", "container_id", id)
		}
	}
	m.declaredContainers = declared
}

// FindBestMatch returns the config collecting name in dir, or nil.
func (m *Manager) FindBestMatch(dir, name string) *pipeline.Config {
	return m.Matcher.FindBestMatch(dir, name)
}

// FindMatchWithForceFlag returns every config collecting name in dir.
func (m *Manager) FindMatchWithForceFlag(dir, name string) []*pipeline.Config {
	return m.Matcher.FindMatchWithForceFlag(dir, name)
}

// FindConfigByName returns the named config of the current epoch, or nil.
func (m *Manager) FindConfigByName(name string) *pipeline.Config {
	return m.Store.FindConfigByName(name)
}

// scan collects the user configs followed by the local and remote files,
// and reports whether either directory changed since the previous scan.
func (m *Manager) scan() ([]*pipeline.Config, bool) {
	cfgs := append([]*pipeline.Config(nil), m.userConfigs...)
	changed := false

	if dir := m.opts.LocalConfigDir; dir != "" {
		files, ch, err := m.Ledger.ScanDir(dir, false, false)
		if err != nil {
			slog.Warn("manager: scan local config dir failed", "dir", dir, "err", err)
		}
		changed = changed || ch
		cfgs = append(cfgs, m.parseFiles(files)...)
	}
	if dir := m.opts.RemoteConfigDir; dir != "" {
		files, ch, err := m.Ledger.ScanDir(dir, true, false)
		if err != nil {
			slog.Warn("manager: scan remote config dir failed", "dir", dir, "err", err)
		}
		changed = changed || ch
		cfgs = append(cfgs, m.parseFiles(files)...)
	}
	return cfgs, changed
}

func (m *Manager) parseFiles(files []ledger.File) []*pipeline.Config {
	var out []*pipeline.Config
	for _, f := range files {
		cfg, err := pipeline.ParseFile(f.Path, f.Name, pipeline.Options{
			DefaultMaxDepth: m.opts.DefaultMaxDepth,
			Local:           !f.Remote,
			Version:         f.Version,
		})
		switch {
		case err != nil && errorCode(err) == pipeline.ErrCodeNotExist:
			slog.Debug("manager: config file vanished", "path", f.Path)
		case err != nil:
			m.configAlarm(f.Path, err)
		case cfg == nil:
			slog.Debug("manager: config disabled", "name", f.Name, "path", f.Path)
		default:
			out = append(out, cfg)
		}
	}
	return out
}

func (m *Manager) parseUserConfig(path string) ([]*pipeline.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, pipeline.ErrCodeNotExist, "user config does not exist").WithContext("path", path)
		}
		return nil, fmt.Errorf("manager: read user config: %w", err)
	}
	cfgs, errs := pipeline.ParseUserConfig(data, pipeline.Options{
		DefaultMaxDepth: m.opts.DefaultMaxDepth,
		Local:           true,
		Path:            path,
	})
	if cfgs == nil && len(errs) == 1 {
		return nil, errs[0]
	}
	for _, err := range errs {
		m.configAlarm(path, err)
	}
	return cfgs, nil
}

func (m *Manager) configAlarm(path string, err error) {
	slog.Warn("manager: config skipped", "path", path, "err", err)
	m.Alarms.Raise(alarm.UserConfig, fmt.Sprintf("invalid config %s: %v", path, err))
}

func errorCode(err error) string {
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return string(coder.ErrorCode())
	}
	return ""
}
