package matcher

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/loghaven/loghaven/agent/internal/alarm"
	"github.com/loghaven/loghaven/agent/internal/dispatch"
	"github.com/loghaven/loghaven/agent/internal/metrics"
	"github.com/loghaven/loghaven/agent/internal/pipeline"
	"github.com/loghaven/loghaven/agent/internal/store"
)

// Default option values.
const (
	DefaultRegisterTimeout          = 3 * time.Second
	DefaultMultiConfigAlarmInterval = 10 * time.Minute
	DefaultMaxMultiConfigSize       = 20
)

// Registry is the dispatcher's watch table.
type Registry interface {
	AddNewHandler(dir string, h dispatch.Handler) error
	RemoveHandler(dir string)
	IsRegistered(dir string) bool
	Dirs() []string
}

// Options tunes a Matcher. Zero fields take the defaults.
type Options struct {
	RegisterTimeout          time.Duration
	MultiConfigAlarmInterval time.Duration
	MaxMultiConfigSize       int
}

type cacheKey struct {
	path string
	name string
}

type bestEntry struct {
	cfg *pipeline.Config

	// Every match, kept only when the result is ambiguous.
	candidates []*pipeline.Config

	// Unix nanos of the last ambiguity alarm, guarded by mu.
	lastMultiAlarm int64
}

type allEntry struct {
	cfgs []*pipeline.Config

	// Unix nanos of the last alarm raised for this entry, guarded by mu.
	lastMultiAlarm int64
	lastCapAlarm   int64
}

// Matcher is the path index.
type Matcher struct {
	store   *store.Store
	reg     Registry
	handler dispatch.Handler
	alarms  alarm.Raiser
	m       *metrics.Metrics
	opts    Options

	mu    sync.Mutex
	epoch uint64
	best  map[cacheKey]*bestEntry
	all   map[cacheKey]*allEntry

	retireMu sync.Mutex
	retire   []string

	// Replaced in tests.
	nowNano func() int64
	now     func() time.Time
}

// New returns a Matcher reading configs from s and registering handler for
// every watched directory in reg.
func New(s *store.Store, reg Registry, handler dispatch.Handler, alarms alarm.Raiser, m *metrics.Metrics, opts Options) *Matcher {
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.MultiConfigAlarmInterval <= 0 {
		opts.MultiConfigAlarmInterval = DefaultMultiConfigAlarmInterval
	}
	if opts.MaxMultiConfigSize <= 0 {
		opts.MaxMultiConfigSize = DefaultMaxMultiConfigSize
	}
	return &Matcher{
		store:   s,
		reg:     reg,
		handler: handler,
		alarms:  alarms,
		m:       m,
		opts:    opts,
		best:    make(map[cacheKey]*bestEntry),
		all:     make(map[cacheKey]*allEntry),
		nowNano: timecache.CachedTimeNano,
		now:     time.Now,
	}
}

// FindBestMatch returns the most specific config for directory path and file
// name, or nil. With an empty name a config also matches when path is an
// ancestor of its base path. Ambiguous matches raise a MULTI_CONFIG_MATCH
// alarm at most once per MultiConfigAlarmInterval.
func (m *Matcher) FindBestMatch(path, name string) *pipeline.Config {
	key := cacheKey{path, name}
	epoch := m.store.Current()

	m.mu.Lock()
	m.syncEpochLocked(epoch.Seq)
	e, ok := m.best[key]
	m.mu.Unlock()

	if ok {
		m.m.MatchCache.WithLabelValues("hit").Inc()
	} else {
		m.m.MatchCache.WithLabelValues("miss").Inc()
		cfgs := m.match(epoch, path, name)
		e = &bestEntry{}
		if len(cfgs) > 0 {
			e.cfg = cfgs[0]
		}
		if ambiguous(cfgs) {
			e.candidates = cfgs
		}
		m.mu.Lock()
		if m.epoch == epoch.Seq {
			if cached, raced := m.best[key]; raced {
				e = cached
			} else {
				m.best[key] = e
			}
		}
		m.mu.Unlock()
	}

	if e.candidates != nil && m.alarmDue(&e.lastMultiAlarm) {
		m.raiseAmbiguous(path, name, e.candidates)
	}
	return e.cfg
}

// FindAllMatch returns every config matching path and name, most specific
// first.
func (m *Matcher) FindAllMatch(path, name string) []*pipeline.Config {
	return m.findAll(path, name).cfgs
}

// FindMatchWithForceFlag returns the best match followed by the other
// matches flagged ForceMultiConfig. The result holds at most
// MaxMultiConfigSize configs; hitting the cap raises a TOO_MANY_CONFIG alarm.
func (m *Matcher) FindMatchWithForceFlag(path, name string) []*pipeline.Config {
	e := m.findAll(path, name)
	all := e.cfgs
	if len(all) == 0 {
		return nil
	}
	out := []*pipeline.Config{all[0]}
	for _, c := range all[1:] {
		if c.ForceMultiConfig {
			out = append(out, c)
		}
	}
	if len(out) > m.opts.MaxMultiConfigSize {
		if m.alarmDue(&e.lastCapAlarm) {
			m.alarms.Raise(alarm.TooManyConfig, fmt.Sprintf(
				"%d configs match %s, only the first %d are used",
				len(out), joinPath(path, name), m.opts.MaxMultiConfigSize))
		}
		out = out[:m.opts.MaxMultiConfigSize]
	}
	return out
}

// ClearConfigMatchCache drops every memoised result.
func (m *Matcher) ClearConfigMatchCache() {
	m.mu.Lock()
	m.best = make(map[cacheKey]*bestEntry)
	m.all = make(map[cacheKey]*allEntry)
	m.mu.Unlock()
}

// findAll returns the cached or computed matches and raises the ambiguity
// alarm when one is due.
func (m *Matcher) findAll(path, name string) *allEntry {
	key := cacheKey{path, name}
	epoch := m.store.Current()

	m.mu.Lock()
	m.syncEpochLocked(epoch.Seq)
	e, ok := m.all[key]
	m.mu.Unlock()

	if ok {
		m.m.MatchCache.WithLabelValues("hit").Inc()
	} else {
		m.m.MatchCache.WithLabelValues("miss").Inc()
		e = &allEntry{cfgs: m.match(epoch, path, name)}
		m.mu.Lock()
		if m.epoch == epoch.Seq {
			if cached, raced := m.all[key]; raced {
				e = cached
			} else {
				m.all[key] = e
			}
		}
		m.mu.Unlock()
	}

	if ambiguous(e.cfgs) && m.alarmDue(&e.lastMultiAlarm) {
		m.raiseAmbiguous(path, name, e.cfgs)
	}
	return e
}

func (m *Matcher) raiseAmbiguous(path, name string, cfgs []*pipeline.Config) {
	names := make([]string, len(cfgs))
	for i, c := range cfgs {
		names[i] = c.Name
	}
	m.alarms.Raise(alarm.MultiConfigMatch, fmt.Sprintf(
		"%s matches multiple configs %v, using %s", joinPath(path, name), names, cfgs[0].Name))
}

// alarmDue reports whether MultiConfigAlarmInterval has passed since *last
// and, if so, stamps it.
func (m *Matcher) alarmDue(last *int64) bool {
	now := m.nowNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	if *last != 0 && now-*last < m.opts.MultiConfigAlarmInterval.Nanoseconds() {
		return false
	}
	*last = now
	return true
}

func (m *Matcher) syncEpochLocked(seq uint64) {
	if seq != m.epoch {
		m.epoch = seq
		m.best = make(map[cacheKey]*bestEntry)
		m.all = make(map[cacheKey]*allEntry)
	}
}

// match evaluates every config of epoch against path and name.
func (m *Matcher) match(epoch *store.Epoch, path, name string) []*pipeline.Config {
	var out []*pipeline.Config
	for _, c := range epoch.Ordered {
		containers := m.store.ContainerPaths(c.Name)
		if name == "" {
			if c.IsDirMatch(path, containers) || c.IsAncestorOfBase(path, containers) {
				out = append(out, c)
			}
			continue
		}
		if c.IsDirMatch(path, containers) && c.IsFileMatch(name) {
			out = append(out, c)
		}
	}
	// Ordered is by registration, so a stable sort keeps that as tie-break.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Specificity() > out[j].Specificity()
	})
	return out
}

// ambiguous reports whether more than one config without force_multi_config
// claims the same path.
func ambiguous(cfgs []*pipeline.Config) bool {
	n := 0
	for _, c := range cfgs {
		if !c.ForceMultiConfig {
			n++
		}
	}
	return n > 1
}

func joinPath(path, name string) string {
	if name == "" {
		return path
	}
	return filepath.Join(path, name)
}
