package alarm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/loghaven/loghaven/agent/internal/metrics"
)

// Type names a class of alarm.
type Type string

const (
	MultiConfigMatch    Type = "MULTI_CONFIG_MATCH"
	TooManyConfig       Type = "TOO_MANY_CONFIG"
	UserConfig          Type = "USER_CONFIG_ALARM"
	RemoteSyncDisabled  Type = "REMOTE_SYNC_DISABLED"
	RegisterTimeout     Type = "REGISTER_HANDLERS_TOO_SLOW"
	PersistRemoteConfig Type = "PERSIST_REMOTE_CONFIG"
)

// Alarm is one raised condition.
type Alarm struct {
	Type    Type
	Message string
	At      time.Time
}

// Raiser is what the configuration core depends on.
type Raiser interface {
	Raise(t Type, msg string)
}

// Sink receives drained alarms, for example to forward them upstream.
type Sink func(Alarm)

// Sender buffers alarms and drains them in Run.
type Sender struct {
	buf     chan Alarm
	limiter *rate.Limiter
	m       *metrics.Metrics
	sink    Sink
	now     func() time.Time
}

// New returns a Sender holding up to size alarms and draining at most
// perSecond of them per second. sink may be nil.
func New(size int, perSecond float64, m *metrics.Metrics, sink Sink) *Sender {
	if size <= 0 {
		size = 1
	}
	return &Sender{
		buf:     make(chan Alarm, size),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		m:       m,
		sink:    sink,
		now:     time.Now,
	}
}

// Raise enqueues an alarm. If the buffer is full the oldest entry is evicted
// to make room.
func (s *Sender) Raise(t Type, msg string) {
	a := Alarm{Type: t, Message: msg, At: s.now()}
	for {
		select {
		case s.buf <- a:
			return
		default:
		}
		select {
		case old := <-s.buf:
			s.m.AlarmsDropped.Inc()
			slog.Warn("alarm: buffer full, evicted oldest alarm",
				"type", old.Type, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Run drains the buffer until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.buf:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.deliver(a)
		}
	}
}

func (s *Sender) deliver(a Alarm) {
	s.m.Alarms.WithLabelValues(string(a.Type)).Inc()
	slog.Warn("alarm: "+a.Message, "type", a.Type, "at", a.At)
	if s.sink != nil {
		s.sink(a)
	}
}
