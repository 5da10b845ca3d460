package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loghaven/loghaven/agent/internal/metrics"
)

func TestRaise_EvictsOldestWhenFull(t *testing.T) {
	m := metrics.NewForTest()
	s := New(2, 100, m, nil)

	s.Raise(UserConfig, "first")
	s.Raise(UserConfig, "second")
	s.Raise(MultiConfigMatch, "third")

	if got := testutil.ToFloat64(m.AlarmsDropped); got != 1 {
		t.Errorf("dropped: got %v, want 1", got)
	}
	if a := <-s.buf; a.Message != "second" {
		t.Errorf("oldest kept: got %q, want second", a.Message)
	}
	if a := <-s.buf; a.Message != "third" || a.Type != MultiConfigMatch {
		t.Errorf("newest: got %+v", a)
	}
}

func TestRun_DeliversToSink(t *testing.T) {
	m := metrics.NewForTest()

	var mu sync.Mutex
	var got []Alarm
	done := make(chan struct{})
	s := New(8, 1000, m, func(a Alarm) {
		mu.Lock()
		got = append(got, a)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Raise(RemoteSyncDisabled, "cannot create remote config dir")
	s.Raise(UserConfig, "bad yaml")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("alarms not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != RemoteSyncDisabled || got[1].Type != UserConfig {
		t.Errorf("order: got %+v", got)
	}
	if n := testutil.ToFloat64(m.Alarms.WithLabelValues(string(UserConfig))); n != 1 {
		t.Errorf("alarm counter: got %v, want 1", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(1, 1, metrics.NewForTest(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
