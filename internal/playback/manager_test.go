package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-playback/internal/media"
	"live-playback/internal/platform/metrics"
)

func TestManager_removeOneLeavesOthers(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.mgr.CreateSession(liveDesc("a", "https://h/a.m3u8", HintAuto))
	require.NoError(t, err)
	b, err := env.mgr.CreateSession(liveDesc("b", "https://h/b.flv", HintAuto))
	require.NoError(t, err)
	backA, backB := env.backs.backends[0], env.backs.backends[1]
	backB.ready()

	assert.True(t, env.mgr.RemoveSession("a"))

	assert.Equal(t, StateDestroyed, a.State())
	assert.True(t, backA.isDestroyed())
	assert.False(t, backB.isDestroyed())
	assert.Equal(t, StatePlaying, b.State())

	got, ok := env.mgr.Session("b")
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = env.mgr.Session("a")
	assert.False(t, ok)
	assert.Equal(t, 1, env.mgr.SessionCount())
}

func TestManager_removeUnknownIsNoop(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)

	assert.False(t, env.mgr.RemoveSession("zzz"))
	assert.Equal(t, 1, env.mgr.SessionCount())
	assert.False(t, env.backs.last().isDestroyed())
}

func TestManager_duplicateID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)

	_, err = env.mgr.CreateSession(liveDesc("cam", "https://h/x.m3u8", HintAuto))
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, env.mgr.SessionCount())
	assert.Equal(t, 1, env.backs.count(), "rejected create never builds a backend")
}

func TestManager_rejectedCreateNeverRequestsSink(t *testing.T) {
	var mu sync.Mutex
	requested := 0
	env := newTestEnv(t, func(c *Config) {
		inner := c.Sinks
		c.Sinks = func(d StreamDescriptor) (media.Sink, error) {
			mu.Lock()
			requested++
			mu.Unlock()
			return inner(d)
		}
	})
	sinkCalls := func() int {
		mu.Lock()
		defer mu.Unlock()
		return requested
	}

	_, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)
	_, err = env.mgr.CreateSession(cameraDesc("cam", "DEV2"))
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, sinkCalls())

	require.NoError(t, env.mgr.Close(context.Background()))
	_, err = env.mgr.CreateSession(cameraDesc("late", "DEV3"))
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Equal(t, 1, sinkCalls())
}

func TestManager_createDuringReplaceIsDuplicate(t *testing.T) {
	var hold atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, func(c *Config) {
		inner := c.Sinks
		c.Sinks = func(d StreamDescriptor) (media.Sink, error) {
			if hold.CompareAndSwap(true, false) {
				close(entered)
				<-release
			}
			return inner(d)
		}
	})
	_, err := env.mgr.CreateSession(liveDesc("a", "https://h/old.m3u8", HintAuto))
	require.NoError(t, err)

	hold.Store(true)
	replaced := make(chan error, 1)
	go func() {
		_, err := env.mgr.ReplaceSession(liveDesc("a", "https://h/new.m3u8", HintAuto))
		replaced <- err
	}()
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("replace never reached its create")
	}

	// The old session is gone but the id is still claimed by the replace.
	_, err = env.mgr.CreateSession(liveDesc("a", "https://h/other.m3u8", HintAuto))
	assert.ErrorIs(t, err, ErrDuplicateID)

	close(release)
	require.NoError(t, <-replaced)
	s, ok := env.mgr.Session("a")
	require.True(t, ok)
	assert.Equal(t, "https://h/new.m3u8", s.Descriptor().SourceLocator)
	assert.Equal(t, 1, env.mgr.SessionCount())
}

func TestManager_invalidDescriptor(t *testing.T) {
	env := newTestEnv(t)
	for _, d := range []StreamDescriptor{
		{Kind: KindCamera, SourceLocator: "DEV1"},
		{ID: "x", SourceLocator: "DEV1"},
		{ID: "x", Kind: KindLivestream},
		{ID: "x", Kind: "satellite", SourceLocator: "s"},
	} {
		_, err := env.mgr.CreateSession(d)
		assert.ErrorIs(t, err, ErrInvalidDescriptor, "%+v", d)
	}
	assert.Equal(t, 0, env.mgr.SessionCount())
}

func TestManager_listInInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := env.mgr.CreateSession(cameraDesc(id, "DEV-"+id))
		require.NoError(t, err)
	}
	env.mgr.RemoveSession("a")
	_, err := env.mgr.CreateSession(cameraDesc("a", "DEV-a"))
	require.NoError(t, err)

	var ids []string
	for _, s := range env.mgr.ListSessions() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestManager_replaceCreatesFreshSession(t *testing.T) {
	env := newTestEnv(t)
	old, err := env.mgr.CreateSession(liveDesc("live", "https://h/x.m3u8", HintAuto))
	require.NoError(t, err)
	oldBackend := env.backs.last()

	s, err := env.mgr.ReplaceSession(liveDesc("live", "https://h/x.flv", HintAuto))
	require.NoError(t, err)

	assert.NotSame(t, old, s)
	assert.Equal(t, StateDestroyed, old.State())
	assert.True(t, oldBackend.isDestroyed())
	assert.Equal(t, TransportFLV, env.backs.last().transport)
	assert.Equal(t, "https://h/x.flv", env.backs.last().loadedLocator())
	assert.Equal(t, 1, env.mgr.SessionCount())
}

func TestManager_replaceUnknownCreates(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.mgr.ReplaceSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, s.State())
}

func TestManager_idOperations(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)

	for _, op := range []func(string) error{env.mgr.Retry, env.mgr.Reconnect, env.mgr.Play, env.mgr.Pause} {
		assert.ErrorIs(t, op("missing"), ErrSessionNotFound)
	}

	env.backs.last().fatal()
	require.NoError(t, env.mgr.Retry("cam"))
	env.backs.last().ready()
	require.NoError(t, env.mgr.Pause("cam"))
	s, _ := env.mgr.Session("cam")
	assert.Equal(t, StatePaused, s.State())
}

func TestManager_sinkProviderFailure(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Sinks = func(StreamDescriptor) (media.Sink, error) { return nil, errors.New("no video element") }
	})

	s, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)

	assert.Equal(t, StateError, s.State())
	le := s.LastError()
	require.NotNil(t, le)
	assert.Equal(t, KindInitialization, le.Kind)
	assert.Contains(t, le.Detail, "no video element")
	assert.Equal(t, 0, env.backs.count())
}

func TestManager_cameraWithoutEndpoint(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.CameraURL = nil })

	s, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, KindInitialization, s.LastError().Kind)
}

func TestManager_stateChangesInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	env := newTestEnv(t, func(c *Config) {
		c.Callbacks.OnStateChange = func(id string, from, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		}
	})
	s, err := env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)
	env.backs.last().ready()
	env.backs.last().fatal()
	require.NoError(t, s.Retry())
	env.mgr.RemoveSession("cam")
	env.flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateInitializing, StatePlaying, StateError, StateInitializing, StateDestroyed}, seen)
}

func TestManager_callbackMayRemoveSession(t *testing.T) {
	var env *testEnv
	removed := make(chan bool, 1)
	env = newTestEnv(t, func(c *Config) {
		c.Callbacks.OnError = func(id string, _ ErrorInfo) {
			removed <- env.mgr.RemoveSession(id)
		}
	})
	_, err := env.mgr.CreateSession(liveDesc("live", "https://h/x.m3u8", HintAuto))
	require.NoError(t, err)

	env.backs.last().fatal()
	assert.True(t, <-removed)
	assert.Equal(t, 0, env.mgr.SessionCount())
}

func TestManager_closeDestroysEverything(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := env.mgr.CreateSession(liveDesc(id, "https://h/"+id+".m3u8", HintAuto))
		require.NoError(t, err)
	}

	require.NoError(t, env.mgr.Close(context.Background()))

	assert.Equal(t, 0, env.mgr.SessionCount())
	for _, b := range env.backs.backends {
		assert.True(t, b.isDestroyed())
	}
	_, err := env.mgr.CreateSession(cameraDesc("late", "DEV1"))
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.NoError(t, env.mgr.Close(context.Background()), "close is idempotent")
}

func TestManager_closeAfterTimeoutFinishesTeardown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.CreateSession(liveDesc("a", "https://h/a.m3u8", HintAuto))
	require.NoError(t, err)
	gate := env.backs.holdDestroy()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = env.mgr.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = env.mgr.CreateSession(cameraDesc("late", "DEV1"))
	assert.ErrorIs(t, err, ErrManagerClosed, "creates are refused once closing started")

	close(gate)
	require.NoError(t, env.mgr.Close(context.Background()))
	assert.Equal(t, 0, env.mgr.SessionCount())
	assert.True(t, env.backs.last().isDestroyed())
}

func TestManager_metrics(t *testing.T) {
	m := metrics.New()
	env := newTestEnv(t, func(c *Config) { c.Metrics = m })

	s, err := env.mgr.CreateSession(liveDesc("live", "https://h/x.m3u8", HintAuto))
	require.NoError(t, err)
	_, err = env.mgr.CreateSession(cameraDesc("cam", "DEV1"))
	require.NoError(t, err)
	assertActive(t, m, 2)

	b := env.backs.backends[0]
	b.ready()
	b.fatal()
	require.NoError(t, s.Retry())
	env.mgr.RemoveSession("cam")

	assertActive(t, m, 1)
	n, err := testutil.GatherAndCount(m.Registry(), "playback_ready_total", "playback_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one ready series and one retry series")
}

func assertActive(t *testing.T, m *metrics.Metrics, n int) {
	t.Helper()
	expected := fmt.Sprintf(`# HELP playback_active_sessions Number of sessions currently in the session table
# TYPE playback_active_sessions gauge
playback_active_sessions %d
`, n)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "playback_active_sessions"))
}
