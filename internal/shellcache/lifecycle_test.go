package shellcache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fiveCritical = []string{"/", "/index.html", "/manifest.json", "/static/js/bundle.js", "/static/css/main.css"}

func TestOnInstall_PrewarmsCriticalPartition(t *testing.T) {
	network := newFakeNetwork()
	for _, p := range fiveCritical {
		network.serve(p, http.StatusOK, "content of "+p)
	}
	m := newTestManager(t, network, newFakeClock(), func(o *Options) {
		o.CriticalPaths = fiveCritical
	})

	require.NoError(t, m.OnInstall(context.Background()))
	assert.Equal(t, StateWaiting, m.State())

	part, err := m.storage.Open("critical")
	require.NoError(t, err)
	keys, err := part.Keys()
	require.NoError(t, err)
	want := make([]string, 0, len(fiveCritical))
	for _, p := range fiveCritical {
		want = append(want, testOrigin+p)
	}
	assert.ElementsMatch(t, want, keys)

	names, err := m.storage.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"critical", "static", "api", "image", "font"}, names)
}

func TestOnInstall_FailsOnAnyCriticalFailure(t *testing.T) {
	t.Run("network error", func(t *testing.T) {
		network := newFakeNetwork()
		network.setDown(true)
		m := newTestManager(t, network, newFakeClock(), func(o *Options) {
			o.CriticalPaths = fiveCritical
		})

		err := m.OnInstall(context.Background())
		assert.ErrorIs(t, err, ErrInstallFailed)
		assert.Equal(t, StateTerminated, m.State())
		assert.Equal(t, 0, partitionLen(t, m.storage, "critical"))
	})

	t.Run("error status", func(t *testing.T) {
		network := newFakeNetwork()
		for _, p := range fiveCritical[:4] {
			network.serve(p, http.StatusOK, "ok")
		}
		m := newTestManager(t, network, newFakeClock(), func(o *Options) {
			o.CriticalPaths = fiveCritical
		})

		err := m.OnInstall(context.Background())
		require.ErrorIs(t, err, ErrInstallFailed)
		assert.Contains(t, err.Error(), "status 404")
		assert.Equal(t, 0, partitionLen(t, m.storage, "critical"))

		// a failed worker never activates
		assert.ErrorIs(t, m.OnActivate(context.Background()), ErrNotWaiting)
	})
}

func TestOnInstall_OnlyOnce(t *testing.T) {
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "shell")
	m := newTestManager(t, network, newFakeClock())

	require.NoError(t, m.OnInstall(context.Background()))
	assert.ErrorIs(t, m.OnInstall(context.Background()), ErrInstallFailed)
}

func TestOnInstall_SkipWaitingActivates(t *testing.T) {
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "shell")
	m := newTestManager(t, network, newFakeClock(), func(o *Options) {
		o.SkipWaiting = true
	})

	require.NoError(t, m.OnInstall(context.Background()))
	assert.Equal(t, StateActive, m.State())
}

func TestOnActivate_EvictsStalePartitions(t *testing.T) {
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "shell")
	storage := NewMemoryStorage(0)
	m := newTestManager(t, network, newFakeClock(), func(o *Options) {
		o.Storage = storage
	})

	old, err := storage.Open("api-v1")
	require.NoError(t, err)
	require.NoError(t, old.Put("k", Entry{Status: http.StatusOK}))
	_, err = storage.Open("runtime-" + DefaultVersion)
	require.NoError(t, err)
	_, err = storage.Open("clinic-static-v0")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.OnInstall(ctx))
	require.NoError(t, m.OnActivate(ctx))

	names, err := storage.Names()
	require.NoError(t, err)
	assert.NotContains(t, names, "api-v1")
	assert.NotContains(t, names, "clinic-static-v0")
	assert.Contains(t, names, "api")
	assert.Contains(t, names, "runtime-"+DefaultVersion)
	assert.Equal(t, StateActive, m.State())

	// idempotent
	require.NoError(t, m.OnActivate(ctx))
}

func TestOnActivate_RequiresWaiting(t *testing.T) {
	m := newTestManager(t, newFakeNetwork(), newFakeClock())
	assert.ErrorIs(t, m.OnActivate(context.Background()), ErrNotWaiting)
	assert.Equal(t, StateNew, m.State())
}

func TestTerminate_StopsControlling(t *testing.T) {
	network := newFakeNetwork()
	clock := newFakeClock()
	m := newActiveManager(t, network, clock)
	network.serve("/static/js/a.js", http.StatusOK, "a")

	m.Terminate()
	assert.Equal(t, StateTerminated, m.State())

	resp := mustFetch(t, m, getRequest("/static/js/a.js"))
	assert.Equal(t, SourceBypass, resp.Source)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "installing", StateInstalling.String())
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", State(42).String())
}
