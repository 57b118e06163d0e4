package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/genai-key-proxy/internal/audit"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

type fakeMetrics struct {
	selections int
	failures   int
	blocks     int
}

func (f *fakeMetrics) RecordSelection(group, rotationMethod string) { f.selections++ }
func (f *fakeMetrics) RecordFailure(group string)                   { f.failures++ }
func (f *fakeMetrics) RecordBlock(group string)                     { f.blocks++ }

type fakeAudit struct {
	events []audit.Event
}

func (f *fakeAudit) Record(e audit.Event) { f.events = append(f.events, e) }
func (f *fakeAudit) Close()               {}

func newTestManager(t *testing.T, groups []GroupRouting) (*Manager, keystore.Store) {
	t.Helper()
	store := keystore.NewMemoryStore()
	byGroup := make(map[string][]string, len(groups))
	for _, g := range groups {
		byGroup[g.Name] = g.Credentials
	}
	require.NoError(t, store.InitializeKeys(context.Background(), byGroup))

	mgr, err := New(store, groups, 3, 5*time.Minute, nil)
	require.NoError(t, err)
	return mgr, store
}

func TestPreview_MasksLongKeys(t *testing.T) {
	assert.Equal(t, "AIza...6789", Preview("AIzaSyABCDEF123456789"))
	assert.Equal(t, "short", Preview("short"))
}

func TestManager_RoundRobinAcrossGroups(t *testing.T) {
	groups := []GroupRouting{
		{Name: "g1", Credentials: []string{"k1a", "k1b"}, ModelAliases: []string{"model-1"}},
		{Name: "g2", Credentials: []string{"k2a"}, ModelAliases: []string{"model-2"}},
		{Name: "g3", Credentials: []string{"k3a"}, ModelAliases: []string{"model-3"}},
	}
	mgr, _ := newTestManager(t, groups)
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		info, err := mgr.Next(ctx, "")
		require.NoError(t, err)
		got = append(got, info.Credential)
	}

	assert.Equal(t, []string{"k1a", "k2a", "k3a", "k1b", "k2a", "k3a"}, got)
}

func TestManager_SkipsBlockedCredential(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1", "k2"}}}
	mgr, store := newTestManager(t, groups)
	ctx := context.Background()

	require.NoError(t, store.RecordFailure(ctx, "k1", true, 3))

	info, err := mgr.Next(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "k2", info.Credential)
}

func TestManager_SkipsCooldownCredential(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1", "k2"}}}
	mgr, store := newTestManager(t, groups)
	ctx := context.Background()

	require.NoError(t, store.SetCooldown(ctx, "k1", time.Hour))

	info, err := mgr.Next(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "k2", info.Credential)
}

func TestManager_NoneAvailableWhenAllBlocked(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1"}}}
	mgr, store := newTestManager(t, groups)
	ctx := context.Background()

	require.NoError(t, store.RecordFailure(ctx, "k1", true, 3))

	_, err := mgr.Next(ctx, "")
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestManager_ModelRoutesToOwningGroup(t *testing.T) {
	groups := []GroupRouting{
		{Name: "g1", Credentials: []string{"k1"}, ModelAliases: []string{"gemini-1.5-pro"}},
		{Name: "g2", Credentials: []string{"k2"}, ModelAliases: []string{"gemini-1.5-flash"}},
	}
	mgr, _ := newTestManager(t, groups)
	ctx := context.Background()

	info, err := mgr.Next(ctx, "gemini-1.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "k2", info.Credential)
}

func TestManager_SelectionFairness(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1", "k2", "k3"}}}
	mgr, _ := newTestManager(t, groups)
	ctx := context.Background()

	counts := map[string]int{}
	const selections = 300
	for i := 0; i < selections; i++ {
		info, err := mgr.Next(ctx, "")
		require.NoError(t, err)
		counts[info.Credential]++
	}

	expected := selections / 3
	for cred, count := range counts {
		assert.InDelta(t, expected, count, 1, "credential %s selected %d times, want ~%d", cred, count, expected)
	}
}

func TestManager_RecordFailure_ConsecutiveFailuresUnderConcurrency(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1"}}}
	mgr, store := newTestManager(t, groups)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, mgr.RecordFailure(ctx, "k1", false))
		}()
	}
	wg.Wait()

	state, err := store.GetKeyState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 100, state.ConsecutiveFailures)
	assert.True(t, state.Blocked, "100 failures must exceed the default threshold of 3")
}

func TestManager_RecordFailure_EmitsBlockedEventOnThreshold(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1"}}}
	mgr, store := newTestManager(t, groups)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.RecordFailure(ctx, "k1", false))
	}
	state, err := store.GetKeyState(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, state.Blocked)
}

func TestManager_HandleRateLimit_UsesClassifierDurationOrDefault(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1"}}}
	mgr, store := newTestManager(t, groups)
	ctx := context.Background()

	require.NoError(t, mgr.HandleRateLimit(ctx, "k1", 0))
	state, err := store.GetKeyState(ctx, "k1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), state.CooldownUntil, 2*time.Second)
}

func TestManager_SetMetricsAndAudit_ObserveSelectionAndFailure(t *testing.T) {
	groups := []GroupRouting{{Name: "g", Credentials: []string{"k1"}}}
	mgr, _ := newTestManager(t, groups)
	ctx := context.Background()

	m := &fakeMetrics{}
	a := &fakeAudit{}
	mgr.SetMetrics(m)
	mgr.SetAudit(a)

	_, err := mgr.Next(ctx, "")
	require.NoError(t, err)
	require.NoError(t, mgr.RecordFailure(ctx, "k1", true))

	assert.Equal(t, 1, m.selections)
	assert.Equal(t, 1, m.blocks)
	assert.Equal(t, 0, m.failures)

	require.Len(t, a.events, 2)
	assert.Equal(t, audit.KindKeySelected, a.events[0].Kind)
	assert.Equal(t, audit.KindKeyBlocked, a.events[1].Kind)
	assert.Equal(t, "k1", a.events[0].CredentialPreview)
}
