package healthmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/genai-key-proxy/internal/credential"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

func newManager(t *testing.T) (*credential.Manager, *keystore.MemoryStore) {
	t.Helper()
	store := keystore.NewMemoryStore()
	require.NoError(t, store.InitializeKeys(context.Background(), map[string][]string{"default": {"k1", "k2"}}))
	mgr, err := credential.New(store, []credential.GroupRouting{{Name: "default", Credentials: []string{"k1", "k2"}}}, 3, time.Minute, nil)
	require.NoError(t, err)
	return mgr, store
}

func TestMonitor_NewCredentialScoresPerfect(t *testing.T) {
	mgr, _ := newManager(t)
	m := New(mgr, time.Hour, nil)
	m.refresh(context.Background())

	scores := m.Scores()
	require.Contains(t, scores, "k1")
	assert.Equal(t, 1.0, scores["k1"].HealthScore)
	assert.True(t, scores["k1"].IsHealthy)
}

func TestMonitor_FailuresLowerScore(t *testing.T) {
	mgr, _ := newManager(t)
	require.NoError(t, mgr.RecordSuccess(context.Background(), "k1"))
	require.NoError(t, mgr.RecordFailure(context.Background(), "k1", false))
	require.NoError(t, mgr.RecordFailure(context.Background(), "k1", false))

	m := New(mgr, time.Hour, nil)
	m.refresh(context.Background())

	score := m.Scores()["k1"]
	assert.Less(t, score.HealthScore, 1.0)
	assert.Equal(t, 2, score.ConsecutiveFailures)
}

func TestMonitor_BlockedCredentialIsUnhealthy(t *testing.T) {
	mgr, _ := newManager(t)
	require.NoError(t, mgr.RecordFailure(context.Background(), "k1", true))

	m := New(mgr, time.Hour, nil)
	m.refresh(context.Background())

	assert.False(t, m.Scores()["k1"].IsHealthy)
}

func TestMonitor_RunStopsOnContextCancel(t *testing.T) {
	mgr, _ := newManager(t)
	m := New(mgr, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.NotEmpty(t, m.Scores())
}
