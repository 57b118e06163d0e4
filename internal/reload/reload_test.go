package reload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/genai-key-proxy/internal/breaker"
	"github.com/nullstream/genai-key-proxy/internal/config"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:               8080,
			ConnectTimeoutSecs: 5,
			RequestTimeoutSecs: 30,
			TestMode:           true,
		},
		Groups: []config.GroupConfig{
			{Name: "default", APIKeys: []string{"k1", "k2"}, TargetURL: "https://generativelanguage.googleapis.com"},
		},
		MaxFailuresThreshold:  3,
		TemporaryBlockMinutes: 5,
		RateLimitBehavior:     config.RateLimitCooldown,
	}
	return cfg
}

func TestReloader_InitialLoadPublishesSnapshot(t *testing.T) {
	store := keystore.NewMemoryStore()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)

	r, err := New(context.Background(), baseConfig(), store, breakers, nil)
	require.NoError(t, err)

	snap := r.Current()
	require.NotNil(t, snap)
	assert.NotNil(t, snap.Manager)
	assert.NotNil(t, snap.Clients)
	assert.Len(t, snap.Config.AllCredentials(), 2)
}

func TestReloader_ReloadIsIdempotent(t *testing.T) {
	store := keystore.NewMemoryStore()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	cfg := baseConfig()

	r, err := New(context.Background(), cfg, store, breakers, nil)
	require.NoError(t, err)

	key, err := r.Current().Manager.Next(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, []string{"k1", "k2"}, key.Credential)

	require.NoError(t, r.Reload(context.Background(), cfg))
	require.NoError(t, r.Reload(context.Background(), cfg))

	states, err := store.GetAllKeyStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestReloader_AddsAndRemovesCredentials(t *testing.T) {
	store := keystore.NewMemoryStore()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	cfg := baseConfig()

	r, err := New(context.Background(), cfg, store, breakers, nil)
	require.NoError(t, err)

	updated := baseConfig()
	updated.Groups[0].APIKeys = []string{"k2", "k3"}
	require.NoError(t, r.Reload(context.Background(), updated))

	keys := r.Current().Manager.GetAllKeys()
	var creds []string
	for _, k := range keys {
		creds = append(creds, k.Credential)
	}
	assert.ElementsMatch(t, []string{"k2", "k3"}, creds)

	_, err = store.GetKeyState(context.Background(), "k1")
	assert.ErrorIs(t, err, keystore.ErrUnknownCredential)
}

func TestReloader_InvalidConfigDoesNotSwapSnapshot(t *testing.T) {
	store := keystore.NewMemoryStore()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	cfg := baseConfig()

	r, err := New(context.Background(), cfg, store, breakers, nil)
	require.NoError(t, err)
	before := r.Current()

	invalid := baseConfig()
	invalid.Groups[0].TargetURL = ""

	err = r.Reload(context.Background(), invalid)
	assert.Error(t, err)
	assert.Same(t, before, r.Current())
}

func TestReloader_PreservesBreakerAcrossReload(t *testing.T) {
	store := keystore.NewMemoryStore()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	cfg := baseConfig()

	r, err := New(context.Background(), cfg, store, breakers, nil)
	require.NoError(t, err)

	before := breakers.Get(cfg.Groups[0].TargetURL)
	require.NoError(t, r.Reload(context.Background(), cfg))
	after := breakers.Get(cfg.Groups[0].TargetURL)

	assert.Same(t, before, after)
}
