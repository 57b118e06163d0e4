package httpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ReturnsSameClientForSameProxyURL(t *testing.T) {
	p := New(10*time.Second, 60*time.Second, nil)

	c1, err := p.Client("")
	require.NoError(t, err)
	c2, err := p.Client("")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, p.Len())
}

func TestPool_DistinctProxyURLsGetDistinctClients(t *testing.T) {
	p := New(10*time.Second, 60*time.Second, nil)

	noProxy, err := p.Client("")
	require.NoError(t, err)
	httpProxy, err := p.Client("http://proxy.example.com:8080")
	require.NoError(t, err)

	assert.NotSame(t, noProxy, httpProxy)
	assert.Equal(t, 2, p.Len())
}

func TestPool_UnsupportedSchemeFallsBackWithoutError(t *testing.T) {
	p := New(10*time.Second, 60*time.Second, nil)

	client, err := p.Client("ftp://proxy.example.com")
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestPool_InvalidProxyURLErrors(t *testing.T) {
	p := New(10*time.Second, 60*time.Second, nil)

	_, err := p.Client("://not-a-url")
	assert.Error(t, err)
}
