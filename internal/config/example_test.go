package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExample_IsValid(t *testing.T) {
	require.NoError(t, Example().Validate())
}

func TestWriteExample_ProducesParseableYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteExample(&buf))

	var cfg Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &cfg))
	assert.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Groups, 2)
}
