package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/intercom/audio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_NoPathsUsesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesKnownKeys(t *testing.T) {
	path := writeConfig(t, `{"headroom_db": 6.0, "num_channels": 2, "num_tablets": 8, "listen_addr": ":9000"}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6.0, cfg.HeadroomDB)
	assert.Equal(t, 2, cfg.NumChannels)
	assert.Equal(t, 8, cfg.NumTablets)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	// Untouched keys keep their defaults.
	assert.Equal(t, audio.SampleRate, cfg.SampleRate)
	assert.Equal(t, audio.FrameSize, cfg.FrameSize)
}

func TestLoad_IgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"headroom_db": 9.0, "future_option": true}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9.0, cfg.HeadroomDB)
}

func TestLoad_CompiledConstantsWin(t *testing.T) {
	path := writeConfig(t, `{"fs": 48000, "frame_size": 256}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, audio.SampleRate, cfg.SampleRate)
	assert.Equal(t, audio.FrameSize, cfg.FrameSize)
}

func TestLoad_ClampsHeadroom(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"below minimum", `{"headroom_db": -3.0}`, MinHeadroomDB},
		{"above maximum", `{"headroom_db": 120.0}`, MaxHeadroomDB},
		{"in range", `{"headroom_db": 24.0}`, 24.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.HeadroomDB)
		})
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := writeConfig(t, `{"headroom_db": `)

	cfg, err := Load(path)
	assert.Error(t, err)
	// Defaults come back even on error so callers can still start.
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FallbackPathOrder(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "config.json")
	example := filepath.Join(dir, "config.example.json")
	require.NoError(t, os.WriteFile(example, []byte(`{"headroom_db": 18.0}`), 0o600))

	// Primary missing: the example file is used.
	cfg, err := Load(primary, example)
	require.NoError(t, err)
	assert.Equal(t, 18.0, cfg.HeadroomDB)

	// Primary present: it wins over the example.
	require.NoError(t, os.WriteFile(primary, []byte(`{"headroom_db": 3.0}`), 0o600))
	cfg, err = Load(primary, example)
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.HeadroomDB)
}

func TestLoad_InvalidCountsFallBack(t *testing.T) {
	path := writeConfig(t, `{"num_channels": 0, "num_tablets": -2, "listen_addr": ""}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.NumChannels, cfg.NumChannels)
	assert.Equal(t, def.NumTablets, cfg.NumTablets)
	assert.Equal(t, def.ListenAddr, cfg.ListenAddr)
}
