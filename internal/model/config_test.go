package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("project:\n  name: demo\n"))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "Planner", cfg.Processor.EntryAgent)
	assert.Equal(t, 3, cfg.Processor.ResolveRetries)
	assert.Equal(t, 64, cfg.Processor.MaxSteps)
	assert.Equal(t, DefaultHistoryTail, cfg.Stream.HistoryTail)
	assert.False(t, cfg.IsProduction())
}

func TestParseConfig_Agents(t *testing.T) {
	data := []byte(`
agents:
  - kind: Planner
  - name: FastCodeGen
    kind: CodeGen
  - kind: Evaluator
    enabled: false
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 3)

	assert.Equal(t, "Planner", cfg.Agents[0].RegistryName())
	assert.Equal(t, "FastCodeGen", cfg.Agents[1].RegistryName())
	assert.True(t, cfg.Agents[0].IsEnabled())
	assert.False(t, cfg.Agents[2].IsEnabled())
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad driver", "store:\n  driver: postgres\n"},
		{"reserved name", "agents:\n  - name: Client\n    kind: Planner\n"},
		{"duplicate name", "agents:\n  - kind: Planner\n  - kind: Planner\n"},
		{"missing kind", "agents:\n  - name: Solo\n"},
		{"negative handler cap", "bus:\n  max_handlers: -1\n"},
		{"malformed", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("A2A_LISTEN", "0.0.0.0:9999")
	t.Setenv("A2A_ENV", "Production")

	cfg, err := ParseConfig([]byte("server:\n  listen: 127.0.0.1:1\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Listen)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("logging:\n  level: debug\n"), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = LoadConfig(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFindBaseDir_Env(t *testing.T) {
	t.Setenv("A2A_DIR", "/tmp/custom-a2a")
	assert.Equal(t, "/tmp/custom-a2a", FindBaseDir())
}
