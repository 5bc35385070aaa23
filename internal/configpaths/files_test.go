package configpaths_test

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/vhcibridge/internal/configpaths"
)

func TestDefaultNamedConfigPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("XDG layout only")
	}
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	tests := []struct {
		format string
		want   string
	}{
		{"json", "sim.json"},
		{"yaml", "sim.yaml"},
		{"yml", "sim.yaml"},
		{"toml", "sim.toml"},
		{"", "sim.json"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			p, err := configpaths.DefaultNamedConfigPath("sim", tt.format)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(xdg, "vhcibridge", tt.want), p)
		})
	}
}

func TestConfigCandidatePaths(t *testing.T) {
	tests := []struct {
		user  string
		which int
	}{
		{"my.json", 0},
		{"my.conf", 0},
		{"my.yaml", 1},
		{"my.yml", 1},
		{"my.toml", 2},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			j, y, tm := configpaths.ConfigCandidatePaths(tt.user)
			lists := [][]string{j, y, tm}
			for i, l := range lists {
				require.NotEmpty(t, l)
				if i == tt.which {
					assert.Equal(t, tt.user, l[0])
				} else {
					assert.NotContains(t, l, tt.user)
				}
			}
		})
	}

	j, y, tm := configpaths.ConfigCandidatePaths("")
	assert.Len(t, y, 2*len(j))
	assert.Len(t, tm, len(j))
}
