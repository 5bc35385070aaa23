package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/Alia5/vhcibridge/device/echo"
	_ "github.com/Alia5/vhcibridge/device/mouse"
	"github.com/Alia5/vhcibridge/internal/log"
	"github.com/Alia5/vhcibridge/sim"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSimRunsDevices(t *testing.T) {
	var out, raw syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := &Sim{
		Device:    sim.Config{Ports: 2},
		Devices:   []string{"mouse", "echo"},
		ArenaSize: 4 << 20,
		Send:      "hi",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.StartSim(ctx, logger, log.NewRaw(&raw)) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `data="68 69"`)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("simulation did not stop")
	}

	logs := out.String()
	assert.Contains(t, logs, "product=\"HID Mouse\"")
	assert.Equal(t, 2, strings.Count(logs, "msg=\"device ready\""))
	assert.Contains(t, logs, "msg=OUT")
	assert.Contains(t, raw.String(), "H->D 2 bytes: 68 69")
}

func TestSimRejectsBadDevices(t *testing.T) {
	tests := []struct {
		name    string
		sim     Sim
		wantErr string
	}{
		{
			name:    "unknown type",
			sim:     Sim{Devices: []string{"joystick"}, ArenaSize: 1 << 20},
			wantErr: "unknown device type",
		},
		{
			name:    "too many devices",
			sim:     Sim{Device: sim.Config{Ports: 1}, Devices: []string{"mouse", "echo"}, ArenaSize: 1 << 20},
			wantErr: "do not fit",
		},
		{
			name:    "no arena",
			sim:     Sim{Devices: []string{"mouse"}},
			wantErr: "allocate DMA arena",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sim.StartSim(context.Background(), log.Discard(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
