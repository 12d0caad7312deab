package miner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blockmesh/meshagent/internal/config"
	"github.com/blockmesh/meshagent/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSpawner_Args(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MinerConfig
		want []string
	}{
		{
			name: "bare",
			cfg:  config.MinerConfig{Binary: "ore"},
			want: []string{"mine"},
		},
		{
			name: "full",
			cfg: config.MinerConfig{
				Binary:      "ore",
				RPCURL:      "https://rpc.example",
				KeypairPath: "/keys/id.json",
				PriorityFee: 500,
				Cores:       4,
				ExtraArgs:   []string{"--jito"},
			},
			want: []string{
				"mine",
				"--rpc", "https://rpc.example",
				"--keypair", "/keys/id.json",
				"--priority-fee", "500",
				"--cores", "4",
				"--jito",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewSpawner(tt.cfg, "", quietLogger()).Args()
			if !slices.Equal(got, tt.want) {
				t.Errorf("args = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpawner_ResolveBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bits not supported on windows")
	}
	dataDir := t.TempDir()
	shipped := filepath.Join(dataDir, binDir, "ore")
	if err := os.MkdirAll(filepath.Dir(shipped), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shipped, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		binary  string
		dataDir string
		want    string
	}{
		{"shipped binary wins", "ore", dataDir, shipped},
		{"missing falls back to PATH", "other", dataDir, "other"},
		{"no data dir", "ore", "", "ore"},
		{"absolute path untouched", "/opt/ore", dataDir, "/opt/ore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSpawner(config.MinerConfig{Binary: tt.binary}, tt.dataDir, quietLogger())
			if got := s.resolveBinary(); got != tt.want {
				t.Errorf("resolveBinary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpawner_RunsBinaryWithDeviceID(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	script := filepath.Join(dir, "fake-ore")
	body := "#!/bin/sh\necho \"$MESH_DEVICE_ID $*\" > " + out + "\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	s := NewSpawner(config.MinerConfig{Binary: script, Cores: 2}, "", quietLogger())
	id := uuid.New()
	proc, err := s.Spawn(context.Background(), worker.Env{DeviceID: id})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h := worker.NewHandle(worker.KindMiner, proc, nil)
	defer h.Stop(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	var line string
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(out)
		if err == nil && len(raw) > 0 {
			line = strings.TrimSpace(string(raw))
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := id.String() + " mine --cores 2"
	if line != want {
		t.Errorf("miner saw %q, want %q", line, want)
	}
	if err := h.Stop(time.Second); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestSpawner_MissingBinary(t *testing.T) {
	s := NewSpawner(config.MinerConfig{Binary: filepath.Join(t.TempDir(), "nope")}, "", quietLogger())
	if _, err := s.Spawn(context.Background(), worker.Env{}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
