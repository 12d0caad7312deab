package main

import (
	"path/filepath"
	"testing"

	"github.com/blockmesh/meshagent/internal/config"
)

func TestApp_Commands(t *testing.T) {
	app := newApp()
	for _, name := range []string{"run", "config", "devserver"} {
		if app.Command(name) == nil {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestConfigCommand_WritesLoadableExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := newApp().Run([]string{"meshagent", "config", "--output", path}); err != nil {
		t.Fatalf("config command: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example does not load: %v", err)
	}
	if cfg.Server.URL == "" || cfg.Miner.Binary == "" {
		t.Errorf("example is missing values: %+v", cfg)
	}
}
