package bridge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/enginebridge/internal/bridge"
	"github.com/seantiz/enginebridge/internal/cache"
	"github.com/seantiz/enginebridge/internal/config"
)

func TestOpenRegistersCatalogue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	err := os.WriteFile(path, []byte(`
engines:
  - id: beta
    endpoint: vsock://3:1024
  - id: alpha
    protocol: usi
    endpoint: vsock://3:1025
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		Cache:       cache.Options{Backend: cache.BackendMemory},
		EnginesFile: path,
	}
	b, closeAll, err := bridge.Open(context.Background(), cfg, discard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeAll(context.Background())

	list := b.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].ID != "alpha" || list[0].Protocol != "usi" {
		t.Errorf("List()[0] = %+v, want alpha over usi", list[0])
	}
	if list[1].Protocol != "uci" {
		t.Errorf("List()[1].Protocol = %q, want uci", list[1].Protocol)
	}
}

func TestOpenWithoutCatalogue(t *testing.T) {
	cfg := config.Config{
		Cache:       cache.Options{Backend: cache.BackendMemory},
		EnginesFile: filepath.Join(t.TempDir(), "missing.yaml"),
	}
	b, closeAll, err := bridge.Open(context.Background(), cfg, discard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := len(b.List()); n != 0 {
		t.Errorf("List() len = %d, want 0", n)
	}
	if err := closeAll(context.Background()); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := config.Config{Cache: cache.Options{Backend: "etcd"}}
	if _, _, err := bridge.Open(context.Background(), cfg, discard); err == nil {
		t.Error("Open with unknown cache backend succeeded")
	}
}
