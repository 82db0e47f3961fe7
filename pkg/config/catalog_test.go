package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCatalogSaveLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := NewDefaultConfig(dir)

	cat := NewCatalog(dir)
	users := cfg.StoreDefaults("users")
	users.SizeMB = 4
	if err := cat.AddStore(users); err != nil {
		t.Fatalf("failed to add store: %v", err)
	}
	if err := cat.AddStore(cfg.StoreDefaults("orders")); err != nil {
		t.Fatalf("failed to add store: %v", err)
	}

	// In-memory stores are not recorded
	if err := cat.AddStore(NewDefaultStoreConfig("scratch")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 stores, got %d", cat.Len())
	}

	if err := cat.Save(); err != nil {
		t.Fatalf("failed to save catalog: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultCatalogFileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary catalog file left behind")
	}

	loaded, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	if !reflect.DeepEqual(loaded.Names(), []string{"orders", "users"}) {
		t.Errorf("unexpected names %v", loaded.Names())
	}
	sc, ok := loaded.Store("users")
	if !ok || sc.SizeMB != 4 || sc.Folder != dir {
		t.Errorf("unexpected store config %+v", sc)
	}

	// Returned configs are copies
	sc.SizeMB = 99
	if again, _ := loaded.Store("users"); again.SizeMB != 4 {
		t.Error("catalog entry modified through returned copy")
	}

	loaded.RemoveStore("orders")
	if _, ok := loaded.Store("orders"); ok {
		t.Error("removed store still present")
	}
}

func TestCatalogErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadCatalog(filepath.Join(dir, "nonexistent")); !errors.Is(err, ErrCatalogNotFound) {
		t.Errorf("expected ErrCatalogNotFound, got %v", err)
	}

	path := filepath.Join(dir, DefaultCatalogFileName)
	cases := map[string]string{
		"garbage":     "not json",
		"bad version": `{"version": 9, "stores": {}}`,
		"name mismatch": `{"version": 1, "stores": {"a": {"name": "b", "folder": "/x", "mode": "persisted",
			"size_mb": 1, "index_size_mb": 1, "journal_grow_mb": 1, "index_grow_mb": 1, "load_factor_limit": 70}}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadCatalog(dir); !errors.Is(err, ErrInvalidCatalog) {
				t.Errorf("expected ErrInvalidCatalog, got %v", err)
			}
		})
	}

	cat := NewCatalog(dir)
	bad := &StoreConfig{Name: "x", Mode: Persisted}
	if err := cat.AddStore(bad); err == nil {
		t.Error("expected invalid store to be rejected")
	}
}
