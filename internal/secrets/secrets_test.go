package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvProvider_GetWithPrefix(t *testing.T) {
	t.Setenv("GRANARY_EMBEDDING_API_KEY", "sk-test")

	p := NewEnvProvider("")
	val, err := p.Get(context.Background(), KeyEmbeddingAPIKey)
	if err != nil {
		t.Fatal(err)
	}
	if val != "sk-test" {
		t.Errorf("got %q, want sk-test", val)
	}
}

func TestEnvProvider_GetBareFallback(t *testing.T) {
	t.Setenv("STORE_PASSWORD", "hunter2")

	p := NewEnvProvider("GRANARY_")
	val, err := p.Get(context.Background(), KeyStorePassword)
	if err != nil {
		t.Fatal(err)
	}
	if val != "hunter2" {
		t.Errorf("got %q, want hunter2", val)
	}
}

func TestEnvProvider_NotFound(t *testing.T) {
	p := NewEnvProvider("GRANARY_TEST_")
	if _, err := p.Get(context.Background(), "missing_key"); err == nil {
		t.Error("expected error for missing env var")
	}
}

func TestEnvProvider_SetDelete(t *testing.T) {
	p := NewEnvProvider("GRANARY_TEST_")
	ctx := context.Background()

	if err := p.Set(ctx, "round_trip", "v1"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GRANARY_TEST_ROUND_TRIP") })

	val, err := p.Get(ctx, "round_trip")
	if err != nil || val != "v1" {
		t.Fatalf("got %q, %v", val, err)
	}

	if err := p.Delete(ctx, "round_trip"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(ctx, "round_trip"); err == nil {
		t.Error("secret survived delete")
	}
}

func TestFileProvider_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	p, err := NewFileProvider(&FileConfig{Path: path, CreateIfMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := p.Set(ctx, KeyStoreDSN, "postgres://localhost/granary"); err != nil {
		t.Fatal(err)
	}
	val, err := p.Get(ctx, KeyStoreDSN)
	if err != nil || val != "postgres://localhost/granary" {
		t.Fatalf("got %q, %v", val, err)
	}

	// A fresh provider must see the persisted value.
	p2, err := NewFileProvider(&FileConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	val, err = p2.Get(ctx, KeyStoreDSN)
	if err != nil || val != "postgres://localhost/granary" {
		t.Fatalf("reloaded: got %q, %v", val, err)
	}

	if err := p.Delete(ctx, KeyStoreDSN); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(ctx, KeyStoreDSN); err == nil {
		t.Error("secret survived delete")
	}
}

func TestFileProvider_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	p, err := NewFileProvider(&FileConfig{Path: path, CreateIfMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Set(context.Background(), "k", "v"); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestFileProvider_RequiresPath(t *testing.T) {
	if _, err := NewFileProvider(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewFileProvider(&FileConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestVaultProvider_GetSet(t *testing.T) {
	stored := map[string]any{KeyEmbeddingAPIKey: "sk-vault"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/granary" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"data": stored},
			})
		case http.MethodPost:
			var payload struct {
				Data map[string]any `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			stored = payload.Data
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	p, err := NewVaultProvider(&VaultConfig{Address: srv.URL, Token: "root"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	val, err := p.Get(ctx, KeyEmbeddingAPIKey)
	if err != nil || val != "sk-vault" {
		t.Fatalf("got %q, %v", val, err)
	}

	if err := p.Set(ctx, KeyStorePassword, "pw"); err != nil {
		t.Fatal(err)
	}
	if stored[KeyStorePassword] != "pw" {
		t.Errorf("set did not reach the backend: %v", stored)
	}
	// Existing keys survive the read-modify-write.
	if stored[KeyEmbeddingAPIKey] != "sk-vault" {
		t.Errorf("set clobbered sibling keys: %v", stored)
	}

	if err := p.Delete(ctx, KeyEmbeddingAPIKey); err != nil {
		t.Fatal(err)
	}
	if _, ok := stored[KeyEmbeddingAPIKey]; ok {
		t.Error("secret survived delete")
	}
}

func TestVaultProvider_Validation(t *testing.T) {
	if _, err := NewVaultProvider(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewVaultProvider(&VaultConfig{Address: "http://x"}); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestManager_FallsBackToEnv(t *testing.T) {
	t.Setenv("GRANARY_TEMPORAL_TOKEN", "tok")

	path := filepath.Join(t.TempDir(), "secrets.json")
	m, err := NewManager(&Config{
		Provider: "file",
		File:     &FileConfig{Path: path, CreateIfMissing: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	val, err := m.Get(context.Background(), KeyTemporalToken)
	if err != nil || val != "tok" {
		t.Fatalf("got %q, %v", val, err)
	}
}

func TestManager_CachesLookups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	m, err := NewManager(&Config{
		Provider: "file",
		File:     &FileConfig{Path: path, CreateIfMissing: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	// Mutate the file behind the manager's back; the cache should win.
	if err := os.WriteFile(path, []byte(`{"k":"v2"}`), 0600); err != nil {
		t.Fatal(err)
	}
	if val, _ := m.Get(ctx, "k"); val != "v1" {
		t.Errorf("got %q, want cached v1", val)
	}
}

func TestManager_GetOrDefault(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatal(err)
	}
	if val := m.GetOrDefault(context.Background(), "definitely_missing_key", "fallback"); val != "fallback" {
		t.Errorf("got %q, want fallback", val)
	}
}

func TestManager_UnknownProvider(t *testing.T) {
	if _, err := NewManager(&Config{Provider: "s3"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
