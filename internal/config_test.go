package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/notesync/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	eng := cfg.Sync.Engine()
	if eng.PageSize != 100 || eng.ResourceConcurrency != 4 || !eng.SyncTags {
		t.Errorf("engine config = %+v", eng)
	}
}

func TestDataConfig_RequiresPaths(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Data.BlobDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty blob dir should fail validation")
	}
}

func TestRemoteConfig_ServerMustBeHTTP(t *testing.T) {
	for server, ok := range map[string]bool{
		"":                       true,
		"https://as.example.com": true,
		"http://localhost:9000":  true,
		"ftp://as.example.com":   false,
		"as.example.com":         false,
	} {
		cfg := RemoteConfig{Server: server, RequestTimeout: time.Minute}
		err := cfg.Validate()
		if ok && err != nil {
			t.Errorf("server %q: unexpected error %v", server, err)
		}
		if !ok && err == nil {
			t.Errorf("server %q: expected error", server)
		}
	}
}

func TestSyncConfig_Bounds(t *testing.T) {
	cfg := NewDefaultConfig().Sync
	cfg.PageSize = 5000
	if err := cfg.Validate(); err == nil {
		t.Error("oversized page should fail")
	}
	cfg = NewDefaultConfig().Sync
	cfg.ResourceConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero resource concurrency should fail")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("NOTESYNC_TEST_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  http:
    port: 9090
data:
  db_path: /tmp/n/index.db
  blob_dir: /tmp/n/notes
sync:
  debounce: 1s
auth:
  mode: token
  token: ${NOTESYNC_TEST_TOKEN}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.Sync.Debounce != time.Second {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Sync.PageSize != 100 {
		t.Errorf("unset page size should keep its default, got %d", cfg.Sync.PageSize)
	}
}
