package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_MissingUserID(t *testing.T) {
	cfg := Defaults()
	cfg.General.UserID = "  "
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestValidate_TransportRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.General.Transport = "websocket"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "websocketURL") {
		t.Fatalf("expected websocketURL error, got %v", err)
	}
	cfg.Realtime.WebSocketURL = "ws://localhost:8080/ws"
	if err := Validate(cfg); err != nil {
		t.Fatalf("websocket transport with URL should be valid: %v", err)
	}

	cfg.General.Transport = "polling"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "apiBase") {
		t.Fatalf("expected apiBase error, got %v", err)
	}

	cfg.General.Transport = "carrier-pigeon"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	if err := Validate(cfg); err != nil {
		t.Fatalf("DATABASE_URL should satisfy the dsn requirement: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.TurnTimeoutSeconds = 0
	cfg.Realtime.PollIntervalMillis = 10
	cfg.Server.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"agent.turnTimeoutSeconds", "realtime.pollIntervalMillis", "server.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Agent.URL = "http://lab:3737"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Agent.URL != "http://lab:3737" {
		t.Fatalf("expected 'http://lab:3737', got %q", loaded.Agent.URL)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.General.Transport = "polling"
	original.Realtime.APIBase = "http://localhost:8080/api/chat"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "transport: polling") {
		t.Fatalf("expected YAML output, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.Transport != "polling" || loaded.Realtime.APIBase != original.Realtime.APIBase {
		t.Fatalf("round trip mismatch: %+v", loaded.Realtime)
	}
}

func TestLoad_PartialYAMLKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := "general:\n  userId: alice\n  logLevel: debug\n  transport: store\nagent:\n  url: http://agent:3737\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.UserID != "alice" || cfg.Agent.URL != "http://agent:3737" {
		t.Fatalf("file values not applied: %+v", cfg.General)
	}
	if cfg.Agent.TurnTimeoutSeconds != 120 || cfg.Realtime.FileGraceMillis != 300 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Agent, cfg.Realtime)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"agent": {
			"turnTimeoutSeconds": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for turnTimeoutSeconds=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_AGENTCHAT_AGENT_URL", "http://10.0.0.5:3737")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"agent": {
			"url": "${TEST_AGENTCHAT_AGENT_URL}"
		},
		"store": {
			"dbPath": "${TEST_AGENTCHAT_UNSET_DB:-/tmp/chat.db}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.URL != "http://10.0.0.5:3737" {
		t.Fatalf("expected substituted agent url, got %q", cfg.Agent.URL)
	}
	if cfg.Store.DBPath != "/tmp/chat.db" {
		t.Fatalf("expected default db path, got %q", cfg.Store.DBPath)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "general.transport")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "store" {
		t.Fatalf("expected 'store', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.url", "http://lab:3737"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Agent.URL != "http://lab:3737" {
		t.Fatalf("expected 'http://lab:3737', got %q", cfg.Agent.URL)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.historyLimit", "25"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Agent.HistoryLimit != 25 {
		t.Fatalf("expected 25, got %d", cfg.Agent.HistoryLimit)
	}
}

func TestValidate_TurnBurst(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.turnBurst", "4"); err != nil {
		t.Fatalf("set turnBurst: %v", err)
	}
	if cfg.Agent.TurnBurst != 4 {
		t.Fatalf("expected 4, got %d", cfg.Agent.TurnBurst)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("burst of 4 should be valid: %v", err)
	}

	cfg.Agent.TurnBurst = 0
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "agent.turnBurst") {
		t.Fatalf("expected turnBurst error, got %v", err)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Attachments.SigningKey = "0123456789abcdef0123456789abcdef"
	cfg.Store.DSN = "postgres://chat:hunter2@db:5432/chat"

	sanitized := Sanitize(cfg)

	if sanitized.Attachments.SigningKey == cfg.Attachments.SigningKey {
		t.Fatal("signing key should be masked")
	}
	if strings.Contains(sanitized.Store.DSN, "hunter2") {
		t.Fatalf("dsn password should be masked, got %q", sanitized.Store.DSN)
	}
	if cfg.Store.DSN != "postgres://chat:hunter2@db:5432/chat" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Attachments.SigningKey = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Attachments.SigningKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Attachments.SigningKey)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.userId", "agent.url", "realtime.fileGraceMillis", "metrics.enabled"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_SIGNING_KEY", "abc123")
	result := ExpandEnvVars(`{"signingKey": "${TEST_SIGNING_KEY}"}`)
	expected := `{"signingKey": "abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Agent.HistoryLimit != 50 || cfg.Agent.MaxOutputChars != 500 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Cache.TTL().Minutes() != 5 || cfg.Attachments.URLTTL().Seconds() != 300 {
		t.Fatal("unexpected ttl defaults")
	}
}
