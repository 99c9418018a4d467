package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty directory so no stray .env or
// fieldsync.yaml is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, v, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "fieldsync.db", cfg.Cache.Path)
	assert.Equal(t, []string{"1440 Pine", "Nest 56"}, cfg.Sync.ProgramPrefixes)
	assert.False(t, cfg.Sync.WriteBack)
	assert.Equal(t, "UUID__c", cfg.Sync.KeyField)
	assert.Equal(t, "v61.0", cfg.Remote.APIVersion)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Daemon.SyncInterval)
	assert.Equal(t, time.Minute, cfg.Daemon.RetryInterval)
	assert.Equal(t, "Audit_Log__c", cfg.Audit.Object)
	assert.Equal(t, 100, cfg.Audit.DrainBatch)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, v.ConfigFileUsed())
}

func TestLoad_File(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, `
cache:
  path: /var/lib/fieldsync/cache.db
sync:
  program_prefixes: ["Harbor"]
  write_back: true
daemon:
  sync_interval: 5m
log:
  format: json
`)

	cfg, v, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, v.ConfigFileUsed())
	assert.Equal(t, "/var/lib/fieldsync/cache.db", cfg.Cache.Path)
	assert.Equal(t, []string{"Harbor"}, cfg.Sync.ProgramPrefixes)
	assert.True(t, cfg.Sync.WriteBack)
	assert.Equal(t, 5*time.Minute, cfg.Daemon.SyncInterval)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched keys keep their defaults
	assert.Equal(t, time.Minute, cfg.Daemon.DrainInterval)
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	dir := inTempDir(t)
	writeFile(t, filepath.Join(dir, "fieldsync.yaml"), "server:\n  addr: 127.0.0.1:9999\n")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "fieldsync.yaml")
	writeFile(t, path, "daemon:\n  sync_interval: 5m\n")

	t.Setenv("FIELDSYNC_DAEMON_SYNC_INTERVAL", "90s")
	t.Setenv("FIELDSYNC_SYNC_PROGRAM_PREFIXES", "North, South")
	t.Setenv("FIELDSYNC_SYNC_SKIP_BENEFITS", "true")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Daemon.SyncInterval)
	assert.Equal(t, []string{"North", "South"}, cfg.Sync.ProgramPrefixes)
	assert.True(t, cfg.Sync.SkipBenefits)
}

func TestLoad_LegacyEnv(t *testing.T) {
	inTempDir(t)
	t.Setenv("SF_JWT_CONSUMER_KEY", "consumer")
	t.Setenv("SF_JWT_USERNAME", "integration@example.org")
	t.Setenv("PROGRAM_NAMES", `["1440 Pine", "Harbor"]`)
	t.Setenv("WRITE_MISSING_UUIDS", "true")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "consumer", cfg.Remote.ClientID)
	assert.Equal(t, "integration@example.org", cfg.Remote.Username)
	assert.Equal(t, []string{"1440 Pine", "Harbor"}, cfg.Sync.ProgramPrefixes)
	assert.True(t, cfg.Sync.WriteBack)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	writeFile(t, filepath.Join(dir, ".env"), "FIELDSYNC_REMOTE_USERNAME=dotenv-user\n")

	// Register cleanup for a variable godotenv is about to set.
	t.Setenv("FIELDSYNC_REMOTE_USERNAME", "")
	require.NoError(t, os.Unsetenv("FIELDSYNC_REMOTE_USERNAME"))

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-user", cfg.Remote.Username)
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	dir := inTempDir(t)
	writeFile(t, filepath.Join(dir, ".env"), "FIELDSYNC_REMOTE_USERNAME=dotenv-user\n")
	t.Setenv("FIELDSYNC_REMOTE_USERNAME", "real-user")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "real-user", cfg.Remote.Username)
}

func TestLoad_Errors(t *testing.T) {
	dir := inTempDir(t)

	_, _, err := Load(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err, "explicit file must exist")

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "log:\n  format: xml\n")
	_, _, err = Load(bad)
	assert.ErrorContains(t, err, "log.format")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Cache:  CacheConfig{Path: "x.db"},
			Remote: RemoteConfig{Timeout: time.Second},
			Daemon: DaemonConfig{SyncInterval: time.Minute, RetryInterval: time.Minute, DrainInterval: time.Minute},
			Log:    LogConfig{Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty cache path", mutate: func(c *Config) { c.Cache.Path = "" }, wantErr: "cache.path"},
		{name: "zero timeout", mutate: func(c *Config) { c.Remote.Timeout = 0 }, wantErr: "remote.timeout"},
		{name: "negative retry", mutate: func(c *Config) { c.Daemon.RetryInterval = -time.Second }, wantErr: "daemon.retry_interval"},
		{name: "unknown format", mutate: func(c *Config) { c.Log.Format = "logfmt" }, wantErr: "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParsePrefixes(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "plain list", in: []string{"A", "B"}, want: []string{"A", "B"}},
		{name: "comma string", in: []string{"A, B ,C"}, want: []string{"A", "B", "C"}},
		{name: "json array", in: []string{`["1440 Pine","Nest 56"]`}, want: []string{"1440 Pine", "Nest 56"}},
		{name: "split json array", in: []string{`["1440 Pine"`, `"Nest 56"]`}, want: []string{"1440 Pine", "Nest 56"}},
		{name: "blanks dropped", in: []string{"", " , "}, want: []string{}},
		{name: "nil", in: nil, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePrefixes(tt.in))
		})
	}
}

func TestRequireRemote(t *testing.T) {
	c := &Config{}
	err := c.RequireRemote()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.client_id")
	assert.Contains(t, err.Error(), "remote.private_key")

	c.Remote = RemoteConfig{LoginURL: "https://login", ClientID: "id", Username: "u", PrivateKeyPath: "/k.pem"}
	assert.NoError(t, c.RequireRemote())
}

func TestPrivateKeyPEM(t *testing.T) {
	inline := RemoteConfig{PrivateKey: `-----BEGIN KEY-----\nabc\n-----END KEY-----`}
	pem, err := inline.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN KEY-----\nabc\n-----END KEY-----", string(pem))

	path := filepath.Join(t.TempDir(), "key.pem")
	writeFile(t, path, "file-key")
	pem, err = RemoteConfig{PrivateKeyPath: path}.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "file-key", string(pem))

	_, err = RemoteConfig{}.PrivateKeyPEM()
	assert.Error(t, err)

	_, err = RemoteConfig{PrivateKeyPath: filepath.Join(t.TempDir(), "absent.pem")}.PrivateKeyPEM()
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "fieldsync.yaml")
	writeFile(t, path, "sync:\n  program_prefixes: [A]\n")

	_, v, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	require.True(t, Watch(v, func(c *Config) { changes <- c }, nil))

	writeFile(t, path, "sync:\n  program_prefixes: [B, C]\nlog:\n  level: debug\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			// Partial writes can surface as intermediate reloads.
			if len(c.Sync.ProgramPrefixes) > 0 && c.Sync.ProgramPrefixes[0] == "B" {
				assert.Equal(t, []string{"B", "C"}, c.Sync.ProgramPrefixes)
				assert.Equal(t, "debug", c.Log.Level)
				return
			}
		case <-deadline:
			t.Fatal("no reload after config file changed")
		}
	}
}

func TestWatch_NoFile(t *testing.T) {
	inTempDir(t)
	_, v, err := Load("")
	require.NoError(t, err)
	assert.False(t, Watch(v, func(*Config) {}, nil))
}
