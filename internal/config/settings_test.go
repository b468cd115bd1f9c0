package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/sftpdeploy/internal/config"
)

func newTestCipher(t *testing.T) *config.Cipher {
	t.Helper()
	c, err := config.NewCipher([]byte("test-secret"))
	require.NoError(t, err)
	return c
}

func completeSettings() *config.Settings {
	s := config.DefaultSettings()
	s.SFTP.Host = "deploy.example.com"
	s.SFTP.Username = "deployer"
	s.SFTP.Password = "hunter2"
	s.SFTP.RemotePath = "/var/www/site"
	s.Local.SourcePath = "/srv/build"
	return s
}

func TestDefaultSettings(t *testing.T) {
	s := config.DefaultSettings()

	assert.Equal(t, 22, s.SFTP.Port)
	assert.Equal(t, 30, s.SFTP.Timeout)
	assert.Equal(t, 30*time.Second, s.SFTP.TimeoutDuration())
	assert.Equal(t, "auto", s.SFTP.Backend)
	assert.True(t, s.Logging.Enabled)
	assert.Equal(t, "info", s.Logging.LogLevel)
	assert.Equal(t, "memory", s.Status.Backend)
	assert.Equal(t, time.Hour, s.Status.TTLDuration())
	assert.False(t, s.TestMode)
	assert.False(t, s.IsConfigured())
}

func TestSettings_SaveEncryptsPassword(t *testing.T) {
	c := newTestCipher(t)
	path := filepath.Join(t.TempDir(), "state", config.SettingsFileName)

	require.NoError(t, config.SaveSettings(path, completeSettings(), c))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.Contains(t, string(raw), config.EncryptedPrefix)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := config.LoadSettings(path, c)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", loaded.SFTP.Password)
	assert.Equal(t, "deploy.example.com", loaded.SFTP.Host)
	assert.True(t, loaded.IsConfigured())
}

func TestSettings_PasswordWithEncryptedPrefix(t *testing.T) {
	c := newTestCipher(t)
	path := filepath.Join(t.TempDir(), config.SettingsFileName)

	s := completeSettings()
	s.SFTP.Password = config.EncryptedPrefix + "hunter2"
	require.NoError(t, config.SaveSettings(path, s, c))

	loaded, err := config.LoadSettings(path, c)
	require.NoError(t, err)
	assert.Equal(t, config.EncryptedPrefix+"hunter2", loaded.SFTP.Password)

	// 再次保存不会重复加密或丢失原值
	require.NoError(t, config.SaveSettings(path, loaded, c))
	loaded, err = config.LoadSettings(path, c)
	require.NoError(t, err)
	assert.Equal(t, config.EncryptedPrefix+"hunter2", loaded.SFTP.Password)
}

func TestSettings_YAMLDocument(t *testing.T) {
	c := newTestCipher(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s := completeSettings()
	s.TestMode = true
	require.NoError(t, config.SaveSettings(path, s, c))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "remote_path: /var/www/site")
	assert.Contains(t, string(raw), "test_mode: true")

	loaded, err := config.LoadSettings(path, c)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", loaded.SFTP.Password)
	assert.True(t, loaded.TestMode)
}

func TestSettings_LoadPlaintextLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.SettingsFileName)
	doc := `{"sftp":{"host":"h","username":"u","password":"plain","remote_path":"/r"},"local":{"source_path":"/s"}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	loaded, err := config.LoadSettings(path, newTestCipher(t))
	require.NoError(t, err)
	assert.Equal(t, "plain", loaded.SFTP.Password)
	// 缺失字段补默认值
	assert.Equal(t, 22, loaded.SFTP.Port)
	assert.Equal(t, 30, loaded.SFTP.Timeout)
	assert.Equal(t, "auto", loaded.SFTP.Backend)
}

func TestSettings_LoadMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.SettingsFileName)

	_, err := config.LoadSettings(path, newTestCipher(t))
	assert.ErrorIs(t, err, config.ErrSettingsNotFound)

	s, err := config.LoadSettingsOrDefault(path, newTestCipher(t))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSettings(), s)
}

func TestSettings_LoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := config.LoadSettings(path, newTestCipher(t))
	assert.ErrorIs(t, err, config.ErrSettingsCorrupted)
}

func TestSettings_SaveRequiresCipher(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.SettingsFileName)
	assert.Error(t, config.SaveSettings(path, completeSettings(), nil))
}

func TestSettings_Validate(t *testing.T) {
	require.NoError(t, completeSettings().Validate())

	tests := []struct {
		name   string
		mutate func(s *config.Settings)
		field  string
	}{
		{"missing host", func(s *config.Settings) { s.SFTP.Host = "" }, "sftp.host"},
		{"missing password", func(s *config.Settings) { s.SFTP.Password = "" }, "sftp.password"},
		{"bad port", func(s *config.Settings) { s.SFTP.Port = 70000 }, "sftp.port"},
		{"bad backend", func(s *config.Settings) { s.SFTP.Backend = "ftp" }, "sftp.backend"},
		{"missing source", func(s *config.Settings) { s.Local.SourcePath = "" }, "local.source_path"},
		{"bad level", func(s *config.Settings) { s.Logging.LogLevel = "verbose" }, "logging.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := completeSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.field), "error %q should name %s", err, tt.field)
		})
	}
}

func TestSettings_ValidateTestMode(t *testing.T) {
	s := config.DefaultSettings()
	s.TestMode = true
	assert.NoError(t, s.Validate())
}

func TestSettings_Redacted(t *testing.T) {
	s := completeSettings()
	r := s.Redacted()

	assert.Equal(t, "********", r.SFTP.Password)
	assert.Equal(t, "hunter2", s.SFTP.Password, "source settings must stay unchanged")
}

func TestPaths(t *testing.T) {
	dir := t.TempDir()
	p, err := config.NewPaths(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "settings.json"), p.SettingsFile())
	assert.Equal(t, filepath.Join(dir, "secret.key"), p.SecretFile())
	assert.Equal(t, filepath.Join(dir, "logs"), p.LogDir())
	assert.Equal(t, filepath.Join(dir, "temp"), p.TempDir())

	t.Setenv(config.StateDirEnv, filepath.Join(dir, "home"))
	p, err = config.NewPaths("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "home"), p.StateDir)
	require.NoError(t, p.Ensure())
	info, err := os.Stat(p.StateDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
