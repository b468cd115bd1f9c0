package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// 默认值与首次安装时写入的配置保持一致
const (
	DefaultPort           = 22
	DefaultTimeoutSeconds = 30
	DefaultLogLevel       = "info"
	DefaultBackend        = "auto"
	DefaultStatusBackend  = "memory"
	DefaultStatusTTL      = 3600
	DefaultListen         = "127.0.0.1:8080"
)

var (
	ErrSettingsNotFound  = errors.New("settings file not found")
	ErrSettingsCorrupted = errors.New("settings file corrupted")
)

// SFTPSettings 远程服务器连接参数
type SFTPSettings struct {
	Host       string `json:"host" yaml:"host" validate:"required"`
	Port       int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Username   string `json:"username" yaml:"username" validate:"required"`
	Password   string `json:"password" yaml:"password" validate:"required"`
	RemotePath string `json:"remote_path" yaml:"remote_path" validate:"required"`
	Timeout    int    `json:"timeout" yaml:"timeout" validate:"min=0"` // 秒
	Backend    string `json:"backend,omitempty" yaml:"backend,omitempty" validate:"omitempty,oneof=auto sftp shell"`
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"` // 为空时不校验主机密钥
}

// TimeoutDuration 返回连接超时，未设置时为 30s
func (s SFTPSettings) TimeoutDuration() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(s.Timeout) * time.Second
}

// MarshalLogObject 输出到日志时隐藏密码
func (s SFTPSettings) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("host", s.Host)
	enc.AddInt("port", s.Port)
	enc.AddString("username", s.Username)
	enc.AddString("remote_path", s.RemotePath)
	enc.AddString("backend", s.Backend)
	return nil
}

// LocalSettings 本地源目录
type LocalSettings struct {
	SourcePath string `json:"source_path" yaml:"source_path" validate:"required"`
	ScratchDir string `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"` // 为空时使用 <状态目录>/temp
}

// LoggingSettings 日志文件配置
type LoggingSettings struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CustomPath string `json:"custom_path" yaml:"custom_path"`
	LogLevel   string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warning error"`
}

// RedisSettings Redis 状态存储连接参数
type RedisSettings struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
}

// StatusSettings 部署状态存储配置
type StatusSettings struct {
	Backend string        `json:"backend" yaml:"backend" validate:"omitempty,oneof=memory redis"`
	TTL     int           `json:"ttl" yaml:"ttl" validate:"min=0"` // 秒
	Redis   RedisSettings `json:"redis" yaml:"redis"`
}

// TTLDuration 返回状态记录保留时长
func (s StatusSettings) TTLDuration() time.Duration {
	if s.TTL <= 0 {
		return DefaultStatusTTL * time.Second
	}
	return time.Duration(s.TTL) * time.Second
}

// ServerSettings HTTP 接口监听地址
type ServerSettings struct {
	Listen string `json:"listen" yaml:"listen"`
}

// Settings 配置文档，对应 ~/.sftpdeploy/settings.json
type Settings struct {
	SFTP     SFTPSettings    `json:"sftp" yaml:"sftp"`
	Local    LocalSettings   `json:"local" yaml:"local"`
	Logging  LoggingSettings `json:"logging" yaml:"logging"`
	TestMode bool            `json:"test_mode" yaml:"test_mode"`
	Status   StatusSettings  `json:"status" yaml:"status"`
	Server   ServerSettings  `json:"server" yaml:"server"`
}

// DefaultSettings 返回首次安装时的默认配置
func DefaultSettings() *Settings {
	return &Settings{
		SFTP: SFTPSettings{
			Port:    DefaultPort,
			Timeout: DefaultTimeoutSeconds,
			Backend: DefaultBackend,
		},
		Logging: LoggingSettings{
			Enabled:  true,
			LogLevel: DefaultLogLevel,
		},
		Status: StatusSettings{
			Backend: DefaultStatusBackend,
			TTL:     DefaultStatusTTL,
		},
		Server: ServerSettings{
			Listen: DefaultListen,
		},
	}
}

// applyDefaults 为旧版或手写配置中缺失的字段补默认值
func (s *Settings) applyDefaults() {
	if s.SFTP.Port == 0 {
		s.SFTP.Port = DefaultPort
	}
	if s.SFTP.Timeout == 0 {
		s.SFTP.Timeout = DefaultTimeoutSeconds
	}
	if s.SFTP.Backend == "" {
		s.SFTP.Backend = DefaultBackend
	}
	if s.Logging.LogLevel == "" {
		s.Logging.LogLevel = DefaultLogLevel
	}
	if s.Status.Backend == "" {
		s.Status.Backend = DefaultStatusBackend
	}
	if s.Status.TTL == 0 {
		s.Status.TTL = DefaultStatusTTL
	}
	if s.Server.Listen == "" {
		s.Server.Listen = DefaultListen
	}
}

// Clone 返回配置快照，部署开始后对原配置的修改不影响进行中的部署
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

// IsConfigured 判断部署所需的字段是否都已填写
func (s *Settings) IsConfigured() bool {
	return s.SFTP.Host != "" && s.SFTP.Username != "" && s.SFTP.Password != "" &&
		s.SFTP.RemotePath != "" && s.Local.SourcePath != ""
}

var validate = validator.New()

// Validate 校验部署所需的字段，返回第一条可读的错误信息
func (s *Settings) Validate() error {
	if s.TestMode {
		// 测试模式不访问任何外部资源，只校验枚举字段
		return validateVar(s.Logging.LogLevel, "omitempty,oneof=debug info warning error", "logging.log_level")
	}
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid setting %s: failed on %q", fieldPath(fe.Namespace()), fe.Tag())
	}
	return err
}

func validateVar(value interface{}, tag, name string) error {
	if err := validate.Var(value, tag); err != nil {
		return fmt.Errorf("invalid setting %s: %w", name, err)
	}
	return nil
}

// fieldPath 将 Settings.SFTP.Host 转为 sftp.host 风格
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	if s == strings.ToUpper(s) {
		return strings.ToLower(s)
	}
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Redacted 返回隐藏了密码的副本，用于展示
func (s *Settings) Redacted() *Settings {
	c := s.Clone()
	if c.SFTP.Password != "" {
		c.SFTP.Password = "********"
	}
	if c.Status.Redis.Password != "" {
		c.Status.Redis.Password = "********"
	}
	return c
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadSettings 读取配置文档并解密密码。文件不存在时返回 ErrSettingsNotFound。
// 未加密的密码原样接受，下次保存时加密。
func LoadSettings(path string, cipher *Cipher) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	settings := &Settings{}
	if isYAML(path) {
		err = yaml.Unmarshal(data, settings)
	} else {
		err = json.Unmarshal(data, settings)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettingsCorrupted, err)
	}
	settings.applyDefaults()

	if cipher != nil {
		if settings.SFTP.Password, err = cipher.Decrypt(settings.SFTP.Password); err != nil {
			return nil, fmt.Errorf("failed to decrypt sftp password: %w", err)
		}
		if settings.Status.Redis.Password, err = cipher.Decrypt(settings.Status.Redis.Password); err != nil {
			return nil, fmt.Errorf("failed to decrypt redis password: %w", err)
		}
	}
	return settings, nil
}

// LoadSettingsOrDefault 读取配置文档，文件不存在时返回默认配置
func LoadSettingsOrDefault(path string, cipher *Cipher) (*Settings, error) {
	settings, err := LoadSettings(path, cipher)
	if errors.Is(err, ErrSettingsNotFound) {
		return DefaultSettings(), nil
	}
	return settings, err
}

// SaveSettings 加密密码后写入配置文档（自动创建目录，权限 0600）
func SaveSettings(path string, settings *Settings, cipher *Cipher) error {
	if cipher == nil {
		return errors.New("refusing to save settings without a cipher")
	}
	out := settings.Clone()
	var err error
	if out.SFTP.Password, err = cipher.Encrypt(out.SFTP.Password); err != nil {
		return fmt.Errorf("failed to encrypt sftp password: %w", err)
	}
	if out.Status.Redis.Password, err = cipher.Encrypt(out.Status.Redis.Password); err != nil {
		return fmt.Errorf("failed to encrypt redis password: %w", err)
	}

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(out)
	} else {
		data, err = json.MarshalIndent(out, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
