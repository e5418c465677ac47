package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appdefaults "github.com/saker-ai/tts-streamer/config"

	"github.com/saker-ai/tts-streamer/internal/logger"
	"github.com/saker-ai/tts-streamer/pkg/audio"
	"github.com/spf13/viper"
)

const envPrefix = "streamer"

// SystemConfig represents a systemConfig.
type SystemConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StreamConfig holds pacing and congestion settings for device senders.
type StreamConfig struct {
	MaxChunkSize      int           `mapstructure:"max_chunk_size"`
	CongestionCeiling int           `mapstructure:"congestion_ceiling"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	GateInterval      time.Duration `mapstructure:"gate_interval"`
	MaxIdlePolls      int           `mapstructure:"max_idle_polls"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	DefaultSessionID  string        `mapstructure:"default_session_id"`
}

// AudioConfig describes the audio format delivered to devices.
type AudioConfig struct {
	Format        string `mapstructure:"format"`
	SampleRate    int    `mapstructure:"sample_rate"`
	Channels      int    `mapstructure:"channels"`
	FrameDuration int    `mapstructure:"frame_duration"`

	Opus audio.OpusOptions `mapstructure:"opus"`
}

// TTSConfig selects and tunes the synthesizer used by the speak API.
type TTSConfig struct {
	Mode            string        `mapstructure:"mode"`
	Command         string        `mapstructure:"command"`
	Voice           string        `mapstructure:"voice"`
	SampleRate      int           `mapstructure:"sample_rate"`
	Channels        int           `mapstructure:"channels"`
	ChunkDurationMs int           `mapstructure:"chunk_duration_ms"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// RegistryConfig selects the device registry backend.
type RegistryConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// BusConfig configures the NATS audio bridge.
type BusConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Embedded       bool     `mapstructure:"embedded"`
	Port           int      `mapstructure:"port"`
	Servers        []string `mapstructure:"servers"`
	Subject        string   `mapstructure:"subject"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	Token          string   `mapstructure:"token"`
	ConnectTimeout int      `mapstructure:"connect_timeout"`
}

// JournalConfig configures the sqlite session journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config represents a config.
type Config struct {
	RootDir           string         `mapstructure:"-"`
	HTTPAddr          string         `mapstructure:"http_addr"`
	TLSCertPath       string         `mapstructure:"tls_cert_path"`
	TLSKeyPath        string         `mapstructure:"tls_key_path"`
	TLSRequired       bool           `mapstructure:"tls_required"`
	TLSDisable        bool           `mapstructure:"tls_disable"`
	DeviceProfilesDir string         `mapstructure:"device_profiles_dir"`
	SystemConfig      SystemConfig   `mapstructure:"system_config"`
	Stream            StreamConfig   `mapstructure:"stream"`
	Audio             AudioConfig    `mapstructure:"audio"`
	TTS               TTSConfig      `mapstructure:"tts"`
	Registry          RegistryConfig `mapstructure:"registry"`
	Bus               BusConfig      `mapstructure:"bus"`
	Journal           JournalConfig  `mapstructure:"journal"`
	Metrics           MetricsConfig  `mapstructure:"metrics"`
	Log               logger.Config  `mapstructure:"log"`
}

// Load reads the embedded defaults, an optional conf.yaml found under the
// root dir, and STREAMER_* environment overrides.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName("conf")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finish(v, rootDir)
}

// LoadConfig reads the config file at configPath on top of the embedded
// defaults. An empty path falls back to Load.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("STREAMER_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	return finish(v, rootDir)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return nil, fmt.Errorf("load embedded config: %w", err)
	}

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", "")
	v.SetDefault("tls_required", false)
	v.SetDefault("tls_disable", true)
	v.SetDefault("tls_cert_path", "")
	v.SetDefault("tls_key_path", "")
	v.SetDefault("stream.max_chunk_size", 8192)
	v.SetDefault("stream.congestion_ceiling", 20*1024)
	v.SetDefault("stream.poll_interval", 350*time.Millisecond)
	v.SetDefault("stream.gate_interval", 20*time.Millisecond)
	v.SetDefault("stream.max_idle_polls", 20)
	v.SetDefault("stream.write_timeout", 5*time.Second)
	v.SetDefault("stream.default_session_id", "0000")
	v.SetDefault("audio.format", "pcm16")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_duration", 60)
	v.SetDefault("audio.opus.bitrate", 24000)
	v.SetDefault("audio.opus.complexity", 5)
	v.SetDefault("audio.opus.vbr", true)
	v.SetDefault("tts.mode", "tone")
	v.SetDefault("tts.sample_rate", 16000)
	v.SetDefault("tts.channels", 1)
	v.SetDefault("tts.chunk_duration_ms", 300)
	v.SetDefault("tts.timeout", 45*time.Second)
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.prefix", "tts-streamer")
	v.SetDefault("registry.ttl", 10*time.Minute)
	v.SetDefault("bus.subject", "tts.audio")
	v.SetDefault("bus.port", 4222)
	v.SetDefault("bus.connect_timeout", 2000)
	v.SetDefault("journal.path", filepath.Join("data", "journal", "sessions.db"))
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "tts-streamer.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	deriveHTTPAddr(&cfg)
	derivePaths(&cfg)
	normalizeStream(&cfg.Stream)

	return cfg, nil
}

func deriveHTTPAddr(cfg *Config) {
	if cfg.HTTPAddr != "" {
		return
	}
	host := cfg.SystemConfig.Host
	port := cfg.SystemConfig.Port
	if port == 0 {
		port = 8088
	}
	if host == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
		return
	}
	cfg.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

func normalizeStream(stream *StreamConfig) {
	if stream.MaxChunkSize <= 0 {
		stream.MaxChunkSize = 8192
	}
	if stream.CongestionCeiling <= 0 {
		stream.CongestionCeiling = 20 * 1024
	}
	if stream.PollInterval <= 0 {
		stream.PollInterval = 350 * time.Millisecond
	}
	if stream.GateInterval <= 0 {
		stream.GateInterval = 20 * time.Millisecond
	}
	if stream.MaxIdlePolls <= 0 {
		stream.MaxIdlePolls = 20
	}
	if stream.WriteTimeout <= 0 {
		stream.WriteTimeout = 5 * time.Second
	}
	if strings.TrimSpace(stream.DefaultSessionID) == "" {
		stream.DefaultSessionID = "0000"
	}
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("STREAMER_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.DeviceProfilesDir = resolvePath(cfg.RootDir, cfg.DeviceProfilesDir, filepath.Join("config", "devices"))
	cfg.Journal.Path = resolvePath(cfg.RootDir, cfg.Journal.Path, filepath.Join("data", "journal", "sessions.db"))
	cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, filepath.Join("certs", "server.crt"))
	cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, filepath.Join("certs", "server.key"))
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
