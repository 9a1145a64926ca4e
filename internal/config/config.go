// Package config loads voxlink settings from an optional YAML file, a .env
// file and VOXLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/repositories"
)

const envPrefix = "VOXLINK"

type Config struct {
	Voxta   VoxtaConfig
	Audio   AudioConfig
	Log     LogConfig
	API     APIConfig
	History HistoryConfig
}

type VoxtaConfig struct {
	Address          string
	Port             int
	ClientName       string
	ClientVersion    string
	SkipNegotiation  bool
	AccessToken      string
	KeepAlive        time.Duration
	ServerTimeout    time.Duration
	HandshakeTimeout time.Duration
	Reconnect        ReconnectConfig
}

type ReconnectConfig struct {
	Enabled   bool
	Delays    []time.Duration
	PerMinute int
}

type AudioConfig struct {
	LipSync    repositories.LipSyncType
	Audio2Face Audio2FaceConfig
	Input      AudioInputConfig
	// AutoPlayback plays finalized replies and reports completion to the
	// server without an external player.
	AutoPlayback bool
}

type Audio2FaceConfig struct {
	URL        string
	USDPath    string
	RetryDelay time.Duration
	// WorkDir is shared with the Audio2Face host; tracks and exported
	// blendshapes are exchanged through it.
	WorkDir string
	FPS     int
}

type AudioInputConfig struct {
	Enabled    bool
	SampleRate int
	Channels   int
	BufferMs   int
	// WAVFile feeds a recorded file instead of a live microphone.
	WAVFile string
}

type LogConfig struct {
	Level  string
	File   string
	Censor bool
}

type APIConfig struct {
	Listen    string
	JWTSecret string
}

type HistoryConfig struct {
	MongoURI      string
	MongoDatabase string
	Retention     time.Duration
}

// Loader reads the configuration and optionally watches the file for
// changes.
type Loader struct {
	path   string
	viper  *viper.Viper
	logger *zap.Logger
}

// NewLoader creates a loader for the YAML file at path. An empty path or a
// missing file leaves only defaults and the environment.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

// Load reads every source and returns the merged configuration.
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		l.logger.Debug("No .env file loaded", zap.Error(err))
	}

	l.viper = viper.New()
	l.viper.SetEnvPrefix(envPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()
	setDefaults(l.viper)

	if l.path != "" {
		l.viper.SetConfigFile(l.path)
		l.viper.SetConfigType("yaml")
		if err := l.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			l.logger.Info("Config file not found, using defaults", zap.String("path", l.path))
		}
	}

	return l.unmarshal(), nil
}

// Watch calls onChange with the reloaded configuration whenever the file
// changes. Only settings that are safe to change at runtime should be read
// from it.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.viper == nil || l.path == "" {
		return
	}
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("Config file changed", zap.String("file", e.Name), zap.Stringer("op", e.Op))
		onChange(l.unmarshal())
	})
	l.viper.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("voxta.address", "127.0.0.1")
	v.SetDefault("voxta.port", 5384)
	v.SetDefault("voxta.client_name", "Voxlink")
	v.SetDefault("voxta.client_version", "0.1.0")
	v.SetDefault("voxta.skip_negotiation", false)
	v.SetDefault("voxta.access_token", "")
	v.SetDefault("voxta.keep_alive", "10s")
	v.SetDefault("voxta.server_timeout", "30s")
	v.SetDefault("voxta.handshake_timeout", "15s")
	v.SetDefault("voxta.reconnect.enabled", true)
	v.SetDefault("voxta.reconnect.delays", []string{"0s", "2s", "10s", "30s"})
	v.SetDefault("voxta.reconnect.per_minute", 6)

	v.SetDefault("audio.lip_sync", string(repositories.LipSyncNone))
	v.SetDefault("audio.auto_playback", true)
	v.SetDefault("audio.audio2face.url", "http://localhost:8011")
	v.SetDefault("audio.audio2face.usd_path", "")
	v.SetDefault("audio.audio2face.retry_delay", "250ms")
	v.SetDefault("audio.audio2face.work_dir", "")
	v.SetDefault("audio.audio2face.fps", 30)
	v.SetDefault("audio.input.enabled", false)
	v.SetDefault("audio.input.sample_rate", 16000)
	v.SetDefault("audio.input.channels", 1)
	v.SetDefault("audio.input.buffer_ms", 200)
	v.SetDefault("audio.input.wav_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.censor", false)

	v.SetDefault("api.listen", "127.0.0.1:8090")
	v.SetDefault("api.jwt_secret", "")

	v.SetDefault("history.mongodb_uri", "")
	v.SetDefault("history.mongodb_database", "voxlink")
	v.SetDefault("history.retention", "720h")
}

func (l *Loader) unmarshal() *Config {
	v := l.viper
	cfg := &Config{}

	cfg.Voxta.Address = v.GetString("voxta.address")
	cfg.Voxta.Port = v.GetInt("voxta.port")
	cfg.Voxta.ClientName = v.GetString("voxta.client_name")
	cfg.Voxta.ClientVersion = v.GetString("voxta.client_version")
	cfg.Voxta.SkipNegotiation = v.GetBool("voxta.skip_negotiation")
	cfg.Voxta.AccessToken = v.GetString("voxta.access_token")
	cfg.Voxta.KeepAlive = v.GetDuration("voxta.keep_alive")
	cfg.Voxta.ServerTimeout = v.GetDuration("voxta.server_timeout")
	cfg.Voxta.HandshakeTimeout = v.GetDuration("voxta.handshake_timeout")
	cfg.Voxta.Reconnect.Enabled = v.GetBool("voxta.reconnect.enabled")
	cfg.Voxta.Reconnect.PerMinute = v.GetInt("voxta.reconnect.per_minute")
	for _, raw := range v.GetStringSlice("voxta.reconnect.delays") {
		d, err := time.ParseDuration(raw)
		if err != nil {
			l.logger.Warn("Ignoring invalid reconnect delay", zap.String("delay", raw), zap.Error(err))
			continue
		}
		cfg.Voxta.Reconnect.Delays = append(cfg.Voxta.Reconnect.Delays, d)
	}

	cfg.Audio.LipSync = repositories.LipSyncType(strings.ToLower(v.GetString("audio.lip_sync")))
	cfg.Audio.AutoPlayback = v.GetBool("audio.auto_playback")
	cfg.Audio.Audio2Face.URL = v.GetString("audio.audio2face.url")
	cfg.Audio.Audio2Face.USDPath = v.GetString("audio.audio2face.usd_path")
	cfg.Audio.Audio2Face.RetryDelay = v.GetDuration("audio.audio2face.retry_delay")
	cfg.Audio.Audio2Face.WorkDir = v.GetString("audio.audio2face.work_dir")
	cfg.Audio.Audio2Face.FPS = v.GetInt("audio.audio2face.fps")
	cfg.Audio.Input.Enabled = v.GetBool("audio.input.enabled")
	cfg.Audio.Input.SampleRate = v.GetInt("audio.input.sample_rate")
	cfg.Audio.Input.Channels = v.GetInt("audio.input.channels")
	cfg.Audio.Input.BufferMs = v.GetInt("audio.input.buffer_ms")
	cfg.Audio.Input.WAVFile = v.GetString("audio.input.wav_file")

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.File = v.GetString("log.file")
	cfg.Log.Censor = v.GetBool("log.censor")

	cfg.API.Listen = v.GetString("api.listen")
	cfg.API.JWTSecret = v.GetString("api.jwt_secret")

	cfg.History.MongoURI = v.GetString("history.mongodb_uri")
	cfg.History.MongoDatabase = v.GetString("history.mongodb_database")
	cfg.History.Retention = v.GetDuration("history.retention")

	return cfg
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Voxta.Address == "" {
		errs = append(errs, errors.New("voxta.address is required"))
	}
	if c.Voxta.Port < 1 || c.Voxta.Port > 65535 {
		errs = append(errs, fmt.Errorf("voxta.port %d out of range", c.Voxta.Port))
	}
	if c.Voxta.KeepAlive <= 0 {
		errs = append(errs, errors.New("voxta.keep_alive must be positive"))
	}
	if c.Voxta.ServerTimeout <= c.Voxta.KeepAlive {
		errs = append(errs, errors.New("voxta.server_timeout must exceed voxta.keep_alive"))
	}

	switch c.Audio.LipSync {
	case repositories.LipSyncNone, repositories.LipSyncCustom:
	case repositories.LipSyncAudio2Face:
		if c.Audio.Audio2Face.URL == "" {
			errs = append(errs, errors.New("audio.audio2face.url is required for audio2face lip-sync"))
		}
	default:
		errs = append(errs, fmt.Errorf("audio.lip_sync %q is not one of none, custom, audio2face", c.Audio.LipSync))
	}

	if c.Audio.Input.Enabled {
		if c.Audio.Input.SampleRate <= 0 || c.Audio.Input.Channels <= 0 {
			errs = append(errs, errors.New("audio.input sample_rate and channels must be positive"))
		}
	}

	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			errs = append(errs, fmt.Errorf("api.listen: %w", err))
		}
	}

	if c.History.MongoURI != "" && c.History.MongoDatabase == "" {
		errs = append(errs, errors.New("history.mongodb_database is required with history.mongodb_uri"))
	}

	return errors.Join(errs...)
}
