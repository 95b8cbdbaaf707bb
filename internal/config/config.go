// Package config loads the process configuration from defaults, an optional
// config file, a .env file and TRICKLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/1ureka/trickle/internal/relay"
	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/transport"
	"github.com/1ureka/trickle/internal/webrtc"
)

const EnvPrefix = "TRICKLE"

// Config stores every tunable of the relay and of the CLI sessions.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Media     MediaConfig     `mapstructure:"media"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stats     StatsConfig     `mapstructure:"stats"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// ICEConfig lists STUN/TURN URLs. Username and Credential apply to the
// turn: and turns: entries.
type ICEConfig struct {
	Servers    []string `mapstructure:"servers"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type MediaConfig struct {
	DataChannel  string `mapstructure:"data_channel"`
	ReceiveAudio bool   `mapstructure:"receive_audio"`
	ReceiveVideo bool   `mapstructure:"receive_video"`
}

type SignalingConfig struct {
	URL                        string `mapstructure:"url"` // relay base URL used by offer/answer
	CandidateCacheSize         int    `mapstructure:"candidate_cache_size"`
	DisableRemoteRenegotiation bool   `mapstructure:"disable_remote_renegotiation"`
}

type RelayConfig struct {
	Listen           string `mapstructure:"listen"`
	MaxMessageBytes  int64  `mapstructure:"max_message_bytes"`
	MaxPendingFrames int    `mapstructure:"max_pending_frames"`
}

type RedisConfig struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// NewViper returns a viper instance carrying the defaults and bound to the
// TRICKLE_ environment, e.g. TRICKLE_RELAY_LISTEN for relay.listen.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("log.debug", false)
	v.SetDefault("ice.servers", webrtc.DefaultSTUNServers)
	v.SetDefault("ice.username", "")
	v.SetDefault("ice.credential", "")
	v.SetDefault("media.data_channel", "trickle")
	v.SetDefault("media.receive_audio", false)
	v.SetDefault("media.receive_video", false)
	v.SetDefault("signaling.url", "ws://localhost:8080")
	v.SetDefault("signaling.candidate_cache_size", signaling.DefaultCandidateCacheSize)
	v.SetDefault("signaling.disable_remote_renegotiation", false)
	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.max_message_bytes", relay.DefaultMaxMessageBytes)
	v.SetDefault("relay.max_pending_frames", relay.DefaultMaxPendingFrames)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", transport.DefaultRedisPrefix)
	v.SetDefault("redis.ttl", transport.DefaultRedisTTL)
	v.SetDefault("stats.interval", 10*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadDotEnv exports the variables of the given .env files (".env" when
// none are given). Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the config file at path, if any, into v and decodes the
// result. The file format follows its extension (yaml, toml, json).
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	hasTURN := false
	for _, s := range c.ICE.Servers {
		scheme, _, ok := strings.Cut(s, ":")
		switch {
		case !ok:
			fail("ice.servers: %q has no scheme", s)
		case scheme == "turn" || scheme == "turns":
			hasTURN = true
		case scheme != "stun" && scheme != "stuns":
			fail("ice.servers: unsupported scheme %q in %q", scheme, s)
		}
	}
	if hasTURN && (c.ICE.Username == "" || c.ICE.Credential == "") {
		fail("ice: turn servers need username and credential")
	}

	if c.Signaling.CandidateCacheSize < 0 {
		fail("signaling.candidate_cache_size must not be negative")
	}
	if c.Relay.MaxMessageBytes < 0 {
		fail("relay.max_message_bytes must not be negative")
	}
	if c.Relay.MaxPendingFrames < 0 {
		fail("relay.max_pending_frames must not be negative")
	}
	if c.Redis.TTL < 0 {
		fail("redis.ttl must not be negative")
	}
	if c.Redis.URL != "" {
		if _, err := redis.ParseURL(c.Redis.URL); err != nil {
			fail("redis.url: %w", err)
		}
	}
	if c.Stats.Interval < 0 {
		fail("stats.interval must not be negative")
	}

	return errors.Join(errs...)
}

// ICEServers converts the ICE section for the media engine. STUN URLs share
// one entry; TURN URLs carry the credentials.
func (c *Config) ICEServers() []signaling.ICEServer {
	var stun, turn []string
	for _, s := range c.ICE.Servers {
		if strings.HasPrefix(s, "turn") {
			turn = append(turn, s)
		} else {
			stun = append(stun, s)
		}
	}

	var servers []signaling.ICEServer
	if len(stun) > 0 {
		servers = append(servers, signaling.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, signaling.ICEServer{
			URLs:       turn,
			Username:   c.ICE.Username,
			Credential: c.ICE.Credential,
		})
	}
	return servers
}

func (c *Config) MediaConfig() signaling.MediaConfig {
	return signaling.MediaConfig{
		ICEServers:   c.ICEServers(),
		DataChannel:  c.Media.DataChannel,
		ReceiveAudio: c.Media.ReceiveAudio,
		ReceiveVideo: c.Media.ReceiveVideo,
	}
}

func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		MaxMessageBytes:  c.Relay.MaxMessageBytes,
		MaxPendingFrames: c.Relay.MaxPendingFrames,
	}
}

func (c *Config) RedisOptions() transport.RedisOptions {
	return transport.RedisOptions{Prefix: c.Redis.Prefix, TTL: c.Redis.TTL}
}
