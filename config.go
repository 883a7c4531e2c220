package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml"
)

const poolSoftwareName = "goredpool"

// ChainConfig is one entry of chains[] per §6, or — in single-chain mode —
// the synthetic entry chainConfigs() builds from Config's top-level keys of
// the same name.
type ChainConfig struct {
	Name               string `toml:"name"`
	JobBusAddr         string `toml:"job_bus_addr"`
	JobBusTopic        string `toml:"job_bus_topic"`
	ShareTopic         string `toml:"share_topic"`
	SolvedShareTopic   string `toml:"solved_share_topic"`
	CommonEventsTopic  string `toml:"common_events_topic"`
	FileLastNotifyTime string `toml:"file_last_notify_time"`
}

// shareLogTopic, solvedShareTopic, and commonEventsTopic fall back to a
// chainID-derived name when left unset, so single-chain deployments that
// never set *_topic still get distinct per-sink names.
func (cc ChainConfig) shareLogTopic() string {
	if cc.ShareTopic != "" {
		return cc.ShareTopic
	}
	return cc.Name + ".share_log"
}

func (cc ChainConfig) solvedShareTopic() string {
	if cc.SolvedShareTopic != "" {
		return cc.SolvedShareTopic
	}
	return cc.Name + ".solved_share"
}

func (cc ChainConfig) commonEventsTopic() string {
	if cc.CommonEventsTopic != "" {
		return cc.CommonEventsTopic
	}
	return cc.Name + ".common_events"
}

// SServerConfig is the [sserver] table: listener, job-window, and
// difficulty-policy knobs per §6.
type SServerConfig struct {
	IP   string `toml:"ip"`
	Port int    `toml:"port"`
	ID   int    `toml:"id"`

	AcceptStale    bool `toml:"accept_stale"`
	TCPReadTimeout int  `toml:"tcp_read_timeout"`

	MaxJobLifetime       int `toml:"max_job_lifetime"`
	MaxJobDelay          int `toml:"max_job_delay"` // legacy alias for MaxJobLifetime
	MiningNotifyInterval int `toml:"mining_notify_interval"`

	DefaultDifficulty string `toml:"default_difficulty"`
	MinDifficulty     string `toml:"min_difficulty"`
	MaxDifficulty     string `toml:"max_difficulty"`

	DiffAdjustPeriod int `toml:"diff_adjust_period"`
	ShareAvgSeconds  int `toml:"share_avg_seconds"`

	EnableSimulator          bool   `toml:"enable_simulator"`
	EnableSubmitInvalidBlock bool   `toml:"enable_submit_invalid_block"`
	EnableDevMode            bool   `toml:"enable_dev_mode"`
	DevFixedDifficulty       string `toml:"dev_fixed_difficulty"`

	EnableTLS   bool   `toml:"enable_tls"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`

	MultiChains       bool   `toml:"multi_chains"`
	ZookeeperLockPath string `toml:"zookeeper_lock_path"`

	MaxAcceptsPerSecond int `toml:"max_accepts_per_second"`
	MaxAcceptBurst      int `toml:"max_accept_burst"`
}

type UsersConfig struct {
	ListIDAPIURL    string `toml:"list_id_api_url"`
	CaseInsensitive bool   `toml:"case_insensitive"`
	StorePath       string `toml:"store_path"`
}

// ZookeeperConfig is the [zookeeper] table: §1/§4.3's coordination-service
// seam, backed locally by leaseFileCoordinator (see coordinator.go).
type ZookeeperConfig struct {
	Brokers       string `toml:"brokers"`
	LeaseFilePath string `toml:"lease_file_path"`
	LeaseSecret   string `toml:"lease_secret"`
}

type PrometheusConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

type OperatorNotifyConfig struct {
	DiscordBotToken  string `toml:"discord_bot_token"`
	DiscordChannelID string `toml:"discord_channel_id"`
}

// Config is the recognized configuration surface from §6, parsed from
// sserver.toml with go-toml — the same library the teacher's
// config_examples.go already used to marshal example configs, now promoted
// to the primary load path.
type Config struct {
	SServer        SServerConfig        `toml:"sserver"`
	Chains         []ChainConfig        `toml:"chains"`
	Users          UsersConfig          `toml:"users"`
	Zookeeper      ZookeeperConfig      `toml:"zookeeper"`
	Prometheus     PrometheusConfig     `toml:"prometheus"`
	OperatorNotify OperatorNotifyConfig `toml:"operator_notify"`

	// Single-chain form of chains[]'s per-entry keys (§6: "When false, the
	// same keys at top level"). Only read when sserver.multi_chains is
	// false; chainConfigs() folds these into the synthetic "default" entry.
	JobBusAddr         string `toml:"job_bus_addr"`
	JobBusTopic        string `toml:"job_bus_topic"`
	ShareTopic         string `toml:"share_topic"`
	SolvedShareTopic   string `toml:"solved_share_topic"`
	CommonEventsTopic  string `toml:"common_events_topic"`
	FileLastNotifyTime string `toml:"file_last_notify_time"`
}

func defaultConfig() Config {
	return Config{
		SServer: SServerConfig{
			IP:                   "0.0.0.0",
			Port:                 3333,
			AcceptStale:          true,
			TCPReadTimeout:       600,
			MaxJobLifetime:       300,
			MiningNotifyInterval: 30,
			DefaultDifficulty:    "1",
			MinDifficulty:        "1",
			MaxDifficulty:        "ffffffff",
			DiffAdjustPeriod:     300,
			ShareAvgSeconds:      10,
			MaxAcceptsPerSecond:  200,
			MaxAcceptBurst:       400,
		},
		Users: UsersConfig{CaseInsensitive: true},
	}
}

// loadConfig reads and validates a TOML config file, filling in defaults for
// anything unset.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, validateConfig(&cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validateConfig enforces the non-zero-difficulty and ordering invariants
// from §6/§7 — configuration errors here are fatal and must refuse startup
// rather than silently clamp.
func validateConfig(cfg *Config) error {
	s := &cfg.SServer

	if s.MaxJobLifetime == 0 && s.MaxJobDelay != 0 {
		s.MaxJobLifetime = s.MaxJobDelay
	}
	if s.MaxJobLifetime == 0 {
		s.MaxJobLifetime = 300
	}
	if s.MaxJobLifetime < 300 {
		logger.Warn("max_job_lifetime below recommended minimum", "value", s.MaxJobLifetime, "recommended_min", 300)
	}
	if s.MiningNotifyInterval <= 0 {
		s.MiningNotifyInterval = 30
	}
	if s.MiningNotifyInterval >= s.MaxJobLifetime {
		return fmt.Errorf("mining_notify_interval (%ds) must be less than max_job_lifetime (%ds)",
			s.MiningNotifyInterval, s.MaxJobLifetime)
	}

	for name, hexVal := range map[string]string{
		"default_difficulty": s.DefaultDifficulty,
		"min_difficulty":     s.MinDifficulty,
		"max_difficulty":     s.MaxDifficulty,
	} {
		if strings.TrimSpace(hexVal) == "" {
			return fmt.Errorf("%s must be set", name)
		}
		v, err := strconv.ParseUint(hexVal, 16, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid hex value %q: %w", name, hexVal, err)
		}
		if v == 0 {
			return fmt.Errorf("%s must be non-zero", name)
		}
	}

	if s.DiffAdjustPeriod <= 0 {
		s.DiffAdjustPeriod = 300
	}
	if s.ShareAvgSeconds <= 0 {
		s.ShareAvgSeconds = 10
	}
	if s.DiffAdjustPeriod < s.ShareAvgSeconds {
		return fmt.Errorf("diff_adjust_period (%ds) must be >= share_avg_seconds (%ds)",
			s.DiffAdjustPeriod, s.ShareAvgSeconds)
	}

	if s.EnableDevMode {
		logger.Warn("dev mode enabled: difficulty checks relaxed, do not use in production",
			"fixed_difficulty", s.DevFixedDifficulty)
	}
	if s.EnableSimulator {
		logger.Warn("job simulator enabled: not suitable for production")
	}
	if s.EnableSubmitInvalidBlock {
		logger.Warn("submit-invalid-block enabled: not suitable for production")
	}

	if s.ID < 0 || s.ID > 255 {
		return fmt.Errorf("sserver.id must be in 0..255, got %d", s.ID)
	}

	if s.MultiChains && len(cfg.Chains) == 0 {
		return fmt.Errorf("sserver.multi_chains is true but chains[] is empty")
	}

	return nil
}

// chainConfigs returns the effective per-chain list: either cfg.Chains
// verbatim (multi-chain mode) or a single synthetic entry built from the
// top-level keys (single-chain mode), per §6's "same keys at top level"
// rule.
func (cfg Config) chainConfigs() []ChainConfig {
	if cfg.SServer.MultiChains {
		return cfg.Chains
	}
	return []ChainConfig{{
		Name:               "default",
		JobBusAddr:         cfg.JobBusAddr,
		JobBusTopic:        cfg.JobBusTopic,
		ShareTopic:         cfg.ShareTopic,
		SolvedShareTopic:   cfg.SolvedShareTopic,
		CommonEventsTopic:  cfg.CommonEventsTopic,
		FileLastNotifyTime: cfg.FileLastNotifyTime,
	}}
}

func (cfg Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", cfg.SServer.IP, cfg.SServer.Port)
}
