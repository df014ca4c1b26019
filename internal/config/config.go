package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	DGG         DGGConfig         `yaml:"dgg"`
	Kick        KickConfig        `yaml:"kick"`
	Twitch      TwitchConfig      `yaml:"twitch"`
	YouTube     YouTubeConfig     `yaml:"youtube"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	S3          S3Config          `yaml:"s3"`
	Uploader    UploaderConfig    `yaml:"uploader"`
	Health      HealthConfig      `yaml:"health"`
	BufferSize  int               `yaml:"buffer_size"` // fan-in event channel depth
}

// DGGConfig holds configuration for the bespoke line-protocol chat
type DGGConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	AuthCookie string `yaml:"auth_cookie"` // session cookie presented on the handshake
}

// KickChannel is a Kick channel with an optional pre-resolved chatroom ID
type KickChannel struct {
	Slug       string `yaml:"slug"`
	ChatroomID int    `yaml:"chatroom_id"` // 0 means not pre-configured, needs resolution
}

// KickConfig holds Kick-specific configuration
type KickConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Channels []KickChannel `yaml:"channels"`
}

// TwitchConfig holds Twitch-specific configuration. The connection is
// anonymous, so only the channel list is needed.
type TwitchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Channels []string `yaml:"channels"`
}

// YouTubeConfig holds YouTube live chat configuration
type YouTubeConfig struct {
	Enabled         bool     `yaml:"enabled"`
	VideoIDs        []string `yaml:"video_ids"`
	DelayMultiplier float64  `yaml:"delay_multiplier"` // scales the server-suggested poll delay
}

// DiagnosticsConfig holds the on-disk diagnostics spool configuration
type DiagnosticsConfig struct {
	OutputDir       string `yaml:"output_dir"`
	BufferSize      int    `yaml:"buffer_size"`
	RotateMinutes   int    `yaml:"rotate_minutes"`
	RotateMegabytes int    `yaml:"rotate_megabytes"`
}

// S3Config holds S3 upload configuration for rotated diagnostics files
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Legacy: static credentials
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
	MaxRetries        int  `yaml:"max_retries"`
}

// HealthConfig holds the health/metrics server configuration
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Read YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply environment variable overrides
	if cookie := os.Getenv("DGG_AUTH_COOKIE"); cookie != "" {
		cfg.DGG.AuthCookie = cookie
	}
	if roleARN := os.Getenv("AWS_ROLE_ARN"); roleARN != "" {
		cfg.S3.RoleARN = roleARN
	}
	if keyID := os.Getenv("S3_ACCESS_KEY_ID"); keyID != "" {
		cfg.S3.AccessKeyID = keyID
	}
	if secretKey := os.Getenv("S3_SECRET_ACCESS_KEY"); secretKey != "" {
		cfg.S3.SecretAccessKey = secretKey
	}

	// Set defaults
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 256
	}
	if cfg.DGG.URL == "" {
		cfg.DGG.URL = "wss://chat.destiny.gg/ws"
	}
	if cfg.YouTube.DelayMultiplier == 0 {
		cfg.YouTube.DelayMultiplier = 1.0
	}
	if cfg.Diagnostics.OutputDir == "" {
		cfg.Diagnostics.OutputDir = "./diag"
	}
	if cfg.Diagnostics.BufferSize == 0 {
		cfg.Diagnostics.BufferSize = 256
	}
	if cfg.Diagnostics.RotateMinutes == 0 {
		cfg.Diagnostics.RotateMinutes = 60
	}
	if cfg.Diagnostics.RotateMegabytes == 0 {
		cfg.Diagnostics.RotateMegabytes = 50
	}
	if cfg.Uploader.MaxRetries == 0 {
		cfg.Uploader.MaxRetries = 3
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}

	// Validate required fields
	if !cfg.DGG.Enabled && !cfg.Kick.Enabled && !cfg.Twitch.Enabled && !cfg.YouTube.Enabled {
		return nil, fmt.Errorf("at least one platform must be enabled")
	}
	if cfg.Kick.Enabled && len(cfg.Kick.Channels) == 0 {
		return nil, fmt.Errorf("kick.channels is required when kick is enabled")
	}
	if cfg.Twitch.Enabled && len(cfg.Twitch.Channels) == 0 {
		return nil, fmt.Errorf("twitch.channels is required when twitch is enabled")
	}
	if cfg.YouTube.Enabled && len(cfg.YouTube.VideoIDs) == 0 {
		return nil, fmt.Errorf("youtube.video_ids is required when youtube is enabled")
	}
	if cfg.S3.Enabled {
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3.bucket is required when s3 upload is enabled")
		}
		if cfg.S3.Region == "" {
			return nil, fmt.Errorf("s3.region is required when s3 upload is enabled")
		}
		// Either OIDC role or static credentials required
		if cfg.S3.RoleARN == "" && cfg.S3.AccessKeyID == "" {
			return nil, fmt.Errorf("either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required")
		}
		// If using static credentials, both key and secret are required
		if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey == "" {
			return nil, fmt.Errorf("s3.secret_access_key is required when using access_key_id")
		}
	}

	return &cfg, nil
}
