// Package config loads session manager configuration from defaults, an optional
// config.yaml, and SM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// Config holds every configuration section.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Docker   DockerConfig   `mapstructure:"docker"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Repos    ReposConfig    `mapstructure:"repos"`
	Session  SessionConfig  `mapstructure:"session"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Firewall FirewallConfig `mapstructure:"firewall"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr     string  `mapstructure:"listenAddr"`
	CallbackURL    string  `mapstructure:"callbackURL"`
	RateLimitRPS   float64 `mapstructure:"rateLimitRPS"`
	RateLimitBurst int     `mapstructure:"rateLimitBurst"`
}

// ChatConfig holds the chat platform connection.
type ChatConfig struct {
	URL             string `mapstructure:"url"`
	Token           string `mapstructure:"token"`
	TeamID          string `mapstructure:"teamID"`
	BotTrigger      string `mapstructure:"botTrigger"`
	ChannelCategory string `mapstructure:"channelCategory"`
	DefaultOrg      string `mapstructure:"defaultOrg"`
}

// DatabaseConfig selects the store driver. Driver is sqlite3 or pgx.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`

	// SQLite only.
	BusyTimeoutMs int `mapstructure:"busyTimeoutMs"`
	ReaderConns   int `mapstructure:"readerConns"`
}

// NATSConfig holds event bus settings. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkloadConfig controls how workloads are provisioned and reclaimed.
type WorkloadConfig struct {
	Runtime          string `mapstructure:"runtime"` // docker or devcontainer
	Image            string `mapstructure:"image"`
	Network          string `mapstructure:"network"`
	GRPCPortStart    int    `mapstructure:"grpcPortStart"`
	MaxSessions      int    `mapstructure:"maxSessions"`
	IdleTimeoutSecs  int    `mapstructure:"idleTimeoutSecs"`
	StartTimeoutSecs int    `mapstructure:"startTimeoutSecs"`
	HealthRetries    int    `mapstructure:"healthRetries"`
	HealthIntervalMs int    `mapstructure:"healthIntervalMs"`
}

// DockerConfig holds Docker client settings.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// SSHConfig reaches the VM that runs devcontainers.
type SSHConfig struct {
	Host        string `mapstructure:"host"`
	User        string `mapstructure:"user"`
	KeyPath     string `mapstructure:"keyPath"`
	TimeoutSecs int    `mapstructure:"timeoutSecs"`
}

// ReposConfig holds checkout locations.
type ReposConfig struct {
	BasePath      string `mapstructure:"basePath"`
	WorktreesPath string `mapstructure:"worktreesPath"`
}

// SessionConfig holds per-session behaviour.
type SessionConfig struct {
	LivenessTimeoutSecs          int `mapstructure:"livenessTimeoutSecs"`
	OrchestratorCompactThreshold int `mapstructure:"orchestratorCompactThreshold"`
}

// ApprovalConfig holds the network approval workflow settings.
type ApprovalConfig struct {
	CallbackSecret   string   `mapstructure:"callbackSecret"`
	AllowedApprovers []string `mapstructure:"allowedApprovers"`
	StaleAfterHours  int      `mapstructure:"staleAfterHours"`
	CleanupSchedule  string   `mapstructure:"cleanupSchedule"`
}

// FirewallConfig points at the OPNsense alias API.
type FirewallConfig struct {
	URL         string `mapstructure:"url"`
	Key         string `mapstructure:"key"`
	Secret      string `mapstructure:"secret"`
	Alias       string `mapstructure:"alias"`
	VerifyTLS   bool   `mapstructure:"verifyTLS"`
	TimeoutSecs int    `mapstructure:"timeoutSecs"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig names the service in exported spans.
type TracingConfig struct {
	ServiceName string `mapstructure:"serviceName"`
}

// IdleTimeout returns the workload idle threshold. Zero disables teardown.
func (w WorkloadConfig) IdleTimeout() time.Duration {
	return time.Duration(w.IdleTimeoutSecs) * time.Second
}

// StartTimeout bounds a single cold start.
func (w WorkloadConfig) StartTimeout() time.Duration {
	return time.Duration(w.StartTimeoutSecs) * time.Second
}

// HealthInterval is the fixed delay between health polls.
func (w WorkloadConfig) HealthInterval() time.Duration {
	return time.Duration(w.HealthIntervalMs) * time.Millisecond
}

// LivenessTimeout returns the stale-session threshold. Zero disables warnings.
func (s SessionConfig) LivenessTimeout() time.Duration {
	return time.Duration(s.LivenessTimeoutSecs) * time.Second
}

// Timeout returns the firewall REST timeout.
func (f FirewallConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// Timeout returns the SSH command timeout.
func (s SSHConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// StaleAfter is the age at which pending approvals are purged.
func (a ApprovalConfig) StaleAfter() time.Duration {
	return time.Duration(a.StaleAfterHours) * time.Hour
}

// ToLoggerConfig converts to the logger package's config.
func (l LoggingConfig) ToLoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{Level: l.Level, Format: l.Format, OutputPath: l.OutputPath}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenAddr", "0.0.0.0:8000")
	v.SetDefault("server.callbackURL", "http://session-manager:8000/callback")
	v.SetDefault("server.rateLimitRPS", 10)
	v.SetDefault("server.rateLimitBurst", 20)

	v.SetDefault("chat.botTrigger", "@claude")
	v.SetDefault("chat.channelCategory", "CLAUDE-SESSIONS")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./session-manager.db")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.readerConns", 4)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "session-manager")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("workload.runtime", "docker")
	v.SetDefault("workload.image", "claude-code:latest")
	v.SetDefault("workload.network", "isolated")
	v.SetDefault("workload.grpcPortStart", 50051)
	v.SetDefault("workload.maxSessions", 5)
	v.SetDefault("workload.idleTimeoutSecs", 1800)
	v.SetDefault("workload.startTimeoutSecs", 120)
	v.SetDefault("workload.healthRetries", 30)
	v.SetDefault("workload.healthIntervalMs", 1000)

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	v.SetDefault("ssh.user", "claude")
	v.SetDefault("ssh.keyPath", "/secrets/ssh/id_ed25519")
	v.SetDefault("ssh.timeoutSecs", 30)

	v.SetDefault("repos.basePath", "/home/claude/repos")
	v.SetDefault("repos.worktreesPath", "/home/claude/worktrees")

	v.SetDefault("session.livenessTimeoutSecs", 120)
	v.SetDefault("session.orchestratorCompactThreshold", 50)

	v.SetDefault("approval.allowedApprovers", []string{})
	v.SetDefault("approval.staleAfterHours", 24)
	v.SetDefault("approval.cleanupSchedule", "@every 1h")

	v.SetDefault("firewall.alias", "llm_approved_domains")
	v.SetDefault("firewall.verifyTLS", true)
	v.SetDefault("firewall.timeoutSecs", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.serviceName", "claude-session-manager")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath first when set.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat names kept from earlier deployments.
	_ = v.BindEnv("chat.url", "SM_MATTERMOST_URL", "SM_CHAT_URL")
	_ = v.BindEnv("chat.token", "SM_MATTERMOST_TOKEN", "SM_CHAT_TOKEN")
	_ = v.BindEnv("chat.teamID", "SM_MATTERMOST_TEAM_ID", "SM_CHAT_TEAMID")
	_ = v.BindEnv("chat.botTrigger", "SM_BOT_TRIGGER")
	_ = v.BindEnv("chat.defaultOrg", "SM_DEFAULT_ORG")
	_ = v.BindEnv("approval.callbackSecret", "SM_CALLBACK_SECRET")
	_ = v.BindEnv("approval.allowedApprovers", "SM_ALLOWED_APPROVERS")
	_ = v.BindEnv("database.dsn", "SM_DATABASE_URL", "SM_DATABASE_DSN")
	_ = v.BindEnv("firewall.url", "SM_OPNSENSE_URL")
	_ = v.BindEnv("firewall.key", "SM_OPNSENSE_KEY")
	_ = v.BindEnv("firewall.secret", "SM_OPNSENSE_SECRET")
	_ = v.BindEnv("ssh.host", "SM_VM_HOST")
	_ = v.BindEnv("workload.maxSessions", "SM_CONTAINER_MAX_SESSIONS")
	_ = v.BindEnv("workload.idleTimeoutSecs", "SM_CONTAINER_IDLE_TIMEOUT_SECS")
	_ = v.BindEnv("session.livenessTimeoutSecs", "SM_SESSION_LIVENESS_TIMEOUT_SECS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/session-manager/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Approval.AllowedApprovers = splitList(cfg.Approval.AllowedApprovers)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// splitList accepts either a YAML list or a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Approval.CallbackSecret == "" {
		errs = append(errs, "approval.callbackSecret is required")
	}
	if cfg.Chat.BotTrigger == "" {
		errs = append(errs, "chat.botTrigger must not be empty")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	switch cfg.Workload.Runtime {
	case "docker":
	case "devcontainer":
		if cfg.SSH.Host == "" {
			errs = append(errs, "ssh.host is required for the devcontainer runtime")
		}
	default:
		errs = append(errs, "workload.runtime must be one of: docker, devcontainer")
	}
	if cfg.Workload.GRPCPortStart <= 0 || cfg.Workload.GRPCPortStart > 65535 {
		errs = append(errs, "workload.grpcPortStart must be between 1 and 65535")
	}
	if cfg.Workload.HealthRetries <= 0 {
		errs = append(errs, "workload.healthRetries must be positive")
	}
	if cfg.Workload.IdleTimeoutSecs < 0 || cfg.Session.LivenessTimeoutSecs < 0 {
		errs = append(errs, "timeouts must not be negative")
	}
	if cfg.Server.RateLimitRPS <= 0 || cfg.Server.RateLimitBurst <= 0 {
		errs = append(errs, "server.rateLimitRPS and server.rateLimitBurst must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
