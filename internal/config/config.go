package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "LEADCALL"

// Config captures the full configuration surface for the application.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scylla       ScyllaConfig       `mapstructure:"scylla"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Throttle     ThrottleConfig     `mapstructure:"throttle"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Scrape       ScrapeConfig       `mapstructure:"scrape"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// ExposeSecrets returns unmasked credentials from the config endpoint.
	ExposeSecrets bool `mapstructure:"expose_secrets"`
	// MediaPort serves the carrier media stream relay. Zero disables it.
	MediaPort int `mapstructure:"media_port"`
}

// DatabaseConfig selects the SQL dialect. Driver "pgx" uses the Postgres
// fields, driver "sqlite3" uses Path.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	InitSchema  bool          `mapstructure:"init_schema"`
}

// KafkaConfig is optional; with no brokers events are dropped and scrape
// jobs run in-process.
type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	EventTopic      string        `mapstructure:"event_topic"`
	ScrapeTopic     string        `mapstructure:"scrape_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Enabled       bool                  `mapstructure:"enabled"`
	TickInterval  time.Duration         `mapstructure:"tick_interval"`
	MaxBatchSize  int                   `mapstructure:"max_batch_size"`
	TimeZone      string                `mapstructure:"time_zone"`
	BusinessHours []BusinessHoursConfig `mapstructure:"business_hours"`
	// RecallAfter is the minimum gap before a lead that was not reached is dialed again.
	RecallAfter        time.Duration `mapstructure:"recall_after"`
	MaxAttemptsPerLead int           `mapstructure:"max_attempts_per_lead"`
}

// BusinessHoursConfig is one dialing window, e.g. {day: monday, start: "09:00", end: "17:00"}.
type BusinessHoursConfig struct {
	Day   string `mapstructure:"day"`
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type ThrottleConfig struct {
	// MaxInFlightCalls caps concurrently dialing calls across processes. Zero disables it.
	MaxInFlightCalls int           `mapstructure:"max_in_flight_calls"`
	SlotTTL          time.Duration `mapstructure:"slot_ttl"`
	SlotWait         time.Duration `mapstructure:"slot_wait"`
}

type OrchestratorConfig struct {
	ScriptTimeout  time.Duration `mapstructure:"script_timeout"`
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	WrapTimeout    time.Duration `mapstructure:"wrap_timeout"`
	DefaultScript  string        `mapstructure:"default_script"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	// Simulate is one of "auto", "always" or "never". In auto mode simulated
	// providers are used whenever the stored credentials are incomplete.
	Simulate string `mapstructure:"simulate"`
}

type ProvidersConfig struct {
	Credentials   CredentialDefaults `mapstructure:"credentials"`
	PublicBaseURL string             `mapstructure:"public_base_url"`
	// MediaStreamURL is the public websocket address of the media relay.
	// Empty derives it from PublicBaseURL.
	MediaStreamURL    string        `mapstructure:"media_stream_url"`
	TwilioBaseURL     string        `mapstructure:"twilio_base_url"`
	ElevenLabsBaseURL string        `mapstructure:"elevenlabs_base_url"`
	LLMBaseURL        string        `mapstructure:"llm_base_url"`
	LLMModel          string        `mapstructure:"llm_model"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// CredentialDefaults seed credential slots that the stored set leaves empty.
type CredentialDefaults struct {
	TwilioAccountSID  string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken   string `mapstructure:"twilio_auth_token"`
	TwilioPhoneNumber string `mapstructure:"twilio_phone_number"`
	ElevenLabsAPIKey  string `mapstructure:"elevenlabs_api_key"`
	ElevenLabsAgentID string `mapstructure:"elevenlabs_agent_id"`
	LLMAPIKey         string `mapstructure:"llm_api_key"`
}

type ScrapeConfig struct {
	Source       string `mapstructure:"source"`
	FilePath     string `mapstructure:"file_path"`
	DefaultLimit int    `mapstructure:"default_limit"`
}

// credentialEnv maps credential keys to the bare variable names operators
// already export for the providers.
var credentialEnv = map[string]string{
	"providers.credentials.twilio_account_sid":  "TWILIO_ACCOUNT_SID",
	"providers.credentials.twilio_auth_token":   "TWILIO_AUTH_TOKEN",
	"providers.credentials.twilio_phone_number": "TWILIO_PHONE_NUMBER",
	"providers.credentials.elevenlabs_api_key":  "ELEVENLABS_API_KEY",
	"providers.credentials.elevenlabs_agent_id": "ELEVENLABS_AGENT_ID",
	"providers.credentials.llm_api_key":         "LLM_API_KEY",
}

// Load reads configuration from file and environment variables. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(NewEnvReplacer())

	for key, env := range credentialEnv {
		prefixed := envPrefix + "_" + NewEnvReplacer().Replace(strings.ToUpper(key))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lead-call-orchestrator")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.expose_secrets", false)
	v.SetDefault("http.media_port", 8081)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "leads.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "leads")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 10*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scylla.enabled", false)
	v.SetDefault("scylla.hosts", []string{"localhost"})
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "leadcall")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("scylla.init_schema", true)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "lead-call-orchestrator")
	v.SetDefault("kafka.event_topic", "leadcall.call-events")
	v.SetDefault("kafka.scrape_topic", "leadcall.scrape-jobs")
	v.SetDefault("kafka.consumer_group_id", "leadcall-scrape-worker")
	v.SetDefault("kafka.commit_interval", time.Second)
	v.SetDefault("kafka.partitions", 6)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 1)
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "lead-call-orchestrator")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.max_batch_size", 5)
	v.SetDefault("scheduler.time_zone", "UTC")
	v.SetDefault("scheduler.recall_after", 4*time.Hour)
	v.SetDefault("scheduler.max_attempts_per_lead", 3)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("throttle.max_in_flight_calls", 0)
	v.SetDefault("throttle.slot_ttl", 30*time.Minute)
	v.SetDefault("throttle.slot_wait", 2*time.Minute)

	v.SetDefault("orchestrator.script_timeout", 5*time.Second)
	v.SetDefault("orchestrator.ring_timeout", 45*time.Second)
	v.SetDefault("orchestrator.wrap_timeout", 10*time.Second)
	v.SetDefault("orchestrator.default_script", DefaultScript)
	v.SetDefault("orchestrator.worker_pool_size", 64)
	v.SetDefault("orchestrator.simulate", "auto")

	for key := range credentialEnv {
		v.SetDefault(key, "")
	}
	v.SetDefault("providers.public_base_url", "http://localhost:8080")
	v.SetDefault("providers.media_stream_url", "")
	v.SetDefault("providers.twilio_base_url", "https://api.twilio.com/2010-04-01")
	v.SetDefault("providers.elevenlabs_base_url", "https://api.elevenlabs.io/v1")
	v.SetDefault("providers.llm_base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.llm_model", "gpt-4o-mini")
	v.SetDefault("providers.request_timeout", 15*time.Second)

	v.SetDefault("scrape.source", "dummy")
	v.SetDefault("scrape.file_path", "")
	v.SetDefault("scrape.default_limit", 30)
}

// MediaURL returns the websocket base the carrier streams call audio to.
func (p ProvidersConfig) MediaURL() string {
	if p.MediaStreamURL != "" {
		return strings.TrimRight(p.MediaStreamURL, "/")
	}
	base := strings.TrimRight(p.PublicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media"
}

// DefaultScript is the opening line used when script generation is unavailable.
const DefaultScript = "Hello, this is an introductory call from Lash Salon Leads. May I speak to the owner?"

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "pgx", "sqlite3":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	switch c.Orchestrator.Simulate {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("config: orchestrator.simulate must be auto, always or never, got %q", c.Orchestrator.Simulate)
	}
	switch c.Scrape.Source {
	case "dummy":
	case "file":
		if c.Scrape.FilePath == "" {
			return fmt.Errorf("config: scrape.file_path is required for the file source")
		}
	default:
		return fmt.Errorf("config: unsupported scrape source %q", c.Scrape.Source)
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
