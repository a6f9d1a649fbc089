package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRaft     = "raft"
)

// Config holds service configuration.
type Config struct {
	ParticipantID string `yaml:"participantId"`
	// PublicAddress is the callback address sent to counterparties.
	PublicAddress string `yaml:"publicAddress"`
	ServerAddr    string `yaml:"serverAddr"`
	LogLevel      string `yaml:"logLevel"`

	Store        StoreConfig        `yaml:"store"`
	Database     DatabaseConfig     `yaml:"database"`
	Raft         RaftConfig         `yaml:"raft"`
	StateMachine StateMachineConfig `yaml:"stateMachine"`
	Queue        QueueConfig        `yaml:"queue"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Policy       PolicyConfig       `yaml:"policy"`
	API          APIConfig          `yaml:"api"`
	Audit        AuditConfig        `yaml:"audit"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// HolderID names this node's lease holder. Command execution leases
	// under HolderID with a "-commands" suffix.
	HolderID      string        `yaml:"holderId"`
	LeaseDuration time.Duration `yaml:"leaseDuration"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns"`
}

type RaftConfig struct {
	NodeID    string `yaml:"nodeId"`
	Addr      string `yaml:"addr"`
	DataDir   string `yaml:"dataDir"`
	Bootstrap bool   `yaml:"bootstrap"`

	// JoinEndpoint is the HTTP address of a running member. Non-bootstrap
	// nodes ask it to add them as a voter on startup.
	JoinEndpoint   string        `yaml:"joinEndpoint"`
	JoinRetries    int           `yaml:"joinRetries"`
	JoinRetryDelay time.Duration `yaml:"joinRetryDelay"`
}

type StateMachineConfig struct {
	BatchSize      int           `yaml:"batchSize"`
	WaitBase       time.Duration `yaml:"waitBase"`
	WaitMax        time.Duration `yaml:"waitMax"`
	MaxRetries     int           `yaml:"maxRetries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

type QueueConfig struct {
	Size        int           `yaml:"size"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

type DispatchConfig struct {
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type PolicyConfig struct {
	AllowedCounterParties []string               `yaml:"allowedCounterParties"`
	Params                map[string]interface{} `yaml:"params"`
}

// APIConfig holds bearer tokens. An empty token leaves its route group open.
type APIConfig struct {
	ManagementToken string `yaml:"managementToken"`
	ProtocolToken   string `yaml:"protocolToken"`
}

// AuditConfig holds the audit signing keys as "keyId:hex" pairs. The key
// named by SigningKeyID signs new entries.
type AuditConfig struct {
	SigningKeys  string `yaml:"signingKeys"`
	SigningKeyID string `yaml:"signingKeyId"`
}

// CommandHolderID is the lease holder used by command execution.
func (c *Config) CommandHolderID() string {
	return c.Store.HolderID + "-commands"
}

func defaults() *Config {
	return &Config{
		ParticipantID: "participant",
		ServerAddr:    "0.0.0.0:8080",
		LogLevel:      "info",
		Store: StoreConfig{
			Backend:       BackendMemory,
			LeaseDuration: time.Minute,
		},
		Raft: RaftConfig{
			Addr:           "127.0.0.1:7000",
			DataDir:        "data/raft",
			JoinRetries:    30,
			JoinRetryDelay: time.Second,
		},
		StateMachine: StateMachineConfig{
			BatchSize:      20,
			WaitBase:       100 * time.Millisecond,
			WaitMax:        5 * time.Second,
			MaxRetries:     7,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  5 * time.Minute,
			AttemptTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Size:        1024,
			RetryDelay:  time.Second,
			MaxAttempts: 10,
		},
		Dispatch: DispatchConfig{Timeout: 30 * time.Second},
	}
}

// Load reads configuration. Defaults are overlaid with the YAML file named by
// NEGOTIATION_CONFIG, then with environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("NEGOTIATION_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ParticipantID = getenv("PARTICIPANT_ID", cfg.ParticipantID)
	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.PublicAddress = getenv("PUBLIC_ADDRESS", cfg.PublicAddress)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	cfg.Store.Backend = strings.ToLower(getenv("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.HolderID = getenv("LEASE_HOLDER_ID", cfg.Store.HolderID)
	cfg.Store.LeaseDuration = parseDuration(os.Getenv("LEASE_DURATION"), cfg.Store.LeaseDuration)

	cfg.Database.URL = getenv("DATABASE_URL", cfg.Database.URL)
	if cfg.Database.URL == "" {
		user := getenv("POSTGRES_USER", "negotiation")
		pass := getenv("POSTGRES_PASSWORD", "negotiation_pass")
		db := getenv("POSTGRES_DB", "negotiation")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	cfg.Database.MaxConns = int32(parseInt(os.Getenv("DATABASE_MAX_CONNS"), int(cfg.Database.MaxConns)))

	cfg.Raft.NodeID = getenv("RAFT_NODE_ID", cfg.Raft.NodeID)
	cfg.Raft.Addr = getenv("RAFT_ADDR", cfg.Raft.Addr)
	cfg.Raft.DataDir = getenv("RAFT_DATA_DIR", cfg.Raft.DataDir)
	cfg.Raft.Bootstrap = parseBool(os.Getenv("RAFT_BOOTSTRAP"), cfg.Raft.Bootstrap)
	cfg.Raft.JoinEndpoint = getenv("RAFT_JOIN_ENDPOINT", cfg.Raft.JoinEndpoint)
	cfg.Raft.JoinRetries = parseInt(os.Getenv("RAFT_JOIN_RETRIES"), cfg.Raft.JoinRetries)
	cfg.Raft.JoinRetryDelay = parseDuration(os.Getenv("RAFT_JOIN_RETRY_DELAY"), cfg.Raft.JoinRetryDelay)

	sm := &cfg.StateMachine
	sm.BatchSize = parseInt(os.Getenv("BATCH_SIZE"), sm.BatchSize)
	sm.WaitBase = parseDuration(os.Getenv("WAIT_BASE"), sm.WaitBase)
	sm.WaitMax = parseDuration(os.Getenv("WAIT_MAX"), sm.WaitMax)
	sm.MaxRetries = parseInt(os.Getenv("MAX_RETRIES"), sm.MaxRetries)
	sm.RetryBaseDelay = parseDuration(os.Getenv("RETRY_BASE_DELAY"), sm.RetryBaseDelay)
	sm.RetryMaxDelay = parseDuration(os.Getenv("RETRY_MAX_DELAY"), sm.RetryMaxDelay)
	sm.AttemptTimeout = parseDuration(os.Getenv("ATTEMPT_TIMEOUT"), sm.AttemptTimeout)

	cfg.Queue.Size = parseInt(os.Getenv("QUEUE_SIZE"), cfg.Queue.Size)
	cfg.Queue.RetryDelay = parseDuration(os.Getenv("QUEUE_RETRY_DELAY"), cfg.Queue.RetryDelay)
	cfg.Queue.MaxAttempts = parseInt(os.Getenv("QUEUE_MAX_ATTEMPTS"), cfg.Queue.MaxAttempts)

	cfg.Dispatch.Timeout = parseDuration(os.Getenv("DISPATCH_TIMEOUT"), cfg.Dispatch.Timeout)
	cfg.API.ManagementToken = getenv("MANAGEMENT_TOKEN", cfg.API.ManagementToken)
	cfg.API.ProtocolToken = getenv("PROTOCOL_TOKEN", cfg.API.ProtocolToken)
	cfg.Audit.SigningKeys = getenv("AUDIT_SIGNING_KEYS", cfg.Audit.SigningKeys)
	cfg.Audit.SigningKeyID = getenv("AUDIT_SIGNING_KEY_ID", cfg.Audit.SigningKeyID)
	if v := os.Getenv("ALLOWED_COUNTERPARTIES"); v != "" {
		cfg.Policy.AllowedCounterParties = splitCSV(v)
	}

	if cfg.Store.HolderID == "" {
		host, _ := os.Hostname()
		cfg.Store.HolderID = cfg.ParticipantID + "@" + host
	}
	if cfg.Raft.NodeID == "" {
		cfg.Raft.NodeID = cfg.Store.HolderID
	}
	if cfg.PublicAddress == "" {
		cfg.PublicAddress = "http://" + cfg.ServerAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendRaft:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if strings.TrimSpace(c.ParticipantID) == "" {
		return fmt.Errorf("participant id is required")
	}
	if c.StateMachine.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.StateMachine.BatchSize)
	}
	if c.StateMachine.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.StateMachine.MaxRetries)
	}
	return nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
