package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"sunkcost/internal/events"
	"sunkcost/internal/pot"
)

const (
	stateBackendSnapshot = "snapshot"
	stateBackendSQLite   = "sqlite"

	eventsBackendLog   = "log"
	eventsBackendAMQP  = "amqp"
	eventsBackendRedis = "redis"
	eventsBackendNone  = "none"
)

type runConfig struct {
	ConfigPath        string
	HTTPAddr          string
	GenesisPath       string
	StateBackend      string
	StatePath         string
	BackupDir         string
	BackupEveryBlocks uint64
	BackupRetain      int
	BackupOnClaim     bool
	CreationDeposit   uint64
	BurnPolicy        string
	ExtensionPolicy   string
	DevClock          bool
	AdminToken        string
	AllowDevSigning   bool
	LogVerbosity      int
	EventsBackend     string
	EventBuffer       int
	MaxEventBacklog   int
	EventStream       bool
	AMQPURL           string
	AMQPExchange      string
	RedisAddr         string
	RedisPassword     string
	RedisStream       string
	RedisStreamMaxLen int64
}

type fileConfig struct {
	HTTPAddr          *string `yaml:"http"`
	GenesisPath       *string `yaml:"genesis"`
	StateBackend      *string `yaml:"stateBackend"`
	StatePath         *string `yaml:"state"`
	BackupDir         *string `yaml:"backupDir"`
	BackupEveryBlocks *uint64 `yaml:"backupEveryBlocks"`
	BackupRetain      *int    `yaml:"backupRetain"`
	BackupOnClaim     *bool   `yaml:"backupOnClaim"`
	CreationDeposit   *uint64 `yaml:"creationDeposit"`
	BurnPolicy        *string `yaml:"burnPolicy"`
	ExtensionPolicy   *string `yaml:"extensionPolicy"`
	DevClock          *bool   `yaml:"devClock"`
	AdminToken        *string `yaml:"adminToken"`
	AllowDevSigning   *bool   `yaml:"allowDevSigning"`
	LogVerbosity      *int    `yaml:"logVerbosity"`
	EventsBackend     *string `yaml:"eventsBackend"`
	EventBuffer       *int    `yaml:"eventBuffer"`
	MaxEventBacklog   *int    `yaml:"maxEventBacklog"`
	EventStream       *bool   `yaml:"eventStream"`
	AMQPURL           *string `yaml:"amqpUrl"`
	AMQPExchange      *string `yaml:"amqpExchange"`
	RedisAddr         *string `yaml:"redisAddr"`
	RedisPassword     *string `yaml:"redisPassword"`
	RedisStream       *string `yaml:"redisStream"`
	RedisStreamMaxLen *int64  `yaml:"redisStreamMaxLen"`
}

func parseRunConfig(args []string, envAdminToken string) (runConfig, error) {
	cfg := defaultRunConfig(envAdminToken)

	bootstrapConfigPath, err := discoverConfigPath(args)
	if err != nil {
		return runConfig{}, err
	}
	if bootstrapConfigPath != "" {
		if err := applyConfigFile(bootstrapConfigPath, &cfg); err != nil {
			return runConfig{}, err
		}
		cfg.ConfigPath = bootstrapConfigPath
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to config YAML file")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "http listen address")
	fs.StringVar(&cfg.GenesisPath, "genesis", cfg.GenesisPath, "path to genesis JSON file (optional)")
	fs.StringVar(&cfg.StateBackend, "state-backend", cfg.StateBackend, "state backend: snapshot or sqlite")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "path to state file (snapshot json or sqlite db)")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "directory for periodic JSON snapshot backups (empty disables backups)")
	fs.Uint64Var(&cfg.BackupEveryBlocks, "backup-every-blocks", cfg.BackupEveryBlocks, "write backup snapshot every N committed blocks (0 disables)")
	fs.IntVar(&cfg.BackupRetain, "backup-retain", cfg.BackupRetain, "number of backup snapshots to retain (<=0 keeps all)")
	fs.BoolVar(&cfg.BackupOnClaim, "backup-on-claim", cfg.BackupOnClaim, "write a backup snapshot after every pot claim")
	fs.Uint64Var(&cfg.CreationDeposit, "creation-deposit", cfg.CreationDeposit, "exact payment required to create a pot")
	fs.StringVar(&cfg.BurnPolicy, "burn-policy", cfg.BurnPolicy, "burn policy: bps, fixed or none")
	fs.StringVar(&cfg.ExtensionPolicy, "extension-policy", cfg.ExtensionPolicy, "deadline extension policy: from-bid or from-deadline")
	fs.BoolVar(&cfg.DevClock, "dev-clock", cfg.DevClock, "use a steppable clock and enable /dev/advance-time")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "admin token for dev control endpoints")
	fs.BoolVar(&cfg.AllowDevSigning, "allow-dev-signing", cfg.AllowDevSigning, "enable unsafe server-side signing endpoints")
	fs.IntVar(&cfg.LogVerbosity, "v", cfg.LogVerbosity, "log verbosity (0 info, 1 debug)")
	fs.StringVar(&cfg.EventsBackend, "events-backend", cfg.EventsBackend, "event publisher: log, amqp, redis or none")
	fs.IntVar(&cfg.EventBuffer, "event-buffer", cfg.EventBuffer, "event dispatcher queue size")
	fs.IntVar(&cfg.MaxEventBacklog, "max-event-backlog", cfg.MaxEventBacklog, "event backlog above which /readyz fails (0=auto)")
	fs.BoolVar(&cfg.EventStream, "event-stream", cfg.EventStream, "serve committed events over websocket at /events")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "RabbitMQ URL for the amqp events backend")
	fs.StringVar(&cfg.AMQPExchange, "amqp-exchange", cfg.AMQPExchange, "topic exchange for pot events")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis events backend")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "Redis stream for pot events")
	fs.Int64Var(&cfg.RedisStreamMaxLen, "redis-stream-maxlen", cfg.RedisStreamMaxLen, "approximate Redis stream length cap")

	if err := fs.Parse(args[1:]); err != nil {
		return runConfig{}, err
	}

	if cfg.CreationDeposit == 0 {
		return runConfig{}, errors.New("creation-deposit must be > 0")
	}
	if _, err := pot.ParseBurnPolicy(cfg.BurnPolicy); err != nil {
		return runConfig{}, fmt.Errorf("burn-policy: %w", err)
	}
	if _, err := pot.ParseExtensionPolicy(cfg.ExtensionPolicy); err != nil {
		return runConfig{}, fmt.Errorf("extension-policy: %w", err)
	}
	if cfg.BackupRetain < 0 {
		return runConfig{}, errors.New("backup-retain must be >= 0")
	}
	if cfg.BackupEveryBlocks > 0 && strings.TrimSpace(cfg.BackupDir) == "" {
		return runConfig{}, errors.New("backup-dir is required when backup-every-blocks is > 0")
	}
	cfg.StateBackend = normalizeStateBackend(cfg.StateBackend)
	if !isSupportedStateBackend(cfg.StateBackend) {
		return runConfig{}, fmt.Errorf("unsupported state-backend %q (supported: %s, %s)", cfg.StateBackend, stateBackendSnapshot, stateBackendSQLite)
	}
	if cfg.EventBuffer <= 0 {
		return runConfig{}, errors.New("event-buffer must be > 0")
	}
	if cfg.MaxEventBacklog < 0 {
		return runConfig{}, errors.New("max-event-backlog must be >= 0")
	}
	cfg.EventsBackend = strings.TrimSpace(strings.ToLower(cfg.EventsBackend))
	switch cfg.EventsBackend {
	case eventsBackendLog, eventsBackendNone:
	case eventsBackendAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return runConfig{}, errors.New("amqp-url is required when events-backend is amqp")
		}
	case eventsBackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return runConfig{}, errors.New("redis-addr is required when events-backend is redis")
		}
	default:
		return runConfig{}, fmt.Errorf("unsupported events-backend %q (supported: %s, %s, %s, %s)",
			cfg.EventsBackend, eventsBackendLog, eventsBackendAMQP, eventsBackendRedis, eventsBackendNone)
	}

	return cfg, nil
}

func defaultRunConfig(adminToken string) runConfig {
	return runConfig{
		ConfigPath:        "",
		HTTPAddr:          ":8080",
		GenesisPath:       "",
		StateBackend:      stateBackendSnapshot,
		StatePath:         "./data/state.json",
		BackupDir:         "./data/backups",
		BackupEveryBlocks: 0,
		BackupRetain:      20,
		BackupOnClaim:     true,
		CreationDeposit:   2_000,
		BurnPolicy:        pot.BurnPolicyBasisPoints,
		ExtensionPolicy:   pot.ExtensionPolicyFromBid,
		DevClock:          false,
		AdminToken:        adminToken,
		AllowDevSigning:   false,
		LogVerbosity:      0,
		EventsBackend:     eventsBackendLog,
		EventBuffer:       events.DefaultBuffer,
		MaxEventBacklog:   0,
		EventStream:       true,
		AMQPExchange:      events.DefaultExchange,
		RedisStream:       events.DefaultStream,
		RedisStreamMaxLen: 10_000,
	}
}

func discoverConfigPath(args []string) (string, error) {
	for i := 1; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		if arg == "" {
			continue
		}
		if arg == "-config" {
			if i+1 >= len(args) {
				return "", errors.New("-config requires a value")
			}
			return strings.TrimSpace(args[i+1]), nil
		}
		if value, ok := strings.CutPrefix(arg, "-config="); ok {
			return strings.TrimSpace(value), nil
		}
	}
	return "", nil
}

func applyConfigFile(path string, cfg *runConfig) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.GenesisPath, fc.GenesisPath)
	if fc.StateBackend != nil {
		cfg.StateBackend = normalizeStateBackend(*fc.StateBackend)
	}
	setString(&cfg.StatePath, fc.StatePath)
	setString(&cfg.BackupDir, fc.BackupDir)
	if fc.BackupEveryBlocks != nil {
		cfg.BackupEveryBlocks = *fc.BackupEveryBlocks
	}
	if fc.BackupRetain != nil {
		cfg.BackupRetain = *fc.BackupRetain
	}
	setBool(&cfg.BackupOnClaim, fc.BackupOnClaim)
	if fc.CreationDeposit != nil {
		cfg.CreationDeposit = *fc.CreationDeposit
	}
	setString(&cfg.BurnPolicy, fc.BurnPolicy)
	setString(&cfg.ExtensionPolicy, fc.ExtensionPolicy)
	setBool(&cfg.DevClock, fc.DevClock)
	setString(&cfg.AdminToken, fc.AdminToken)
	setBool(&cfg.AllowDevSigning, fc.AllowDevSigning)
	if fc.LogVerbosity != nil {
		cfg.LogVerbosity = *fc.LogVerbosity
	}
	setString(&cfg.EventsBackend, fc.EventsBackend)
	if fc.EventBuffer != nil {
		cfg.EventBuffer = *fc.EventBuffer
	}
	if fc.MaxEventBacklog != nil {
		cfg.MaxEventBacklog = *fc.MaxEventBacklog
	}
	setBool(&cfg.EventStream, fc.EventStream)
	setString(&cfg.AMQPURL, fc.AMQPURL)
	setString(&cfg.AMQPExchange, fc.AMQPExchange)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	setString(&cfg.RedisPassword, fc.RedisPassword)
	setString(&cfg.RedisStream, fc.RedisStream)
	if fc.RedisStreamMaxLen != nil {
		cfg.RedisStreamMaxLen = *fc.RedisStreamMaxLen
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func normalizeStateBackend(raw string) string {
	backend := strings.TrimSpace(strings.ToLower(raw))
	switch backend {
	case "", "json":
		return stateBackendSnapshot
	default:
		return backend
	}
}

func isSupportedStateBackend(backend string) bool {
	switch backend {
	case stateBackendSnapshot, stateBackendSQLite:
		return true
	default:
		return false
	}
}

func (cfg runConfig) backupPolicy() backupPolicy {
	return backupPolicy{
		Dir:         cfg.BackupDir,
		EveryBlocks: cfg.BackupEveryBlocks,
		Retain:      cfg.BackupRetain,
		OnClaim:     cfg.BackupOnClaim,
	}
}
