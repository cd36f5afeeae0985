package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RuntimeConfig is everything the runner reads from the environment at
// startup. Invalid required values abort startup with exit code 1.
type RuntimeConfig struct {
	RPCURL         string
	PrivateKey     string
	FactoryAddress common.Address
	OracleAddress  common.Address

	WebhookPort   int
	WebhookSecret string

	JobConcurrency   int
	RetryMaxAttempts int
	RetryDelayBase   time.Duration
	GasMultiplier    float64
	BackfillDepth    uint64

	// DisputeWindowOverride skips the on-chain disputeWindow() read when
	// set. Dev/test chains only.
	DisputeWindowOverride time.Duration

	SampleStride time.Duration

	PersistenceBackend string // file, memory, redis, postgres
	PersistenceDir     string
	RedisAddr          string
	DatabaseURL        string

	// GenericSources holds FETCHER_<NAME>_URL entries for generic HTTP
	// sources, keyed by upper-cased name.
	GenericSources map[string]GenericSource
}

// GenericSource is one env-configured generic HTTP data source.
type GenericSource struct {
	URL    string
	APIKey string
	Path   string
}

// LoadConfig reads the environment. It collects every problem instead of
// stopping at the first so an operator sees the full list in one pass.
func LoadConfig() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		WebhookPort:        envInt("WEBHOOK_PORT", 8080),
		JobConcurrency:     envInt("JOB_CONCURRENCY", 5),
		RetryMaxAttempts:   envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryDelayBase:     time.Duration(envInt("RETRY_DELAY_BASE_MS", 5000)) * time.Millisecond,
		BackfillDepth:      uint64(envInt("BACKFILL_DEPTH", 10000)),
		SampleStride:       time.Duration(envInt("SAMPLE_STRIDE_SECONDS", 60)) * time.Second,
		PersistenceBackend: strings.ToLower(envStr("PERSISTENCE_BACKEND", "file")),
		PersistenceDir:     envStr("PERSISTENCE_DIR", "./data"),
		RedisAddr:          envStr("REDIS_ADDR", "localhost:6379"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		GenericSources:     make(map[string]GenericSource),
	}

	var problems []string

	cfg.RPCURL = os.Getenv("RPC_URL")
	if cfg.RPCURL == "" {
		problems = append(problems, "RPC_URL is required")
	}
	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")
	if cfg.PrivateKey == "" {
		problems = append(problems, "PRIVATE_KEY is required")
	}

	for _, addr := range []struct {
		env string
		dst *common.Address
	}{
		{"FACTORY_ADDRESS", &cfg.FactoryAddress},
		{"ORACLE_ADDRESS", &cfg.OracleAddress},
	} {
		raw := os.Getenv(addr.env)
		if raw == "" {
			problems = append(problems, addr.env+" is required")
			continue
		}
		if !common.IsHexAddress(raw) {
			problems = append(problems, fmt.Sprintf("%s=%q is not a hex address", addr.env, raw))
			continue
		}
		*addr.dst = common.HexToAddress(raw)
	}

	cfg.GasMultiplier = 1.2
	if raw := os.Getenv("GAS_LIMIT_MULTIPLIER"); raw != "" {
		m, err := strconv.ParseFloat(raw, 64)
		if err != nil || m < 1 {
			problems = append(problems, fmt.Sprintf("GAS_LIMIT_MULTIPLIER=%q must be a number >= 1", raw))
		} else {
			cfg.GasMultiplier = m
		}
	}

	if raw := os.Getenv("DISPUTE_WINDOW_SECONDS_OVERRIDE"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			problems = append(problems, fmt.Sprintf("DISPUTE_WINDOW_SECONDS_OVERRIDE=%q must be a non-negative integer", raw))
		} else {
			cfg.DisputeWindowOverride = time.Duration(secs) * time.Second
		}
	}

	switch cfg.PersistenceBackend {
	case "file", "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			problems = append(problems, "PERSISTENCE_BACKEND=redis requires REDIS_ADDR")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			problems = append(problems, "PERSISTENCE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("PERSISTENCE_BACKEND=%q must be one of file, memory, redis, postgres", cfg.PersistenceBackend))
	}

	// FETCHER_<NAME>_URL defines a generic source; _API_KEY and _PATH are
	// optional companions.
	for _, kv := range os.Environ() {
		name, ok := strings.CutPrefix(kv, "FETCHER_")
		if !ok {
			continue
		}
		eq := strings.IndexByte(name, '=')
		if eq < 0 {
			continue
		}
		key, value := name[:eq], name[eq+1:]
		base, suffix := "", ""
		for _, s := range []string{"_URL", "_API_KEY", "_PATH"} {
			if strings.HasSuffix(key, s) {
				base, suffix = strings.TrimSuffix(key, s), s
				break
			}
		}
		if base == "" {
			continue
		}
		src := cfg.GenericSources[base]
		switch suffix {
		case "_URL":
			src.URL = value
		case "_API_KEY":
			src.APIKey = value
		case "_PATH":
			src.Path = value
		}
		cfg.GenericSources[base] = src
	}
	for name, src := range cfg.GenericSources {
		if src.URL == "" {
			problems = append(problems, fmt.Sprintf("FETCHER_%s_* set but FETCHER_%s_URL is missing", name, name))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
