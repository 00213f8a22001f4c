package params

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	APIAddr        string
	LogFile        string
	LogLevel       string
	AllowedOrigins []string
	// TokensFile seeds the token registry. Empty means no tokens are listed at start.
	TokensFile string
}

type Engine struct {
	// InboxSize bounds the per-token command queue.
	InboxSize       int
	DefaultOrderTTL time.Duration
	SweepInterval   time.Duration
	SnapshotDepth   int
}

type Settlement struct {
	Workers   int
	QueueSize int
	Currency  string

	// Simulated ledger knobs. Retries apply only to retriable ledger errors.
	LedgerRetries   int
	LedgerLatency   time.Duration
	TokenFailRate   float64
	PaymentFailRate float64
}

type Storage struct {
	DataDir    string
	HoldingsDB string
	TradesDB   string
	JournalDB  string
}

type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
}

type Market struct {
	StatsWindow time.Duration
}

// Feeder drives simulated order flow for local development.
type Feeder struct {
	Enabled        bool
	Interval       time.Duration
	OrdersPerTick  int
	Traders        int
	InitialHolding int64
}

type Config struct {
	Node       Node
	Engine     Engine
	Settlement Settlement
	Storage    Storage
	Events     Events
	Market     Market
	Feeder     Feeder
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr:        ":8080",
			LogFile:        "logs/exchange.log",
			LogLevel:       "info",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Engine: Engine{
			InboxSize:       1024,
			DefaultOrderTTL: 7 * 24 * time.Hour,
			SweepInterval:   30 * time.Second,
			SnapshotDepth:   50,
		},
		Settlement: Settlement{
			Workers:       4,
			QueueSize:     4096,
			Currency:      "USD",
			LedgerRetries: 3,
			LedgerLatency: 20 * time.Millisecond,
		},
		Storage: Storage{
			DataDir:    "data",
			HoldingsDB: "holdings",
			TradesDB:   "trades",
			JournalDB:  "journal.db",
		},
		Events: Events{
			KafkaTopic: "exchange.events",
		},
		Market: Market{
			StatsWindow: 24 * time.Hour,
		},
		Feeder: Feeder{
			Interval:       500 * time.Millisecond,
			OrdersPerTick:  5,
			Traders:        20,
			InitialHolding: 50,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.TokensFile = getEnv("TOKENS_FILE", cfg.Node.TokensFile)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Node.AllowedOrigins = splitList(origins)
	}

	cfg.Engine.InboxSize = getEnvInt("ENGINE_INBOX_SIZE", cfg.Engine.InboxSize)
	cfg.Engine.SnapshotDepth = getEnvInt("ENGINE_SNAPSHOT_DEPTH", cfg.Engine.SnapshotDepth)
	if h := os.Getenv("ORDER_TTL_HOURS"); h != "" {
		if hours, err := strconv.Atoi(h); err == nil {
			cfg.Engine.DefaultOrderTTL = time.Duration(hours) * time.Hour
		}
	}
	cfg.Engine.SweepInterval = getEnvMillis("SWEEP_INTERVAL_MS", cfg.Engine.SweepInterval)

	cfg.Settlement.Workers = getEnvInt("SETTLEMENT_WORKERS", cfg.Settlement.Workers)
	cfg.Settlement.QueueSize = getEnvInt("SETTLEMENT_QUEUE_SIZE", cfg.Settlement.QueueSize)
	cfg.Settlement.Currency = getEnv("SETTLEMENT_CURRENCY", cfg.Settlement.Currency)
	cfg.Settlement.LedgerRetries = getEnvInt("LEDGER_RETRIES", cfg.Settlement.LedgerRetries)
	cfg.Settlement.LedgerLatency = getEnvMillis("LEDGER_LATENCY_MS", cfg.Settlement.LedgerLatency)
	cfg.Settlement.TokenFailRate = getEnvFloat("LEDGER_TOKEN_FAIL_RATE", cfg.Settlement.TokenFailRate)
	cfg.Settlement.PaymentFailRate = getEnvFloat("LEDGER_PAYMENT_FAIL_RATE", cfg.Settlement.PaymentFailRate)

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Events.KafkaBrokers = splitList(brokers)
	}
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)

	if h := os.Getenv("STATS_WINDOW_HOURS"); h != "" {
		if hours, err := strconv.Atoi(h); err == nil {
			cfg.Market.StatsWindow = time.Duration(hours) * time.Hour
		}
	}

	cfg.Feeder.Enabled = getEnv("FEEDER_ENABLED", "false") == "true"
	cfg.Feeder.Interval = getEnvMillis("FEEDER_INTERVAL_MS", cfg.Feeder.Interval)
	cfg.Feeder.OrdersPerTick = getEnvInt("FEEDER_ORDERS_PER_TICK", cfg.Feeder.OrdersPerTick)
	cfg.Feeder.Traders = getEnvInt("FEEDER_TRADERS", cfg.Feeder.Traders)
	cfg.Feeder.InitialHolding = int64(getEnvInt("FEEDER_INITIAL_HOLDING", int(cfg.Feeder.InitialHolding)))

	return cfg
}

// Validate rejects configurations the exchange cannot start with.
func (c Config) Validate() error {
	if c.Node.APIAddr == "" {
		return fmt.Errorf("API_ADDR must not be empty")
	}
	if c.Engine.InboxSize <= 0 {
		return fmt.Errorf("engine inbox size must be positive, got %d", c.Engine.InboxSize)
	}
	if c.Engine.DefaultOrderTTL <= 0 {
		return fmt.Errorf("default order ttl must be positive, got %s", c.Engine.DefaultOrderTTL)
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Engine.SweepInterval)
	}
	if c.Settlement.Workers <= 0 {
		return fmt.Errorf("settlement workers must be positive, got %d", c.Settlement.Workers)
	}
	if c.Settlement.QueueSize <= 0 {
		return fmt.Errorf("settlement queue size must be positive, got %d", c.Settlement.QueueSize)
	}
	if c.Settlement.Currency == "" {
		return fmt.Errorf("settlement currency must not be empty")
	}
	if c.Settlement.LedgerRetries < 0 {
		return fmt.Errorf("ledger retries must not be negative, got %d", c.Settlement.LedgerRetries)
	}
	for name, rate := range map[string]float64{
		"token":   c.Settlement.TokenFailRate,
		"payment": c.Settlement.PaymentFailRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s fail rate must be within [0,1], got %v", name, rate)
		}
	}
	if c.Market.StatsWindow <= 0 {
		return fmt.Errorf("stats window must be positive, got %s", c.Market.StatsWindow)
	}
	if c.Feeder.Enabled && (c.Feeder.Interval <= 0 || c.Feeder.Traders <= 0 || c.Feeder.OrdersPerTick <= 0) {
		return fmt.Errorf("feeder needs positive interval, traders and orders per tick")
	}
	return nil
}

func (s Storage) HoldingsPath() string { return filepath.Join(s.DataDir, s.HoldingsDB) }
func (s Storage) TradesPath() string   { return filepath.Join(s.DataDir, s.TradesDB) }
func (s Storage) JournalPath() string  { return filepath.Join(s.DataDir, s.JournalDB) }

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
