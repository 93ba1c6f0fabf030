package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Swap         SwapConfig
	Output       OutputConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Exchange     ExchangeConfig
	Explorer     ExplorerConfig
	Node         NodeConfig
	Notification NotificationConfig
	Intervals    IntervalConfig
	Metrics      MetricsConfig
	Log          LogConfig
}

// Token describes a deposit currency.
type Token struct {
	Symbol   string
	Address  string
	Decimals int32
}

// SwapConfig defines deposit and conversion settings.
type SwapConfig struct {
	Chain          string
	DepositAddress string        `mapstructure:"deposit_address"`
	FeeRateBps     int64         `mapstructure:"fee_rate_bps"`
	Confirmations  uint64        `mapstructure:"confirmations"`
	StartBlock     uint64        `mapstructure:"start_block"`
	MinOutput      float64       `mapstructure:"min_output"`
	MaxOutput      float64       `mapstructure:"max_output"`
	AmountTiers    []int64       `mapstructure:"amount_tiers"`
	PriceMaxAge    time.Duration `mapstructure:"price_max_age"`
	Tokens         []Token
}

// OutputConfig describes the delivered asset and its chain.
type OutputConfig struct {
	Symbol           string
	Decimals         int32
	MinTransfer      float64 `mapstructure:"min_transfer"`
	FeeRate          uint64  `mapstructure:"fee_rate"`
	FeeReserve       uint64  `mapstructure:"fee_reserve"`
	PrivateKey       string  `mapstructure:"private_key"`
	SenderCodeHash   string  `mapstructure:"sender_code_hash"`
	ReceiverCodeHash string  `mapstructure:"receiver_code_hash"`
	DepTxHash        string  `mapstructure:"dep_tx_hash"`
	DepIndex         uint32  `mapstructure:"dep_index"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

// RedisConfig defines the shared cache connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ExchangeConfig defines the market-making exchange settings.
type ExchangeConfig struct {
	Name              string
	Enabled           bool
	WSURL             string        `mapstructure:"ws_url"`
	RESTURL           string        `mapstructure:"rest_url"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	Settlement        string
	MinReconcileValue float64       `mapstructure:"min_reconcile_value"`
	MinBalance        float64       `mapstructure:"min_balance"`
	QuantityPrecision int32         `mapstructure:"quantity_precision"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	OrderPollInterval time.Duration `mapstructure:"order_poll_interval"`
	OrderPollAttempts int           `mapstructure:"order_poll_attempts"`
}

// ExplorerConfig defines the deposit-chain indexer.
type ExplorerConfig struct {
	URL               string
	APIKey            string  `mapstructure:"api_key"`
	RPCURL            string  `mapstructure:"rpc_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// NodeConfig defines the delivery-chain node and cell indexer.
type NodeConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	CellMapURL string `mapstructure:"cellmap_url"`
}

// NotificationConfig defines the notification sinks.
type NotificationConfig struct {
	WebhookURL   string   `mapstructure:"webhook_url"`
	ExplorerURL  string   `mapstructure:"explorer_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// IntervalConfig defines the task cadences.
type IntervalConfig struct {
	Scan        time.Duration
	Deliver     time.Duration
	Reconcile   time.Duration
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	Shutdown    time.Duration
}

// MetricsConfig defines the prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig defines the logger.
type LogConfig struct {
	Level string
}

func setDefaults() {
	viper.SetDefault("swap.fee_rate_bps", 100)
	viper.SetDefault("swap.confirmations", 3)
	viper.SetDefault("swap.min_output", 61)
	viper.SetDefault("swap.max_output", 110000)
	viper.SetDefault("swap.amount_tiers", []int64{200, 500, 1000, 2000, 5000, 10000})
	viper.SetDefault("swap.price_max_age", 2*time.Minute)
	viper.SetDefault("output.symbol", "CKB")
	viper.SetDefault("output.decimals", 8)
	viper.SetDefault("output.min_transfer", 61)
	viper.SetDefault("output.fee_rate", 1000)
	viper.SetDefault("output.fee_reserve", 100000)
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("exchange.name", "binance")
	viper.SetDefault("exchange.settlement", "USDT")
	viper.SetDefault("exchange.min_reconcile_value", 5)
	viper.SetDefault("exchange.quantity_precision", 4)
	viper.SetDefault("exchange.requests_per_second", 5)
	viper.SetDefault("exchange.order_poll_interval", time.Second)
	viper.SetDefault("exchange.order_poll_attempts", 10)
	viper.SetDefault("explorer.url", "https://api.etherscan.io/api")
	viper.SetDefault("explorer.requests_per_second", 4)
	viper.SetDefault("node.rpc_url", "http://127.0.0.1:8114")
	viper.SetDefault("intervals.scan", 15*time.Second)
	viper.SetDefault("intervals.deliver", 5*time.Second)
	viper.SetDefault("intervals.reconcile", 5*time.Second)
	viper.SetDefault("intervals.task_timeout", time.Minute)
	viper.SetDefault("intervals.shutdown", 10*time.Second)
	viper.SetDefault("metrics.listen_addr", ":9102")
	viper.SetDefault("log.level", "info")
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory, when present, is loaded into the environment first.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load()

	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}
	err = config.Validate()
	return
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Swap.DepositAddress == "" {
		return errors.New("swap.deposit_address is required")
	}
	if len(c.Swap.Tokens) == 0 {
		return errors.New("swap.tokens must list at least one currency")
	}
	if c.Swap.FeeRateBps < 0 || c.Swap.FeeRateBps >= 10000 {
		return fmt.Errorf("swap.fee_rate_bps %d out of range [0, 10000)", c.Swap.FeeRateBps)
	}
	if c.Swap.MinOutput > c.Swap.MaxOutput {
		return fmt.Errorf("swap.min_output %v exceeds swap.max_output %v", c.Swap.MinOutput, c.Swap.MaxOutput)
	}
	if c.Swap.Confirmations == 0 {
		return errors.New("swap.confirmations must be positive")
	}
	seen := make(map[string]bool, len(c.Swap.Tokens))
	for _, t := range c.Swap.Tokens {
		sym := strings.ToUpper(t.Symbol)
		if sym == "" {
			return errors.New("swap.tokens entry without symbol")
		}
		if seen[sym] {
			return fmt.Errorf("swap.tokens lists %s twice", sym)
		}
		seen[sym] = true
	}
	return nil
}

// Token looks up a deposit currency by symbol.
func (c *SwapConfig) Token(symbol string) (Token, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

// Units converts a whole-unit amount into the smallest unit for the given decimals.
func Units(amount float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(amount).Shift(decimals).BigInt()
}
