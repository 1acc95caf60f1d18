package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	LogLevel  string                    `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Engine    EngineConfig              `mapstructure:"engine"`
	Detector  DetectorConfig            `mapstructure:"detector"`
	Risk      RiskConfig                `mapstructure:"risk"`
	Execution ExecutionConfig           `mapstructure:"execution"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges" validate:"required,min=1,dive"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	S3        S3Config                  `mapstructure:"s3"`
	Alerts    AlertsConfig              `mapstructure:"alerts"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
}

// EngineConfig drives the scan loop.
type EngineConfig struct {
	ScanInterval    time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	Execute         bool          `mapstructure:"execute"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	PriceMaxAge     time.Duration `mapstructure:"price_max_age"`
}

// DetectorConfig defines the opportunity detection settings.
type DetectorConfig struct {
	MinProfitPercentage float64            `mapstructure:"min_profit_percentage"`
	MaxPathLength       int                `mapstructure:"max_path_length" validate:"gte=3,lte=6"`
	DefaultFeePercent   float64            `mapstructure:"default_fee_percent" validate:"gte=0,lt=100"`
	TradeCapital        float64            `mapstructure:"trade_capital" validate:"gt=0"`
	Capital             map[string]float64 `mapstructure:"capital"`
	StartAssets         []string           `mapstructure:"start_assets"`
}

// RiskConfig defines the pre-trade gating thresholds.
type RiskConfig struct {
	LiquidityRatio float64 `mapstructure:"liquidity_ratio" validate:"gt=0"`
	DepthLevels    int     `mapstructure:"depth_levels" validate:"gt=0"`
	LowVolatility  float64 `mapstructure:"low_volatility" validate:"gte=0"`
	HighVolatility float64 `mapstructure:"high_volatility" validate:"gtfield=LowVolatility"`
	LowSlippage    float64 `mapstructure:"low_slippage" validate:"gte=0"`
	HighSlippage   float64 `mapstructure:"high_slippage" validate:"gtfield=LowSlippage"`
	MaxSlippage    float64 `mapstructure:"max_slippage" validate:"gt=0"`
	ImpactFactor   float64 `mapstructure:"impact_factor" validate:"gte=0"`
}

// ExecutionConfig defines order confirmation and abort settings.
type ExecutionConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollAttempts         int           `mapstructure:"poll_attempts" validate:"gt=0"`
	MaxSlippageTolerance float64       `mapstructure:"max_slippage_tolerance" validate:"gte=0,lt=1"`
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	Mode            string             `mapstructure:"mode" validate:"oneof=paper live"`
	Stream          string             `mapstructure:"stream" validate:"oneof=binance kraken none"`
	TakerFeePercent float64            `mapstructure:"taker_fee_percent" validate:"gte=0,lt=100"`
	APIKey          string             `mapstructure:"api_key"`
	APISecret       string             `mapstructure:"api_secret"`
	BaseURL         string             `mapstructure:"base_url"`
	Symbols         []string           `mapstructure:"symbols" validate:"required,min=1"`
	Balances        map[string]float64 `mapstructure:"balances"`
}

// Fee returns the taker fee as a fraction.
func (e ExchangeConfig) Fee() float64 {
	return e.TakerFeePercent / 100
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	// SharedFeed makes the engine read price snapshots from Redis instead of
	// the in-process price book.
	SharedFeed bool `mapstructure:"shared_feed"`
}

type S3Config struct {
	Enabled        bool
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type AlertsConfig struct {
	MinSeverity       string `mapstructure:"min_severity" validate:"oneof=info warning error"`
	TelegramToken     string `mapstructure:"telegram_token"`
	TelegramChatID    string `mapstructure:"telegram_chat_id"`
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
	Timeout           time.Duration
}

type MetricsConfig struct {
	Addr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.scan_interval", "5s")
	v.SetDefault("engine.execute", false)
	v.SetDefault("engine.shutdown_timeout", "60s")
	v.SetDefault("engine.price_max_age", "30s")

	v.SetDefault("detector.min_profit_percentage", 0.5)
	v.SetDefault("detector.max_path_length", 3)
	v.SetDefault("detector.default_fee_percent", 0.1)
	v.SetDefault("detector.trade_capital", 100.0)

	v.SetDefault("risk.liquidity_ratio", 3.0)
	v.SetDefault("risk.depth_levels", 20)
	v.SetDefault("risk.low_volatility", 0.001)
	v.SetDefault("risk.high_volatility", 0.01)
	v.SetDefault("risk.low_slippage", 0.001)
	v.SetDefault("risk.high_slippage", 0.005)
	v.SetDefault("risk.max_slippage", 0.01)
	v.SetDefault("risk.impact_factor", 0.01)

	v.SetDefault("execution.poll_interval", "1s")
	v.SetDefault("execution.poll_attempts", 10)
	v.SetDefault("execution.max_slippage_tolerance", 0.02)

	v.SetDefault("database.port", 5432)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("s3.prefix", "sessions")
	v.SetDefault("alerts.min_severity", "info")
	v.SetDefault("alerts.timeout", "10s")
	// registered so that secrets can come from the environment alone
	v.SetDefault("alerts.telegram_token", "")
	v.SetDefault("alerts.telegram_chat_id", "")
	v.SetDefault("alerts.discord_webhook_url", "")
	v.SetDefault("database.password", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("metrics.addr", ":9090")
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	if err != nil {
		return
	}

	// viper lower-cases map keys; asset symbols are upper-case everywhere else.
	config.Detector.Capital = upperKeys(config.Detector.Capital)
	for i, asset := range config.Detector.StartAssets {
		config.Detector.StartAssets[i] = strings.ToUpper(asset)
	}
	for name, ex := range config.Exchanges {
		ex.Balances = upperKeys(ex.Balances)
		if ex.Mode == "" {
			ex.Mode = "paper"
		}
		if ex.Stream == "" {
			ex.Stream = "none"
		}
		config.Exchanges[name] = ex
	}

	err = config.Validate()
	return
}

func upperKeys(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules. An invalid
// configuration must stop the process before the scan loop starts.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	for name, ex := range c.Exchanges {
		if ex.Mode == "live" && (ex.APIKey == "" || ex.APISecret == "") {
			errs = append(errs, fmt.Errorf("config: exchange %s: live mode requires api_key and api_secret", name))
		}
	}
	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DBName == "") {
		errs = append(errs, errors.New("config: database enabled without host or dbname"))
	}
	if c.S3.Enabled && (c.S3.Bucket == "" || c.S3.Region == "") {
		errs = append(errs, errors.New("config: s3 enabled without bucket or region"))
	}
	if (c.Alerts.TelegramToken == "") != (c.Alerts.TelegramChatID == "") {
		errs = append(errs, errors.New("config: telegram alerts need both token and chat id"))
	}
	return errors.Join(errs...)
}
