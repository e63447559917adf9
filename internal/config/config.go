package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Channels ChannelsConfig `mapstructure:"channels"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Env  string `mapstructure:"env"`
	// AllowOrigins 为空时允许所有来源
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig driver 可选 mysql / postgres / memory
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderEvent string `mapstructure:"order_event"`
}

type BusinessConfig struct {
	PaymentWindowMinutes      int    `mapstructure:"payment_window_minutes"`
	ExpiryScanIntervalSeconds int    `mapstructure:"expiry_scan_interval_seconds"`
	ExpiryBatchSize           int    `mapstructure:"expiry_batch_size"`
	MaxRetryCount             int    `mapstructure:"max_retry_count"`
	LockTTLSeconds            int    `mapstructure:"lock_ttl_seconds"`
	AmountMinOffsetPaise      int    `mapstructure:"amount_min_offset_paise"`
	AmountMaxOffsetPaise      int    `mapstructure:"amount_max_offset_paise"`
	AmountMaxAttempts         int    `mapstructure:"amount_max_attempts"`
	AmountTolerance           string `mapstructure:"amount_tolerance"`
	Currency                  string `mapstructure:"currency"`
}

type ChannelsConfig struct {
	InitiateTimeoutSeconds int            `mapstructure:"initiate_timeout_seconds"`
	UPI                    UPIConfig      `mapstructure:"upi"`
	Razorpay               RazorpayConfig `mapstructure:"razorpay"`
	PhonePe                PhonePeConfig  `mapstructure:"phonepe"`
}

type UPIConfig struct {
	Enabled    bool                    `mapstructure:"enabled"`
	PayeeName  string                  `mapstructure:"payee_name"`
	DefaultVPA string                  `mapstructure:"default_vpa"`
	Apps       map[string]UPIAppConfig `mapstructure:"apps"`
}

type UPIAppConfig struct {
	VPA            string `mapstructure:"vpa"`
	AndroidPackage string `mapstructure:"android_package"`
	IOSScheme      string `mapstructure:"ios_scheme"`
}

type RazorpayConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	KeyID     string `mapstructure:"key_id"`
	KeySecret string `mapstructure:"key_secret"`
	ScriptURL string `mapstructure:"script_url"`
}

type PhonePeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MerchantID  string `mapstructure:"merchant_id"`
	SaltKey     string `mapstructure:"salt_key"`
	SaltIndex   string `mapstructure:"salt_index"`
	BaseURL     string `mapstructure:"base_url"`
	RedirectURL string `mapstructure:"redirect_url"`
	CallbackURL string `mapstructure:"callback_url"`
}

// PaymentWindow 支付窗口时长
func (b BusinessConfig) PaymentWindow() time.Duration {
	return time.Duration(b.PaymentWindowMinutes) * time.Minute
}

func (b BusinessConfig) ExpiryScanInterval() time.Duration {
	return time.Duration(b.ExpiryScanIntervalSeconds) * time.Second
}

func (b BusinessConfig) LockTTL() time.Duration {
	return time.Duration(b.LockTTLSeconds) * time.Second
}

// Tolerance 金额匹配容差，解析失败按 0 处理（精确匹配）
func (b BusinessConfig) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(b.AmountTolerance)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (c ChannelsConfig) InitiateTimeout() time.Duration {
	return time.Duration(c.InitiateTimeoutSeconds) * time.Second
}

// EnvPrefix 环境变量前缀，例如 STOREPAY_DATABASE_PASSWORD
const EnvPrefix = "STOREPAY"

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("kafka.topic.order_event", "storepay.order.events")

	v.SetDefault("business.payment_window_minutes", 10)
	v.SetDefault("business.expiry_scan_interval_seconds", 10)
	v.SetDefault("business.expiry_batch_size", 100)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.lock_ttl_seconds", 30)
	v.SetDefault("business.amount_min_offset_paise", 1)
	v.SetDefault("business.amount_max_offset_paise", 99)
	v.SetDefault("business.amount_max_attempts", 10)
	v.SetDefault("business.amount_tolerance", "0")
	v.SetDefault("business.currency", "INR")

	v.SetDefault("channels.initiate_timeout_seconds", 10)
	v.SetDefault("channels.upi.enabled", true)
	v.SetDefault("channels.upi.payee_name", "Merchant")
	v.SetDefault("channels.razorpay.script_url", "https://checkout.razorpay.com/v1/checkout.js")
	v.SetDefault("channels.phonepe.base_url", "https://api-preprod.phonepe.com/apis/pg-sandbox")
	v.SetDefault("channels.phonepe.salt_index", "1")

	// 密钥类配置只从环境变量读取时也需要注册 key，否则 Unmarshal 拿不到
	for _, key := range []string{
		"database.host", "database.user", "database.password", "database.database",
		"redis.password",
		"channels.razorpay.key_id", "channels.razorpay.key_secret",
		"channels.phonepe.merchant_id", "channels.phonepe.salt_key",
	} {
		v.SetDefault(key, "")
	}
}

// Default 只使用默认值构造配置（memory 驱动），测试和本地调试使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("默认配置解析失败: %v", err))
	}
	if err := cfg.normalize(); err != nil {
		panic(fmt.Sprintf("默认配置不合法: %v", err))
	}
	return cfg
}

// LoadConfig 加载配置文件
// 先加载 .env（不存在时忽略），再读取 yaml，环境变量优先级最高
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return cfg, nil
}

// normalize 校验业务参数，偏移量不允许为 0（否则唯一金额可能等于原价）
func (c *Config) normalize() error {
	b := &c.Business
	if b.PaymentWindowMinutes <= 0 {
		return fmt.Errorf("business.payment_window_minutes 必须大于 0")
	}
	if b.AmountMinOffsetPaise < 1 {
		b.AmountMinOffsetPaise = 1
	}
	if b.AmountMaxOffsetPaise > 99 {
		b.AmountMaxOffsetPaise = 99
	}
	if b.AmountMinOffsetPaise > b.AmountMaxOffsetPaise {
		return fmt.Errorf("business.amount_min_offset_paise 不能大于 amount_max_offset_paise")
	}
	if b.AmountMaxAttempts <= 0 {
		b.AmountMaxAttempts = 10
	}
	if b.ExpiryBatchSize <= 0 {
		b.ExpiryBatchSize = 100
	}
	if b.ExpiryScanIntervalSeconds <= 0 {
		b.ExpiryScanIntervalSeconds = 10
	}
	if _, err := decimal.NewFromString(b.AmountTolerance); err != nil {
		return fmt.Errorf("business.amount_tolerance 不合法: %w", err)
	}
	if c.Channels.InitiateTimeoutSeconds <= 0 {
		c.Channels.InitiateTimeoutSeconds = 10
	}
	switch c.Database.Driver {
	case "mysql", "postgres", "memory":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	return nil
}
