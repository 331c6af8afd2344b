/**
 * @description
 * This package handles the configuration management for the blink backend and the
 * policyctl client. It uses the Viper library to read configuration from environment
 * variables (and an optional .env file), providing a centralized and straightforward
 * way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// DefaultNetwork is the CAIP-2 identifier of Arc Testnet.
	DefaultNetwork     = "eip155:5042002"
	DefaultRPCURL      = "https://rpc.testnet.arc.network"
	DefaultUSDCAddress = "0x3600000000000000000000000000000000000000"
	DefaultUSYCAddress = "0xe9185F0c5F296Ed1797AaE4238D26CCaBEadb86C"
	DefaultPoolAddress = "0xFC1EfCE3D25E7eE5535E7E6D6731D9Ba131bDC43"

	// DefaultGatewayWallet is the batching gateway contract that verifies payment signatures.
	DefaultGatewayWallet = "0x0077777d7EBA4688BDeF3E311b846F25870A19B9"
	DefaultGatewayAPIURL = "https://gateway-api-testnet.circle.com"

	defaultRateLimitPrefix = "blink:rate_limit"
)

// Config holds all the configuration variables for the blink backend.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                     string `mapstructure:"SERVER_PORT"`
	LogLevel                       string `mapstructure:"LOG_LEVEL"`
	LogFormat                      string `mapstructure:"LOG_FORMAT"`
	Network                        string `mapstructure:"NETWORK"`
	RPCURL                         string `mapstructure:"ARC_RPC_URL"`
	PoolAddress                    string `mapstructure:"PARAMIFY_ADDRESS"`
	USDCAddress                    string `mapstructure:"USDC_ADDRESS"`
	USYCAddress                    string `mapstructure:"USYC_ADDRESS"`
	SellerAddress                  string `mapstructure:"CIRCLE_WALLET_ADDRESS"`
	CustodyWalletID                string `mapstructure:"CIRCLE_WALLET_ID"`
	CustodyAPIKey                  string `mapstructure:"CIRCLE_API_KEY"`
	CustodyEntitySecret            string `mapstructure:"CIRCLE_ENTITY_SECRET"`
	CustodyAPIBaseURL              string `mapstructure:"CIRCLE_API_BASE_URL"`
	CustodyFeeLevel                string `mapstructure:"CIRCLE_FEE_LEVEL"`
	FacilitatorURL                 string `mapstructure:"GATEWAY_FACILITATOR_URL"`
	GatewayWalletAddress           string `mapstructure:"GATEWAY_WALLET_ADDRESS"`
	DatabaseURL                    string `mapstructure:"DATABASE_URL"`
	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix           string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	AdminRateLimitPerMinute        int    `mapstructure:"ADMIN_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	CustodyEventQueue              string `mapstructure:"CUSTODY_EVENT_QUEUE"`
	CustodyWebhookSecret           string `mapstructure:"CUSTODY_WEBHOOK_SECRET"`
	CustodyWebhookVerifySignature  bool   `mapstructure:"CUSTODY_WEBHOOK_VERIFY_SIGNATURE"`
	AdminJWTSecret                 string `mapstructure:"ADMIN_JWT_SECRET"`
	CORSAllowedOrigins             string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	SettlementConfirmTimeoutSec    int    `mapstructure:"SETTLEMENT_CONFIRM_TIMEOUT_SECONDS"`
	SettlementConfirmMaxAttempts   int    `mapstructure:"SETTLEMENT_CONFIRM_MAX_ATTEMPTS"`
	SettlementConfirmBackoffMillis int    `mapstructure:"SETTLEMENT_CONFIRM_INITIAL_BACKOFF_MS"`
	SettlementReconcileSchedule    string `mapstructure:"SETTLEMENT_RECONCILE_SCHEDULE"`
}

// ConfirmTimeout is the overall wait for an approval to become final.
func (c Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.SettlementConfirmTimeoutSec) * time.Second
}

// ConfirmInitialBackoff is the first delay between custody status polls.
func (c Config) ConfirmInitialBackoff() time.Duration {
	return time.Duration(c.SettlementConfirmBackoffMillis) * time.Millisecond
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "3001")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("NETWORK", DefaultNetwork)
	viper.SetDefault("ARC_RPC_URL", DefaultRPCURL)
	viper.SetDefault("PARAMIFY_ADDRESS", DefaultPoolAddress)
	viper.SetDefault("USDC_ADDRESS", DefaultUSDCAddress)
	viper.SetDefault("USYC_ADDRESS", DefaultUSYCAddress)
	viper.SetDefault("CIRCLE_API_BASE_URL", "https://api.circle.com")
	viper.SetDefault("CIRCLE_FEE_LEVEL", "MEDIUM")
	viper.SetDefault("GATEWAY_FACILITATOR_URL", DefaultGatewayAPIURL)
	viper.SetDefault("GATEWAY_WALLET_ADDRESS", DefaultGatewayWallet)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("ADMIN_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("CUSTODY_EVENT_QUEUE", "blink.custody_transaction_updates")
	viper.SetDefault("CUSTODY_WEBHOOK_VERIFY_SIGNATURE", true)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("SETTLEMENT_CONFIRM_TIMEOUT_SECONDS", 60)
	viper.SetDefault("SETTLEMENT_CONFIRM_MAX_ATTEMPTS", 12)
	viper.SetDefault("SETTLEMENT_CONFIRM_INITIAL_BACKOFF_MS", 500)
	viper.SetDefault("SETTLEMENT_RECONCILE_SCHEDULE", "@every 1m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("NETWORK")
	_ = viper.BindEnv("ARC_RPC_URL")
	_ = viper.BindEnv("PARAMIFY_ADDRESS")
	_ = viper.BindEnv("USDC_ADDRESS")
	_ = viper.BindEnv("USYC_ADDRESS")
	_ = viper.BindEnv("CIRCLE_WALLET_ADDRESS", "CIRCLE_WALLET_ADDRESS", "SELLER_ADDRESS")
	_ = viper.BindEnv("CIRCLE_WALLET_ID")
	_ = viper.BindEnv("CIRCLE_API_KEY")
	_ = viper.BindEnv("CIRCLE_ENTITY_SECRET")
	_ = viper.BindEnv("CIRCLE_API_BASE_URL")
	_ = viper.BindEnv("CIRCLE_FEE_LEVEL")
	_ = viper.BindEnv("GATEWAY_FACILITATOR_URL")
	_ = viper.BindEnv("GATEWAY_WALLET_ADDRESS")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("ADMIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CUSTODY_EVENT_QUEUE")
	_ = viper.BindEnv("CUSTODY_WEBHOOK_SECRET")
	_ = viper.BindEnv("CUSTODY_WEBHOOK_VERIFY_SIGNATURE")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("SETTLEMENT_CONFIRM_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_CONFIRM_MAX_ATTEMPTS")
	_ = viper.BindEnv("SETTLEMENT_CONFIRM_INITIAL_BACKOFF_MS")
	_ = viper.BindEnv("SETTLEMENT_RECONCILE_SCHEDULE")

	readConfigFile()

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.Network = strings.TrimSpace(config.Network)
	if config.Network == "" {
		config.Network = DefaultNetwork
	}
	config.SellerAddress = strings.TrimSpace(config.SellerAddress)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.CustodyWebhookSecret = strings.TrimSpace(config.CustodyWebhookSecret)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.CustodyFeeLevel = strings.ToUpper(strings.TrimSpace(config.CustodyFeeLevel))
	switch config.CustodyFeeLevel {
	case "LOW", "MEDIUM", "HIGH":
	default:
		log.Warn().Str("component", "config").Str("value", config.CustodyFeeLevel).Msg("invalid CIRCLE_FEE_LEVEL; using MEDIUM")
		config.CustodyFeeLevel = "MEDIUM"
	}

	if config.AdminRateLimitPerMinute <= 0 {
		config.AdminRateLimitPerMinute = 20
	}
	if config.SettlementConfirmTimeoutSec <= 0 {
		config.SettlementConfirmTimeoutSec = 60
	}
	if config.SettlementConfirmMaxAttempts <= 0 {
		config.SettlementConfirmMaxAttempts = 12
	}
	if config.SettlementConfirmBackoffMillis <= 0 {
		config.SettlementConfirmBackoffMillis = 500
	}
	if strings.TrimSpace(config.SettlementReconcileSchedule) == "" {
		config.SettlementReconcileSchedule = "@every 1m"
	}

	return
}

// ClientConfig holds the settings of the policyctl metering client.
type ClientConfig struct {
	BackendURL           string `mapstructure:"BACKEND_URL"`
	BuyerPrivateKey      string `mapstructure:"BUYER_PRIVATE_KEY"`
	RPCURL               string `mapstructure:"ARC_RPC_URL"`
	Network              string `mapstructure:"NETWORK"`
	GatewayAPIURL        string `mapstructure:"GATEWAY_API_URL"`
	GatewayWalletAddress string `mapstructure:"GATEWAY_WALLET_ADDRESS"`
	GatewayDomain        uint32 `mapstructure:"GATEWAY_DOMAIN"`
	USDCAddress          string `mapstructure:"USDC_ADDRESS"`
	LogLevel             string `mapstructure:"LOG_LEVEL"`
	LogFormat            string `mapstructure:"LOG_FORMAT"`
}

// LoadClientConfig reads the policyctl settings the same way LoadConfig does.
func LoadClientConfig(path string) (config ClientConfig, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("BACKEND_URL", "http://localhost:3001")
	viper.SetDefault("ARC_RPC_URL", DefaultRPCURL)
	viper.SetDefault("NETWORK", DefaultNetwork)
	viper.SetDefault("GATEWAY_API_URL", DefaultGatewayAPIURL)
	viper.SetDefault("GATEWAY_WALLET_ADDRESS", DefaultGatewayWallet)
	viper.SetDefault("GATEWAY_DOMAIN", 26)
	viper.SetDefault("USDC_ADDRESS", DefaultUSDCAddress)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "console")

	_ = viper.BindEnv("BACKEND_URL", "BACKEND_URL", "VITE_BACKEND_URL")
	_ = viper.BindEnv("BUYER_PRIVATE_KEY")
	_ = viper.BindEnv("ARC_RPC_URL")
	_ = viper.BindEnv("NETWORK")
	_ = viper.BindEnv("GATEWAY_API_URL")
	_ = viper.BindEnv("GATEWAY_WALLET_ADDRESS")
	_ = viper.BindEnv("GATEWAY_DOMAIN")
	_ = viper.BindEnv("USDC_ADDRESS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	readConfigFile()

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.BackendURL = strings.TrimRight(strings.TrimSpace(config.BackendURL), "/")
	config.BuyerPrivateKey = strings.TrimPrefix(strings.TrimSpace(config.BuyerPrivateKey), "0x")
	return
}

func readConfigFile() {
	// Attempt to read the config file. It's okay if it doesn't exist.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Str("component", "config").Err(err).Msg("failed to read config file; using environment values")
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
