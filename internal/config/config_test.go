package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "NETWORK", "CIRCLE_FEE_LEVEL", "SETTLEMENT_CONFIRM_TIMEOUT_SECONDS", "CUSTODY_WEBHOOK_VERIFY_SIGNATURE"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "3001" {
		t.Fatalf("expected default port 3001, got %q", cfg.ServerPort)
	}
	if cfg.Network != DefaultNetwork {
		t.Fatalf("expected default network, got %q", cfg.Network)
	}
	if cfg.CustodyFeeLevel != "MEDIUM" {
		t.Fatalf("expected MEDIUM fee level, got %q", cfg.CustodyFeeLevel)
	}
	if cfg.ConfirmTimeout() != time.Minute {
		t.Fatalf("expected 60s confirmation timeout, got %s", cfg.ConfirmTimeout())
	}
	if cfg.RedisRateLimitPrefix != defaultRateLimitPrefix {
		t.Fatalf("expected default rate-limit prefix, got %q", cfg.RedisRateLimitPrefix)
	}
	if !cfg.CustodyWebhookVerifySignature {
		t.Fatal("expected custody webhook signatures to be verified by default")
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_SellerAddressAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "CIRCLE_WALLET_ADDRESS")
	setEnvWithCleanup(t, "SELLER_ADDRESS", " 0x3600000000000000000000000000000000000000 ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SellerAddress != "0x3600000000000000000000000000000000000000" {
		t.Fatalf("expected seller address from alias, got %q", cfg.SellerAddress)
	}
}

func TestLoadConfig_InvalidValuesAreNormalised(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CIRCLE_FEE_LEVEL", "urgent")
	setEnvWithCleanup(t, "ADMIN_RATE_LIMIT_PER_MINUTE", "-3")
	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", "http://localhost:5173, ,https://blink.example")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CustodyFeeLevel != "MEDIUM" {
		t.Fatalf("expected invalid fee level to fall back to MEDIUM, got %q", cfg.CustodyFeeLevel)
	}
	if cfg.AdminRateLimitPerMinute != 20 {
		t.Fatalf("expected rate limit to fall back to 20, got %d", cfg.AdminRateLimitPerMinute)
	}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[1] != "https://blink.example" {
		t.Fatalf("unexpected origins %v", origins)
	}
}

func TestLoadClientConfig_TrimsKeyAndURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "BACKEND_URL", "http://localhost:3001/")
	setEnvWithCleanup(t, "BUYER_PRIVATE_KEY", "0xabc123")

	cfg, err := LoadClientConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadClientConfig returned error: %v", err)
	}
	if cfg.BackendURL != "http://localhost:3001" {
		t.Fatalf("expected trailing slash removed, got %q", cfg.BackendURL)
	}
	if cfg.BuyerPrivateKey != "abc123" {
		t.Fatalf("expected 0x prefix removed, got %q", cfg.BuyerPrivateKey)
	}
	if cfg.GatewayDomain != 26 {
		t.Fatalf("expected default gateway domain 26, got %d", cfg.GatewayDomain)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
