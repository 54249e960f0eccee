package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("HSM_MASTER_KEY", "master")
	t.Setenv("SECRET_KEY", "links")
	t.Setenv("QR_HMAC_SECRET_KEY", "qr")
	t.Setenv("JWT_SECRET_KEY", "jwt")
}

func TestLoad_Defaults(t *testing.T) {
	setSecrets(t)

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.APIWindow)
	assert.Equal(t, 10*time.Minute, cfg.Tokens.PaymentURLTTL)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.QRTTL)
	assert.Equal(t, 30*time.Minute, cfg.Tokens.PINResetTTL)
	assert.True(t, cfg.Fees.MerchantRate.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, cfg.Fees.PayerQRRate.Equal(decimal.RequireFromString("0.07")))
	assert.Equal(t, int64(1000000), cfg.Keys.Cost)
	assert.Equal(t, "treasury@system.local", cfg.Treasury.Email)
	assert.Contains(t, cfg.Database.DSN(), "dbname=walletpay")
}

func TestLoad_EnvOverrides(t *testing.T) {
	setSecrets(t)
	t.Setenv("MERCHANT_FEE_PERCENT", "0.025")
	t.Setenv("KEY_COST", "0")
	t.Setenv("BASE_URL", "https://pay.example.com/")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.True(t, cfg.Fees.MerchantRate.Equal(decimal.RequireFromString("0.025")))
	assert.Equal(t, int64(0), cfg.Keys.Cost)
	assert.Equal(t, "https://pay.example.com", cfg.Server.BaseURL)
}

func TestLoad_EnvFile(t *testing.T) {
	setSecrets(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_NAME=ledger_test\n"), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "ledger_test", cfg.Database.Name)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		setSecrets(t)
		t.Setenv("QR_HMAC_SECRET_KEY", "")

		_, err := Load(viper.New(), "")
		assert.ErrorContains(t, err, "QR_HMAC_SECRET_KEY")
	})

	t.Run("rate out of range", func(t *testing.T) {
		setSecrets(t)
		t.Setenv("PAYER_FEE_QR_PERCENT", "1.5")

		_, err := Load(viper.New(), "")
		assert.ErrorContains(t, err, "fees.payer_qr_rate")
	})

	t.Run("rate not a number", func(t *testing.T) {
		setSecrets(t)
		t.Setenv("MERCHANT_FEE_PERCENT", "ten")

		_, err := Load(viper.New(), "")
		assert.Error(t, err)
	})
}
