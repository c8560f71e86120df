package config

import (
	"time"

	"github.com/spf13/viper"
)

// GameConfig holds round scheduling and admission settings.
type GameConfig struct {
	RoundDuration     time.Duration
	LockBefore        time.Duration
	SettleMaxAttempts int
	SettleBackoffBase time.Duration
}

// WalletConfig holds funding-flow settings. Monetary values are in cents.
type WalletConfig struct {
	WithdrawalFeeRate  float64
	MinWithdrawalCents int64
}

// Init wires environment variables and defaults. Call once at startup before
// any Get* helper.
func Init() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // .env is optional

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("metrics.port", "METRICS_PORT")
	viper.BindEnv("internal.jwt_secret", "INTERNAL_JWT_SECRET")

	viper.BindEnv("game.round_duration_seconds", "ROUND_DURATION_SECONDS")
	viper.BindEnv("game.bet_lock_before_seconds", "BET_LOCK_BEFORE_SECONDS")
	viper.BindEnv("game.outcome_seed", "OUTCOME_SEED")
	viper.BindEnv("game.settlement_max_attempts", "SETTLEMENT_MAX_ATTEMPTS")

	viper.BindEnv("wallet.withdrawal_fee_rate", "WITHDRAWAL_FEE_RATE")
	viper.BindEnv("wallet.min_withdrawal_cents", "MIN_WITHDRAWAL_CENTS")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("metrics.port", "9090")

	viper.SetDefault("game.round_duration_seconds", 180)
	viper.SetDefault("game.bet_lock_before_seconds", 30)
	viper.SetDefault("game.settlement_max_attempts", 5)
	viper.SetDefault("game.settlement_backoff_ms", 200)

	viper.SetDefault("wallet.withdrawal_fee_rate", 0.10)
	viper.SetDefault("wallet.min_withdrawal_cents", 2000)
}

// GetGame returns the round scheduler configuration.
func GetGame() GameConfig {
	return GameConfig{
		RoundDuration:     time.Duration(viper.GetInt("game.round_duration_seconds")) * time.Second,
		LockBefore:        time.Duration(viper.GetInt("game.bet_lock_before_seconds")) * time.Second,
		SettleMaxAttempts: viper.GetInt("game.settlement_max_attempts"),
		SettleBackoffBase: time.Duration(viper.GetInt("game.settlement_backoff_ms")) * time.Millisecond,
	}
}

// GetWallet returns the funding-flow configuration.
func GetWallet() WalletConfig {
	return WalletConfig{
		WithdrawalFeeRate:  viper.GetFloat64("wallet.withdrawal_fee_rate"),
		MinWithdrawalCents: viper.GetInt64("wallet.min_withdrawal_cents"),
	}
}
