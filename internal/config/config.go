// Package config is the thin CLI/configuration glue SPEC_FULL.md §2.3
// calls for: environment variables (loaded from an optional .env file
// in development) with cobra flag overrides on a single serve command.
// The teacher hardcodes everything in main.go; the shape of a typed
// Config struct with env-var defaults is grounded on the much larger
// abdoElHodaky-tradSys/pkg/config.Config, scaled down to exactly the
// knobs this engine actually exposes.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime-tunable value of the matching pipeline.
type Config struct {
	HTTPAddr string

	// MatchDeviation is the maximum tolerated relative price gap for a
	// crossed-but-not-equal match (spec §4.2).
	MatchDeviation float64

	// IngressCapacity bounds the matching engine's order channel.
	IngressCapacity int

	// BlockMaxEntries and BlockMaxDuration bound a block (spec §4.4).
	BlockMaxEntries  int
	BlockMaxDuration time.Duration

	// BlockBuildCadence is how often the block builder ticks. The matching
	// engine has no cadence of its own: it matches each order as it
	// arrives on the ingress channel.
	BlockBuildCadence time.Duration

	// PostgresDSN selects a Postgres-backed store when non-empty;
	// otherwise the in-memory stores are used.
	PostgresDSN string

	// RateLimitRPS and RateLimitBurst bound per-address order submission
	// on the HTTP surface.
	RateLimitRPS   float64
	RateLimitBurst int

	// OrderBookCacheTTL is how long a read-path order-book response is
	// cached before the next request recomputes it.
	OrderBookCacheTTL time.Duration
}

// Default returns the engine's out-of-the-box configuration.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		MatchDeviation:    0.0,
		IngressCapacity:   1000,
		BlockMaxEntries:   500,
		BlockMaxDuration:  500 * time.Millisecond,
		BlockBuildCadence: 20 * time.Millisecond,
		PostgresDSN:       "",
		RateLimitRPS:      20,
		RateLimitBurst:    40,
		OrderBookCacheTTL: 200 * time.Millisecond,
	}
}

// LoadEnv loads .env (if present; a missing file is not an error) and
// overlays environment variables onto the defaults.
func LoadEnv() Config {
	_ = godotenv.Load()
	cfg := Default()

	if v, ok := os.LookupEnv("ZKHEX_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := envFloat("ZKHEX_MATCH_DEVIATION"); ok {
		cfg.MatchDeviation = v
	}
	if v, ok := envInt("ZKHEX_INGRESS_CAPACITY"); ok {
		cfg.IngressCapacity = v
	}
	if v, ok := envInt("ZKHEX_BLOCK_MAX_ENTRIES"); ok {
		cfg.BlockMaxEntries = v
	}
	if v, ok := envDuration("ZKHEX_BLOCK_MAX_DURATION"); ok {
		cfg.BlockMaxDuration = v
	}
	if v, ok := envDuration("ZKHEX_BLOCK_BUILD_CADENCE"); ok {
		cfg.BlockBuildCadence = v
	}
	if v, ok := os.LookupEnv("ZKHEX_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := envFloat("ZKHEX_RATE_LIMIT_RPS"); ok {
		cfg.RateLimitRPS = v
	}
	if v, ok := envInt("ZKHEX_RATE_LIMIT_BURST"); ok {
		cfg.RateLimitBurst = v
	}
	if v, ok := envDuration("ZKHEX_ORDERBOOK_CACHE_TTL"); ok {
		cfg.OrderBookCacheTTL = v
	}
	return cfg
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	return i, err == nil
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}
