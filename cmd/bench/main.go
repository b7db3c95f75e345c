// README: Scenario runner; drives a running robotaxi-api end to end and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL     string
	Token       string
	DSN         string
	RedisAddr   string
	Vehicle     string
	Strict      bool
	SlowCases   bool
	Timeout     time.Duration
	StepTimeout time.Duration
	Concurrency int
	Duration    time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("ROBOTAXI_BENCH_BASE_URL", "http://localhost:8090"), "robotaxi-api base URL")
	flag.StringVar(&cfg.Token, "token", os.Getenv("ROBOTAXI_BENCH_TOKEN"), "bearer token when API auth is on")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("ROBOTAXI_DB_DSN"), "Postgres DSN of the local gateway (driver scenarios attach a passenger through it)")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("ROBOTAXI_REDIS_ADDR", "localhost:6379"), "Redis address of the event feed")
	flag.StringVar(&cfg.Vehicle, "vehicle", envOrDefault("ROBOTAXI_BENCH_VEHICLE", "veh-bench"), "vehicle published as the match result")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("ROBOTAXI_BENCH_STRICT", false), "fail on skipped scenarios")
	flag.BoolVar(&cfg.SlowCases, "slow", envOrDefaultBool("ROBOTAXI_BENCH_SLOW", false), "run scenarios that wait out the match timeout")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("ROBOTAXI_BENCH_TIMEOUT", 3*time.Minute), "total timeout")
	flag.DurationVar(&cfg.StepTimeout, "step-timeout", envOrDefaultDuration("ROBOTAXI_BENCH_STEP_TIMEOUT", 5*time.Second), "wait for each state change")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("ROBOTAXI_BENCH_CONCURRENCY", 20), "concurrency for load cases")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("ROBOTAXI_BENCH_DURATION", 5*time.Second), "duration of load cases")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
