package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Configuration validation errors.
var (
	ErrInvalidMinSample       = errors.New("FMV_MIN_SAMPLE must be at least 2")
	ErrInvalidDiscount        = errors.New("gem discount thresholds must be between 0 and 1")
	ErrInvalidInterval        = errors.New("freshness intervals must be positive")
	ErrInvalidHour            = errors.New("hunting hours must be between 0 and 23")
	ErrInvalidWorkers         = errors.New("hunting worker counts must be at least 1")
	ErrInvalidPollInterval    = errors.New("hunting poll intervals must be positive")
	ErrInvalidVerifyTimeout   = errors.New("VERIFY_TIMEOUT must be positive")
	ErrInvalidProcessorConfig = errors.New("batch processing sizes must be positive")
)

type Config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	BrandsFile string `env:"BRANDS_FILE"`

	Database struct {
		Path string `env:"DB_PATH" envDefault:"database/velomarket.db"`
	}

	// Redis is optional; an empty address disables the FMV cache
	Redis struct {
		Addr     string        `env:"REDIS_ADDR"`
		Password string        `env:"REDIS_PASSWORD"`
		DB       int           `env:"REDIS_DB" envDefault:"0"`
		CacheTTL time.Duration `env:"FMV_CACHE_TTL" envDefault:"10m"`
	}

	FMV struct {
		// Minimum cohort size before an estimate is produced
		MinSample int `env:"FMV_MIN_SAMPLE" envDefault:"2"`

		// Cohorts at or above this size are trimmed with Tukey fences
		RobustSample int `env:"FMV_ROBUST_SAMPLE" envDefault:"5"`

		GemDiscount          float64 `env:"FMV_GEM_DISCOUNT" envDefault:"0.30"`
		YearAgnosticDiscount float64 `env:"FMV_YEAR_AGNOSTIC_DISCOUNT" envDefault:"0.35"`
		WindowDays           int     `env:"FMV_WINDOW_DAYS" envDefault:"180"`

		// Observations with a quality score below this are left out of cohorts (0 disables)
		MinQuality int `env:"FMV_MIN_QUALITY" envDefault:"0"`
	}

	Freshness struct {
		Tier1Interval time.Duration `env:"FRESHNESS_TIER1_INTERVAL" envDefault:"24h"`
		Tier3Interval time.Duration `env:"FRESHNESS_TIER3_INTERVAL" envDefault:"168h"`
		Tier3Guard    time.Duration `env:"FRESHNESS_TIER3_GUARD" envDefault:"48h"`
		NewWindow     time.Duration `env:"FRESHNESS_NEW_WINDOW" envDefault:"720h"`
	}

	Hunting struct {
		TZOffsetHours int `env:"HUNTING_TZ_OFFSET_HOURS" envDefault:"3"`
		NightStart    int `env:"HUNTING_NIGHT_START" envDefault:"1"`
		NightEnd      int `env:"HUNTING_NIGHT_END" envDefault:"7"`
		PrimeStart    int `env:"HUNTING_PRIME_START" envDefault:"18"`
		PrimeEnd      int `env:"HUNTING_PRIME_END" envDefault:"22"`

		WorkersNight    int `env:"HUNTING_WORKERS_NIGHT" envDefault:"1"`
		WorkersStandard int `env:"HUNTING_WORKERS_STANDARD" envDefault:"4"`
		WorkersBerserk  int `env:"HUNTING_WORKERS_BERSERK" envDefault:"12"`

		PollNight    time.Duration `env:"HUNTING_POLL_NIGHT" envDefault:"45m"`
		PollStandard time.Duration `env:"HUNTING_POLL_STANDARD" envDefault:"10m"`
		PollBerserk  time.Duration `env:"HUNTING_POLL_BERSERK" envDefault:"90s"`
	}

	Verification struct {
		Timeout    time.Duration `env:"VERIFY_TIMEOUT" envDefault:"15s"`
		BatchLimit int           `env:"VERIFY_BATCH_LIMIT" envDefault:"100"`
		UserAgent  string        `env:"VERIFY_USER_AGENT" envDefault:"Mozilla/5.0 (X11; Linux x86_64) velomarket-checker"`
	}

	// BatchProcessing configuration
	BatchProcessing struct {
		// Maximum number of ads to accumulate before processing
		MaxBatchSize int `env:"BATCH_MAX_SIZE" envDefault:"100"`

		// Number of batches the ingestion queue buffers
		QueueSize int `env:"BATCH_QUEUE_SIZE" envDefault:"64"`

		// Maximum number of retries for failed batches
		MaxRetries int `env:"BATCH_MAX_RETRIES" envDefault:"3"`

		// Delay between retries in seconds
		RetryDelay int `env:"BATCH_RETRY_DELAY" envDefault:"5"`
	}

	Refill struct {
		// Retries of a failed refill task write before the removal is left for the next check
		MaxRetries int `env:"REFILL_MAX_RETRIES" envDefault:"3"`

		// Delay between write retries in milliseconds
		RetryDelay int `env:"REFILL_RETRY_DELAY_MS" envDefault:"200"`
	}

	Collector struct {
		Command string `env:"COLLECTOR_COMMAND" envDefault:"python3"`
		Script  string `env:"COLLECTOR_SCRIPT" envDefault:"scripts/collect.py"`
	}

	Server struct {
		Port        int      `env:"SERVER_PORT" envDefault:"5250"`
		CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	}

	Telegram struct {
		BotToken string `env:"TELEGRAM_BOT_TOKEN"`
		ChatID   string `env:"TELEGRAM_CHAT_ID"`
	}
}

// LoadConfig reads an optional .env file and then parses the environment.
func LoadConfig() (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.FMV.MinSample < 2 {
		return ErrInvalidMinSample
	}
	for _, d := range []float64{c.FMV.GemDiscount, c.FMV.YearAgnosticDiscount} {
		if d <= 0 || d >= 1 {
			return ErrInvalidDiscount
		}
	}
	for _, d := range []time.Duration{c.Freshness.Tier1Interval, c.Freshness.Tier3Interval, c.Freshness.Tier3Guard, c.Freshness.NewWindow} {
		if d <= 0 {
			return ErrInvalidInterval
		}
	}
	for _, h := range []int{c.Hunting.NightStart, c.Hunting.NightEnd, c.Hunting.PrimeStart, c.Hunting.PrimeEnd} {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: got %d", ErrInvalidHour, h)
		}
	}
	for _, w := range []int{c.Hunting.WorkersNight, c.Hunting.WorkersStandard, c.Hunting.WorkersBerserk} {
		if w < 1 {
			return ErrInvalidWorkers
		}
	}
	for _, p := range []time.Duration{c.Hunting.PollNight, c.Hunting.PollStandard, c.Hunting.PollBerserk} {
		if p <= 0 {
			return ErrInvalidPollInterval
		}
	}
	if c.Verification.Timeout <= 0 {
		return ErrInvalidVerifyTimeout
	}
	if c.BatchProcessing.MaxBatchSize < 1 || c.BatchProcessing.QueueSize < 1 || c.Refill.MaxRetries < 0 {
		return ErrInvalidProcessorConfig
	}
	return nil
}
