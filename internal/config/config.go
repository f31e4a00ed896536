// Package config handles process configuration and the probe file.
package config

import (
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GriffinCanCode/skillloop/internal/cache"
	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/matcher"
	"github.com/GriffinCanCode/skillloop/internal/pacing"
	"github.com/GriffinCanCode/skillloop/internal/pool"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/skill"
)

// CaptureDisplay selects the live display as capture source.
const CaptureDisplay = "display"

type Config struct {
	HTTPAddr string
	GRPCAddr string

	ProbesFile    string
	WatchProbes   bool
	CaptureSource string // CaptureDisplay or a screenshot path
	CaptureRegion image.Rectangle
	KeyBackend    string
	AutoStart     bool

	Threshold   float64
	TickTimeout time.Duration
	HashGate    bool

	BaseDelay   time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration
	DelayFactor float64

	ImageCacheSize  int
	ImageCacheTTL   time.Duration
	ResultCacheSize int
	ResultCacheTTL  time.Duration
	CacheCoalesce   bool

	MinWorkers int
	MaxWorkers int
	QueueSize  int

	LogLevel         string
	LogFormat        string // auto, text or json
	TraceSampleRatio float64
	SlowSpan         time.Duration
}

func Load() *Config {
	poolDefaults := pool.DefaultConfig()
	return &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8420"),
		GRPCAddr:         getEnv("GRPC_ADDR", ":8421"),
		ProbesFile:       getEnv("PROBES_FILE", "probes.yaml"),
		WatchProbes:      getEnvBool("WATCH_PROBES", true),
		CaptureSource:    getEnv("CAPTURE_SOURCE", CaptureDisplay),
		CaptureRegion:    getEnvRect("CAPTURE_REGION", image.Rectangle{}),
		KeyBackend:       getEnv("KEY_BACKEND", "native"),
		AutoStart:        getEnvBool("AUTO_START", false),
		Threshold:        getEnvFloat("MATCH_THRESHOLD", skill.DefaultThreshold),
		TickTimeout:      getEnvDuration("TICK_TIMEOUT", rotation.DefaultTickTimeout),
		HashGate:         getEnvBool("HASH_GATE", false),
		BaseDelay:        getEnvDuration("BASE_DELAY", pacing.DefaultBase),
		MinDelay:         getEnvDuration("MIN_DELAY", pacing.DefaultMin),
		MaxDelay:         getEnvDuration("MAX_DELAY", pacing.DefaultMax),
		DelayFactor:      getEnvFloat("DELAY_FACTOR", pacing.DefaultAdjustmentFactor),
		ImageCacheSize:   getEnvInt("IMAGE_CACHE_SIZE", cache.ImageCapacity),
		ImageCacheTTL:    getEnvDuration("IMAGE_CACHE_TTL", cache.ImageTTL),
		ResultCacheSize:  getEnvInt("RESULT_CACHE_SIZE", cache.ResultCapacity),
		ResultCacheTTL:   getEnvDuration("RESULT_CACHE_TTL", cache.ResultTTL),
		CacheCoalesce:    getEnvBool("CACHE_COALESCE", true),
		MinWorkers:       getEnvInt("MIN_WORKERS", poolDefaults.MinWorkers),
		MaxWorkers:       getEnvInt("MAX_WORKERS", poolDefaults.MaxWorkers),
		QueueSize:        getEnvInt("WORK_QUEUE_SIZE", poolDefaults.QueueSize),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "auto"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1.0),
		SlowSpan:         getEnvDuration("SLOW_SPAN", 250*time.Millisecond),
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Threshold <= 0 || c.Threshold > 1:
		return invalid("MATCH_THRESHOLD", "must be in (0, 1], got %v", c.Threshold)
	case c.MinDelay <= 0 || c.MinDelay > c.MaxDelay:
		return invalid("MIN_DELAY", "must be positive and at most MAX_DELAY (%v > %v)", c.MinDelay, c.MaxDelay)
	case c.BaseDelay < c.MinDelay || c.BaseDelay > c.MaxDelay:
		return invalid("BASE_DELAY", "%v outside [%v, %v]", c.BaseDelay, c.MinDelay, c.MaxDelay)
	case c.TickTimeout <= 0:
		return invalid("TICK_TIMEOUT", "must be positive")
	case c.MinWorkers <= 0 || c.MaxWorkers < c.MinWorkers:
		return invalid("MIN_WORKERS", "need 0 < MIN_WORKERS <= MAX_WORKERS, got %d and %d", c.MinWorkers, c.MaxWorkers)
	case c.ImageCacheSize <= 0 || c.ResultCacheSize <= 0:
		return invalid("IMAGE_CACHE_SIZE", "cache sizes must be positive")
	case c.ProbesFile == "":
		return invalid("PROBES_FILE", "must be set")
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return apperrors.Newf(apperrors.ConfigInvalid, key+" "+format, args...).WithMetadata("key", key)
}

// Pacing returns delay controller settings.
func (c *Config) Pacing() pacing.Config {
	cfg := pacing.DefaultConfig()
	cfg.Base, cfg.Min, cfg.Max = c.BaseDelay, c.MinDelay, c.MaxDelay
	cfg.AdjustmentFactor = c.DelayFactor
	return cfg
}

// PacingFor returns the delay settings for set: its pacing block over the
// environment values.
func (c *Config) PacingFor(set skill.Set) (pacing.Config, error) {
	cfg := c.Pacing()
	o := set.Pacing
	if o.Base > 0 {
		cfg.Base = o.Base
	}
	if o.Min > 0 {
		cfg.Min = o.Min
	}
	if o.Max > 0 {
		cfg.Max = o.Max
	}
	if o.Factor > 0 {
		cfg.AdjustmentFactor = o.Factor
	}
	if cfg.Min > cfg.Max || cfg.Base < cfg.Min || cfg.Base > cfg.Max {
		return pacing.Config{}, apperrors.Newf(apperrors.ConfigInvalid, "pacing base %v outside [%v, %v]", cfg.Base, cfg.Min, cfg.Max).
			WithMetadata("key", "pacing")
	}
	return cfg, nil
}

// ImageCache returns image cache settings.
func (c *Config) ImageCache() cache.Config {
	cfg := cache.ImageConfig()
	cfg.Capacity = c.ImageCacheSize
	cfg.TTL = c.ImageCacheTTL
	cfg.Coalesce = c.CacheCoalesce
	return cfg
}

// ResultCache returns result cache settings.
func (c *Config) ResultCache() cache.Config {
	cfg := cache.ResultConfig()
	cfg.Capacity = c.ResultCacheSize
	cfg.TTL = c.ResultCacheTTL
	return cfg
}

// Pool returns worker pool settings.
func (c *Config) Pool() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize = c.MinWorkers, c.MaxWorkers, c.QueueSize
	return cfg
}

// Matcher returns matcher settings.
func (c *Config) Matcher() matcher.Config {
	return matcher.Config{Threshold: c.Threshold, HashGate: c.HashGate}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("150ms") or bare milliseconds ("150").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getEnvRect(key string, def image.Rectangle) image.Rectangle {
	if v := os.Getenv(key); v != "" {
		if r, err := ParseRect(v); err == nil {
			return r
		}
	}
	return def
}

// ParseRect parses "x1,y1,x2,y2".
func ParseRect(s string) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("rect %q: want x1,y1,x2,y2", s)
	}
	var n [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("rect %q: %w", s, err)
		}
		n[i] = v
	}
	return rectFrom(n)
}

func rectFrom(n [4]int) (image.Rectangle, error) {
	r := image.Rect(n[0], n[1], n[2], n[3])
	if n[2] <= n[0] || n[3] <= n[1] {
		return image.Rectangle{}, fmt.Errorf("rect %v is empty or inverted", n)
	}
	return r, nil
}
