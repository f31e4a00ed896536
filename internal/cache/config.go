package cache

import "time"

// Config holds cache sizing and tuning parameters.
type Config struct {
	Name        string
	Capacity    int
	MinCapacity int
	MaxCapacity int

	TTL    time.Duration
	MinTTL time.Duration
	MaxTTL time.Duration

	// Adaptive enables hit-rate driven TTL and capacity tuning.
	Adaptive       bool
	TargetHitRate  float64
	HitWindow      int
	AdjustInterval time.Duration
	SweepInterval  time.Duration

	// Coalesce collapses concurrent misses on one key into a single compute.
	Coalesce bool
}

// ImageConfig returns settings for the captured-image cache.
func ImageConfig() Config {
	return Config{
		Name:           "image",
		Capacity:       ImageCapacity,
		MinCapacity:    ImageMinCapacity,
		MaxCapacity:    ImageMaxCapacity,
		TTL:            ImageTTL,
		MinTTL:         ImageMinTTL,
		MaxTTL:         ImageMaxTTL,
		Adaptive:       true,
		TargetHitRate:  DefaultTargetHitRate,
		HitWindow:      DefaultHitWindow,
		AdjustInterval: DefaultAdjustInterval,
		SweepInterval:  DefaultSweepInterval,
		Coalesce:       true,
	}
}

// ResultConfig returns settings for the per-skill result cache.
func ResultConfig() Config {
	return Config{
		Name:          "result",
		Capacity:      ResultCapacity,
		TTL:           ResultTTL,
		HitWindow:     DefaultHitWindow,
		SweepInterval: DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "cache"
	}
	if c.Capacity <= 0 {
		c.Capacity = ImageCapacity
	}
	if c.MinCapacity <= 0 || c.MinCapacity > c.Capacity {
		c.MinCapacity = min(c.Capacity, ImageMinCapacity)
	}
	if c.MaxCapacity < c.Capacity {
		c.MaxCapacity = c.Capacity
	}
	if c.TTL <= 0 {
		c.TTL = ImageTTL
	}
	if c.MinTTL <= 0 || c.MinTTL > c.TTL {
		c.MinTTL = c.TTL
	}
	if c.MaxTTL < c.TTL {
		c.MaxTTL = c.TTL
	}
	if c.TargetHitRate <= 0 || c.TargetHitRate > 1 {
		c.TargetHitRate = DefaultTargetHitRate
	}
	if c.HitWindow <= 0 {
		c.HitWindow = DefaultHitWindow
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = DefaultAdjustInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
