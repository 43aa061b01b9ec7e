package matchmaking

import "time"

// Config controls the rating band and how fast it widens.
type Config struct {
	InitialSpread     int
	ExpansionStep     int
	ExpansionInterval time.Duration
	MinRating         int
	MaxRating         int
}

func DefaultConfig() Config {
	return Config{
		InitialSpread:     150,
		ExpansionStep:     50,
		ExpansionInterval: 15 * time.Second,
		MinRating:         800,
		MaxRating:         3000,
	}
}

// ClampRating pulls rating into [MinRating, MaxRating].
func ClampRating(rating int, cfg Config) int {
	if rating < cfg.MinRating {
		return cfg.MinRating
	}
	if rating > cfg.MaxRating {
		return cfg.MaxRating
	}
	return rating
}

// Band returns the acceptable opponent range for rating after the given
// number of expansions, clamped to the configured floor and ceiling.
func Band(rating, expansions int, cfg Config) (int, int) {
	rating = ClampRating(rating, cfg)
	spread := cfg.InitialSpread + expansions*cfg.ExpansionStep
	lo, hi := rating-spread, rating+spread
	if lo < cfg.MinRating {
		lo = cfg.MinRating
	}
	if hi > cfg.MaxRating {
		hi = cfg.MaxRating
	}
	return lo, hi
}
