package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RateLimit is a "count per unit" budget such as 10/s.
type RateLimit struct {
	Count int
	Per   time.Duration
}

func (r RateLimit) Enabled() bool {
	return r.Count > 0 && r.Per > 0
}

// ParseRateLimit parses "<count>/<s|m|h>". An empty string disables limiting.
func ParseRateLimit(s string) (RateLimit, error) {
	if s == "" {
		return RateLimit{}, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return RateLimit{}, fmt.Errorf("invalid rate limit format: %s", s)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return RateLimit{}, fmt.Errorf("invalid rate limit count: %s", parts[0])
	}

	var duration time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		duration = time.Second
	case "m":
		duration = time.Minute
	case "h":
		duration = time.Hour
	default:
		return RateLimit{}, fmt.Errorf("invalid rate limit duration unit: %s", parts[1])
	}
	return RateLimit{Count: limit, Per: duration}, nil
}
