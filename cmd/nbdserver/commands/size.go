package commands

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

var decimalSizePattern = regexp.MustCompile(`(?i)^([0-9]+(?:\.[0-9]+)?)\s*(kb|mb|gb|k|m|g|b)?$`)

var decimalMultipliers = map[string]float64{
	"":   1,
	"b":  1,
	"k":  1e3,
	"kb": 1e3,
	"m":  1e6,
	"mb": 1e6,
	"g":  1e9,
	"gb": 1e9,
}

// parseHumanSize parses a --size value using decimal multipliers
// (kB=10^3, MB=10^6, GB=10^9). go-humanize's own ParseBytes mixes
// binary and decimal interpretations depending on spelling ("MB" vs
// "MiB"), so the decimal suffixes this CLI documents are matched
// directly first; anything else (e.g. "1Gi") falls back to ParseBytes.
func parseHumanSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	if m := decimalSizePattern.FindStringSubmatch(s); m != nil {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		mult, ok := decimalMultipliers[strings.ToLower(m[2])]
		if !ok {
			mult = 1
		}
		return uint64(value * mult), nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
