package prompt

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseMarker parses a numeric ordering marker such as a Slack timestamp
// ("1700000000.000200") or a Discord snowflake ("1187654321098765432").
// Markers are compared as exact decimals so that "9" < "10" and long
// snowflakes keep every digit.
func ParseMarker(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty marker")
	}
	if strings.Contains(s, "/") {
		return nil, fmt.Errorf("invalid marker %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid marker %q", s)
	}
	return r, nil
}

// CompareMarkers returns -1, 0 or +1 as a is numerically less than, equal to
// or greater than b.
func CompareMarkers(a, b string) (int, error) {
	ra, err := ParseMarker(a)
	if err != nil {
		return 0, err
	}
	rb, err := ParseMarker(b)
	if err != nil {
		return 0, err
	}
	return ra.Cmp(rb), nil
}
