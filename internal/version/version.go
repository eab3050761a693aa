// Package version compares dotted plugin and QGIS version strings.
//
// Versions are compared component by component from left to right after
// padding the shorter one with zeros, so "1.0" equals "1.0.0" and "1.2"
// sorts before "1.10".
package version

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Parse parses a dotted version string.
func Parse(s string) (*goversion.Version, error) {
	v, err := goversion.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", s, err)
	}
	return v, nil
}

// Compare returns -1, 0 or 1 when a is older than, equal to or newer than b.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// Newer reports whether candidate is strictly newer than current.
func Newer(candidate, current string) (bool, error) {
	c, err := Compare(candidate, current)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// InRange reports whether target lies within [min, max]. An empty bound
// is unbounded. Unparsable bounds exclude the target.
func InRange(target, min, max string) bool {
	if strings.TrimSpace(min) != "" {
		c, err := Compare(target, min)
		if err != nil || c < 0 {
			return false
		}
	}
	if strings.TrimSpace(max) != "" {
		c, err := Compare(target, max)
		if err != nil || c > 0 {
			return false
		}
	}
	return true
}

// DefaultMaximum derives the implicit maximum QGIS version for a plugin
// that only declares a minimum: the same major line, minor 99.
func DefaultMaximum(min string) string {
	v, err := Parse(min)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d.99", v.Segments()[0])
}
