// Package semver normalizes engine version strings and checks them against minimum-version
// requirements.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:parser"

// Requirement holds the parsed components of a requirement string such as "egret@>=5.2".
type Requirement struct {
	// Engine type the requirement applies to; empty applies to every engine.
	Engine string
	// Range is a SemVer range ("^5.2.0", ">=5.0.0 <6"), a major ("5") or an exact version.
	Range string
	// Raw input string
	Raw string
}

var (
	engineNameRegex   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
	leadingVersion    = regexp.MustCompile(`^\d+(\.\d+)*`)
)

// ParseRequirement parses a requirement string.
//
// Supported formats:
//   - >=5.2.0           (any engine)
//   - egret@>=5.2.0     (one engine, comparison range)
//   - egret@5           (major only)
//   - cocos@^2.4.0      (caret range)
func ParseRequirement(input string) (*Requirement, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("%s - empty requirement", logPrefix)
	}

	engine, rangeStr := "", raw
	if at := strings.Index(raw, "@"); at != -1 {
		engine, rangeStr = raw[:at], strings.TrimSpace(raw[at+1:])
		if !engineNameRegex.MatchString(engine) {
			return nil, fmt.Errorf("%s - invalid engine name in requirement: %s", logPrefix, raw)
		}
	}
	if rangeStr == "" {
		return nil, fmt.Errorf("%s - missing version range: %s", logPrefix, raw)
	}
	if !IsMajorOnly(rangeStr) {
		if _, err := masterminds.NewConstraint(rangeStr); err != nil {
			return nil, fmt.Errorf("%s - invalid version range %q: %w", logPrefix, rangeStr, err)
		}
	}

	return &Requirement{Engine: engine, Range: rangeStr, Raw: raw}, nil
}

// Normalize turns an engine-reported version ("v5.2.33", "2.4.3.1", "5.2") into a SemVer string
// with exactly three numeric components. It fails when no leading number is present ("unknown").
func Normalize(version string) (string, error) {
	v := strings.TrimSpace(version)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if exactVersionRegex.MatchString(v) {
		return v, nil
	}

	head := leadingVersion.FindString(v)
	if head == "" {
		return "", fmt.Errorf("%s - unparseable engine version %q", logPrefix, version)
	}
	parts := strings.Split(head, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return strings.Join(parts[:3], "."), nil
}

// ParseVersion normalizes and parses an engine version.
func ParseVersion(version string) (*masterminds.Version, error) {
	n, err := Normalize(version)
	if err != nil {
		return nil, err
	}
	sv, err := masterminds.NewVersion(n)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid engine version %q: %w", logPrefix, version, err)
	}
	return sv, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}
