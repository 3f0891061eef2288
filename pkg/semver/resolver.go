package semver

import (
	"fmt"
	"log/slog"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// SatisfiesRange checks if an engine version satisfies a range. Versions are normalized first.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := ParseVersion(version)
	if err != nil {
		return false
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// Check reports whether a detected engine meets the requirement. Requirements for another
// engine and versions that cannot be parsed are accepted; reason explains a rejection.
func (r *Requirement) Check(engineType, version string) (ok bool, reason string) {
	if r == nil {
		return true, ""
	}
	if r.Engine != "" && !strings.EqualFold(r.Engine, engineType) {
		return true, ""
	}
	if _, err := ParseVersion(version); err != nil {
		slog.Warn(fmt.Sprintf("%s - Skipping version check for %s: %v", resolverLogPrefix, engineType, err))
		return true, ""
	}
	if SatisfiesRange(version, r.Range) {
		return true, ""
	}
	return false, fmt.Sprintf("%s %s does not satisfy %s", engineType, version, r.Range)
}

// Compare orders two engine versions after normalization. Unparseable versions sort first.
func Compare(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
