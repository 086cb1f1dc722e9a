package update

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// semverPattern is the strict semantic version grammar from semver.org.
var semverPattern = regexp.MustCompile(
	`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`,
)

// Version is a parsed semantic version.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
}

// ValidateVersion reports whether s is a strict semantic version string.
func ValidateVersion(s string) bool {
	return semverPattern.MatchString(s)
}

// ParseVersion parses a strict semantic version. A leading "v" is rejected.
func ParseVersion(s string) (*Version, error) {
	matches := semverPattern.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%q: %w", s, ErrInvalidVersion)
	}

	var (
		parts [3]uint64
		err   error
	)

	for i := range parts {
		parts[i], err = strconv.ParseUint(matches[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, ErrInvalidVersion)
		}
	}

	return &Version{
		Major:      parts[0],
		Minor:      parts[1],
		Patch:      parts[2],
		Prerelease: matches[4],
		Build:      matches[5],
	}, nil
}

// NormalizeTag strips the conventional "v" prefix of release tags.
func NormalizeTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "v")
}

// String renders the version back to its canonical form.
func (v *Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}

	if v.Build != "" {
		s += "+" + v.Build
	}

	return s
}

// CoreCompare orders versions by major, minor and patch only.
// Prerelease and build metadata are ignored.
func (v *Version) CoreCompare(other *Version) int {
	switch {
	case v.Major != other.Major:
		return compareUint(v.Major, other.Major)
	case v.Minor != other.Minor:
		return compareUint(v.Minor, other.Minor)
	default:
		return compareUint(v.Patch, other.Patch)
	}
}

// IsNewerVersion reports whether candidate is strictly newer than current
// under core version ordering.
func IsNewerVersion(candidate, current string) (bool, error) {
	candidateVersion, err := ParseVersion(candidate)
	if err != nil {
		return false, err
	}

	currentVersion, err := ParseVersion(current)
	if err != nil {
		return false, err
	}

	return candidateVersion.CoreCompare(currentVersion) > 0, nil
}

func compareUint(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
