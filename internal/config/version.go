package config

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is written into new configs and assumed for
// configs that omit schema_version.
const CurrentSchemaVersion = "1.0"

// SchemaVersion orders config schemas. Minor bumps stay readable by
// older loaders; a major bump means the shape changed.
type SchemaVersion struct {
	Major int
	Minor int
}

// SupportedVersions are the schema majors this build can load.
var SupportedVersions = []SchemaVersion{
	{Major: 1, Minor: 0},
}

// ParseVersion reads an "X.Y" version string. Empty means a config
// predating the field and parses as 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1}, nil
	}
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", majorStr)
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minorStr)
	}
	return SchemaVersion{Major: major, Minor: minor}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare orders two versions: negative when v is older than other,
// zero when equal, positive when newer.
func (v SchemaVersion) Compare(other SchemaVersion) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	switch {
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	}
	return 0
}

// IsSupportedVersion reports whether this build can load the schema.
// Only the major matters; unknown minors within a supported major load
// with a warning.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, s := range SupportedVersions {
		if v.Major == s.Major {
			return true
		}
	}
	return false
}
