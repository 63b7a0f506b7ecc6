package store

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the layout of stored tracking snapshots. Bump the minor
// version for additive fields and the major version when old snapshots can
// no longer be decoded.
const SchemaVersion = "1.1"

// ErrIncompatibleSnapshot is returned when a stored snapshot was written by
// an incompatible schema version
var ErrIncompatibleSnapshot = errors.New("incompatible snapshot schema")

// parseVersion accepts "1" and "1.1" as well as full semantic versions
func parseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %q", v)
	}
	return parsed, nil
}

// CheckSchemaVersion reports whether a snapshot written with version can be
// restored. Snapshots without a version predate versioning and are treated
// as 1.0.
func CheckSchemaVersion(version string) error {
	if version == "" {
		version = "1.0"
	}
	stored, err := parseVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleSnapshot, err)
	}
	current, err := parseVersion(SchemaVersion)
	if err != nil {
		return err
	}

	if stored.Major() != current.Major() {
		return fmt.Errorf("%w: stored %s, supported %d.x", ErrIncompatibleSnapshot, version, current.Major())
	}
	if stored.GreaterThan(current) {
		return fmt.Errorf("%w: stored %s is newer than %s", ErrIncompatibleSnapshot, version, SchemaVersion)
	}
	return nil
}
