// Package semverrange implements the npm version-range grammar: a
// disjunction of comma/whitespace-conjoined constraint groups, each term
// carrying an operator (=, ~, ^, <, <=, >, >=) plus a possibly-partial
// version. Concrete version parsing and ordering is delegated to
// Masterminds/semver/v3; the grammar and satisfaction rules above it are
// hand-rolled, since no published Go library speaks the npm dialect.
package semverrange

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is a concrete, fully-specified package version.
type Version struct {
	v *semver.Version
}

// ParseVersion parses a concrete version string such as "1.2.3" or
// "1.2.3-beta.1+build".
func ParseVersion(s string) (Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, &VersionError{Input: s, Cause: err}
	}
	return Version{v: v}, nil
}

// VersionError reports a malformed version string.
type VersionError struct {
	Input string
	Cause error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("invalid version %q: %s", e.Input, e.Cause)
}

func (e *VersionError) Unwrap() error { return e.Cause }

func (v Version) Major() int64 { return v.v.Major() }
func (v Version) Minor() int64 { return v.v.Minor() }
func (v Version) Patch() int64 { return v.v.Patch() }
func (v Version) Prerelease() string { return v.v.Prerelease() }
func (v Version) String() string { return v.v.String() }

// IsPrerelease reports whether this version carries a pre-release tag.
func (v Version) IsPrerelease() bool { return v.v.Prerelease() != "" }

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater
// than other, following semver §11 total ordering (a version carrying a
// pre-release orders below the same major.minor.patch without one).
func (v Version) Compare(other Version) int {
	return v.v.Compare(other.v)
}

// triple builds a full concrete version from explicit (possibly
// zero-filled) components and an optional pre-release string, for use
// as an operator's comparison bound.
func triple(major, minor, patch int64, pre string) Version {
	s := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if pre != "" {
		s += "-" + pre
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		// major/minor/patch/pre are always well-formed integers and a
		// grammar-validated pre-release string at this point.
		panic(fmt.Sprintf("semverrange: built an invalid version %q: %s", s, err))
	}
	return Version{v: v}
}
