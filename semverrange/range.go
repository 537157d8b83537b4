package semverrange

// Group is a conjunction of constraints: every constraint must be
// satisfied for the group to match a version.
type Group struct {
	Constraints []Constraint
}

// Satisfies reports whether v meets every constraint in the group,
// first enforcing the pre-release eligibility rule: a pre-release
// version is only eligible against a group if some constraint in that
// same group names the identical (major, minor, patch) triple with an
// explicit pre-release, or the group contains an unconditional wildcard.
func (g Group) Satisfies(v Version) bool {
	if v.IsPrerelease() && !g.preEligible(v) {
		return false
	}
	for _, c := range g.Constraints {
		if !c.Satisfies(v) {
			return false
		}
	}
	return true
}

func (g Group) preEligible(v Version) bool {
	for _, c := range g.Constraints {
		if c.Wildcard {
			return true
		}
		major, minor, patch, ok := c.explicitTriple()
		if ok && c.HasPre && major == v.Major() && minor == v.Minor() && patch == v.Patch() {
			return true
		}
	}
	return false
}

// Range is a disjunction of groups: a version satisfies the range if it
// satisfies any one group.
type Range struct {
	Raw    string
	Groups []Group
}

// Satisfies reports whether v is accepted by this range.
func (r Range) Satisfies(v Version) bool {
	for _, g := range r.Groups {
		if g.Satisfies(v) {
			return true
		}
	}
	return false
}

// SatisfiesString parses text as a concrete version and reports whether
// it satisfies r. Returns an error if text is not a valid version.
func (r Range) SatisfiesString(text string) (bool, error) {
	v, err := ParseVersion(text)
	if err != nil {
		return false, err
	}
	return r.Satisfies(v), nil
}
