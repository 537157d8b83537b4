package semverrange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	hyphenPattern = regexp.MustCompile(`^(\S+)\s+-\s+(\S+)$`)
	termSplitter  = regexp.MustCompile(`[,\s]+`)
	operators     = []string{">=", "<=", "^", "~", ">", "<", "="}
)

// Parse parses a range specifier into a Range. Accepts single
// constraints ("1.2.3", "^1.2", "~1", "1.x", "*", "latest"), comma- or
// whitespace-conjoined lists, "||"-separated disjunctions, and hyphen
// ranges ("1.0.0 - 2.0.0"), or any mixture of the above.
func Parse(text string) (Range, error) {
	raw := text
	text = strings.TrimSpace(text)
	if text == "" {
		text = "*"
	}

	var groups []Group
	for _, part := range strings.Split(text, "||") {
		g, err := parseGroup(strings.TrimSpace(part))
		if err != nil {
			return Range{}, &VersionError{Input: raw, Cause: err}
		}
		groups = append(groups, g)
	}
	return Range{Raw: raw, Groups: groups}, nil
}

func parseGroup(group string) (Group, error) {
	if group == "" {
		return Group{Constraints: []Constraint{{Wildcard: true}}}, nil
	}

	if m := hyphenPattern.FindStringSubmatch(group); m != nil {
		lower, err := parseTerm(">=" + m[1])
		if err != nil {
			return Group{}, err
		}
		upper, err := parseTerm("<=" + m[2])
		if err != nil {
			return Group{}, err
		}
		return Group{Constraints: []Constraint{lower, upper}}, nil
	}

	var constraints []Constraint
	for _, tok := range termSplitter.Split(group, -1) {
		if tok == "" {
			continue
		}
		c, err := parseTerm(tok)
		if err != nil {
			return Group{}, err
		}
		constraints = append(constraints, c)
	}
	if len(constraints) == 0 {
		return Group{}, fmt.Errorf("empty constraint group")
	}
	return Group{Constraints: constraints}, nil
}

func parseTerm(tok string) (Constraint, error) {
	opStr := ""
	rest := tok
	for _, o := range operators {
		if strings.HasPrefix(tok, o) {
			opStr = o
			rest = strings.TrimSpace(tok[len(o):])
			break
		}
	}

	major, minor, patch, pre, hasPre, wildcard, err := parsePartial(rest)
	if err != nil {
		return Constraint{}, fmt.Errorf("invalid term %q: %w", tok, err)
	}
	if wildcard {
		return Constraint{Wildcard: true}, nil
	}
	return Constraint{
		Op:     Op(opStr),
		Major:  major,
		Minor:  minor,
		Patch:  patch,
		Pre:    pre,
		HasPre: hasPre,
	}, nil
}

func parsePartial(s string) (major, minor, patch *int64, pre string, hasPre bool, wildcard bool, err error) {
	if s == "" {
		return nil, nil, nil, "", false, false, fmt.Errorf("empty version")
	}

	switch strings.ToLower(s) {
	case "*", "x", "latest":
		return nil, nil, nil, "", false, true, nil
	}

	if idx := strings.Index(s, "+"); idx != -1 {
		s = s[:idx]
	}
	if idx := strings.Index(s, "-"); idx != -1 {
		pre = s[idx+1:]
		hasPre = pre != ""
		s = s[:idx]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return nil, nil, nil, "", false, false, fmt.Errorf("too many version components in %q", s)
	}

	values := make([]*int64, 3)
	for i, p := range parts {
		switch strings.ToLower(p) {
		case "", "x", "*":
			continue
		default:
			n, convErr := strconv.ParseInt(p, 10, 64)
			if convErr != nil {
				return nil, nil, nil, "", false, false, fmt.Errorf("invalid version component %q: %w", p, convErr)
			}
			values[i] = &n
		}
	}

	return values[0], values[1], values[2], pre, hasPre, false, nil
}
