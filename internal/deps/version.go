package deps

import (
	"strconv"
	"strings"
)

// Constraint is one version requirement such as ">=1.2" or "!=2.0".
// A bare version means equality.
type Constraint struct {
	op      string
	version string
}

// ParseConstraint splits the operator prefix off a constraint string.
func ParseConstraint(s string) Constraint {
	s = strings.TrimSpace(s)
	for _, op := range []string{">=", "<=", "!=", "==", ">", "<", "="} {
		if strings.HasPrefix(s, op) {
			return Constraint{op: op, version: strings.TrimSpace(s[len(op):])}
		}
	}
	return Constraint{op: "==", version: s}
}

// Empty reports whether there is no requirement.
func (c Constraint) Empty() bool { return c.version == "" }

func (c Constraint) String() string {
	if c.Empty() {
		return ""
	}
	op := c.op
	if op == "=" {
		op = "=="
	}
	return op + c.version
}

// Satisfies reports whether the given version meets the constraint.
func (c Constraint) Satisfies(version string) bool {
	if c.Empty() {
		return true
	}
	cmp := compareVersions(version, c.version)
	switch c.op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	default:
		return cmp == 0
	}
}

// compareVersions compares dotted version strings segment by segment.
// Numeric segments compare as integers; anything else compares as a
// string. A missing segment counts as zero, so "1.2" == "1.2.0".
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}
