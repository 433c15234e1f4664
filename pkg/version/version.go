// Package version orders dotted numeric release strings such as "1.10.6".
package version

import (
	"strconv"
	"strings"
)

// Arity is the number of components a version is normalised to.
const Arity = 3

// Tuple is a normalised major.minor.patch version.
type Tuple [Arity]int

// Parse converts s into a Tuple. Missing trailing components are zero and
// components beyond Arity are ignored. Any malformed input (empty string,
// empty component, sign, non-digit, overflow) yields the zero Tuple so that
// it orders below every well-formed version.
func Parse(s string) Tuple {
	s = strings.TrimSpace(s)
	if s == "" {
		return Tuple{}
	}
	var out Tuple
	for i, part := range strings.Split(s, ".") {
		if !isDigits(part) {
			return Tuple{}
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Tuple{}
		}
		if i < Arity {
			out[i] = n
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Compare returns -1, 0 or 1 as t is lower than, equal to or greater than o.
func (t Tuple) Compare(o Tuple) int {
	for i := 0; i < Arity; i++ {
		switch {
		case t[i] < o[i]:
			return -1
		case t[i] > o[i]:
			return 1
		}
	}
	return 0
}

func (t Tuple) String() string {
	return strconv.Itoa(t[0]) + "." + strconv.Itoa(t[1]) + "." + strconv.Itoa(t[2])
}

// Compare orders two version strings numerically.
func Compare(a, b string) int {
	return Parse(a).Compare(Parse(b))
}

// Equal reports tuple equality, so "1.2" equals "1.2.0".
func Equal(a, b string) bool {
	return Compare(a, b) == 0
}

// Newer reports whether a is strictly greater than b.
func Newer(a, b string) bool {
	return Compare(a, b) > 0
}

// Less orders version strings numerically, falling back to the raw string
// when tuples tie so that sorting is deterministic.
func Less(a, b string) bool {
	if c := Compare(a, b); c != 0 {
		return c < 0
	}
	return a < b
}
