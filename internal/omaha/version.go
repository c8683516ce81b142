package omaha

import (
	"strconv"
	"strings"
)

// ComparisonResult is the outcome of comparing two version strings.
type ComparisonResult int

// Possible outcomes of CompareVersions.
const (
	LessThan    ComparisonResult = -1
	Equal       ComparisonResult = 0
	GreaterThan ComparisonResult = 1
)

func (r ComparisonResult) String() string {
	switch r {
	case LessThan:
		return "LessThan"
	case GreaterThan:
		return "GreaterThan"
	default:
		return "Equal"
	}
}

// CompareVersions compares two dotted version strings component-wise.
//
// Components are compared as integers. A missing or non-numeric
// component counts as 0, so "1" and "1.0" are equal. There is no limit
// on the number of components.
func CompareVersions(a, b string) ComparisonResult {
	av := strings.Split(a, ".")
	bv := strings.Split(b, ".")

	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}
	for i := 0; i < n; i++ {
		x := component(av, i)
		y := component(bv, i)
		switch {
		case x < y:
			return LessThan
		case x > y:
			return GreaterThan
		}
	}
	return Equal
}

func component(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}
