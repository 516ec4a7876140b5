package targeting

import (
	"math"
	"strconv"
	"strings"
)

// CompareVersions orders two client version strings the way Firefox does:
// dot separated parts, each made of a number, a string, a number and a
// trailing string. Missing numbers are 0, "*" is infinitely large and an
// empty string sorts after any non-empty one, so "120.!" sorts below every
// 120.x release including pre-releases.
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if c := comparePart(parsePart(x), parsePart(y)); c != 0 {
			return c
		}
	}
	return 0
}

type versionPart struct {
	numA int64
	strB string
	numC int64
	extD string
}

func parsePart(s string) versionPart {
	var p versionPart
	if s == "*" {
		p.numA = math.MaxInt64
		return p
	}
	p.numA, s = leadingNumber(s)
	if strings.HasPrefix(s, "+") {
		// "1+" means "2pre"
		p.numA++
		p.strB = "pre"
		return p
	}
	i := strings.IndexAny(s, "0123456789")
	if i < 0 {
		p.strB = s
		return p
	}
	p.strB = s[:i]
	p.numC, s = leadingNumber(s[i:])
	p.extD = s
	return p
}

func leadingNumber(s string) (int64, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i == 0 {
		return 0, s
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, s[i:]
	}
	return n, s[i:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func comparePart(a, b versionPart) int {
	if c := compareInt(a.numA, b.numA); c != 0 {
		return c
	}
	if c := compareString(a.strB, b.strB); c != 0 {
		return c
	}
	if c := compareInt(a.numC, b.numC); c != 0 {
		return c
	}
	return compareString(a.extD, b.extD)
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareString(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	return strings.Compare(a, b)
}

// MinVersionBound turns "120.0" into "120.!", matching every 120 build.
func MinVersionBound(version string) string {
	return majorOf(version) + ".!"
}

// MaxVersionBound turns "125.0" into "125.*", matching every 125 build.
func MaxVersionBound(version string) string {
	return majorOf(version) + ".*"
}

func majorOf(version string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return major
}
