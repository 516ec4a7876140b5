package buckets

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"experimenter/domain"
)

// Position hashes a client's randomization unit into [0, group.Total) the
// same way for every evaluation, so enrollment is reproducible.
func Position(group domain.IsolationGroup, randomizationUnit string) int {
	total := group.Total
	if total <= 0 {
		total = domain.DefaultBucketTotal
	}
	h := xxhash.New()
	_, _ = h.WriteString(group.Name)
	_, _ = h.WriteString("-")
	_, _ = h.WriteString(strconv.Itoa(group.Instance))
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(randomizationUnit)
	return int(h.Sum64() % uint64(total))
}

// Enrolled reports whether the unit falls inside the allocation's range.
func Enrolled(allocation domain.BucketAllocation, randomizationUnit string) (int, bool) {
	pos := Position(allocation.Group, randomizationUnit)
	return pos, allocation.Range.Contains(pos)
}

// LockKey maps a namespace name onto the signed 64-bit key space used by
// database advisory locks.
func LockKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}
