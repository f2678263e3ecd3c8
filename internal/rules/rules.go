// Package rules selects which reminder offsets a tenant has enabled.
package rules

import (
	"sort"

	"github.com/lalithlochan/pixbill/internal/db"
)

// DueOffsets returns the distinct enabled offsets in ascending order, so
// the furthest-ahead reminder (-5) is evaluated first and the overdue one
// (+1) last.
func DueOffsets(rules []db.NotificationRule) []int {
	seen := make(map[int]struct{}, len(rules))
	offsets := make([]int, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if _, dup := seen[r.OffsetDays]; dup {
			continue
		}
		seen[r.OffsetDays] = struct{}{}
		offsets = append(offsets, r.OffsetDays)
	}
	sort.Ints(offsets)
	return offsets
}
