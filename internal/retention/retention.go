// Package retention implements the tiered backup retention planner of
// spec.md §4.3, grounded directly on original_source/btrcp.py's
// Environment/retentionIntervals, _mk_datetime_boundaries, and
// _mk_delta_groups functions.
package retention

import (
	"fmt"
	"sort"
	"time"
)

// Tier names a retention resolution, ordered finest to coarsest.
type Tier int

const (
	Day Tier = iota
	Week
	Month
	Year
)

func (t Tier) String() string {
	switch t {
	case Day:
		return "day"
	case Week:
		return "week"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return "unknown"
	}
}

// resolution is the per-unit width used to size a tier's bucket. Month and
// Year are approximated in whole days exactly as
// original_source/btrcp.py's _deltaFormatStrings/_mk_timediff do (30 and
// 365 days respectively) — calendar-exact month/year boundaries are not
// attempted.
func (t Tier) resolution() time.Duration {
	switch t {
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	case Year:
		return 365 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// fingerprint collapses t into the equivalence class spec.md §4.3's
// representative-selection table assigns to tier: entries sharing a
// fingerprint within the same bucket compete for one surviving
// representative. The overflow bucket (beyond the deepest tier) uses a
// fingerprint precise to the second, so overflow entries from different
// seconds are each their own singleton group and survive; entries within
// the same second share a group, and only the oldest of them survives.
func fingerprint(tier Tier, overflow bool, t time.Time) string {
	if overflow {
		return t.Format("2006-01-02-15-04-05")
	}
	switch tier {
	case Day:
		return t.Format("2006-01-02")
	case Week:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Month:
		return t.Format("2006-01")
	case Year:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02-15-04-05")
	}
}

// tierOrder is the walk order _mk_datetime_boundaries uses: finest first.
var tierOrder = []Tier{Day, Week, Month, Year}

// Schedule is the retention policy: how many buckets to keep at each tier,
// and the grace window (days_off) below which every entry is unconditionally
// kept regardless of tier accounting.
type Schedule struct {
	Counts  map[Tier]int
	DaysOff int
}

// Entry is one candidate for retention: a backup identified by name, the
// timestamp encoded in that name, and a fingerprint grouping it with other
// backups of the same source (so e.g. two containers backed up in the same
// run don't compete for one tier's bucket slots).
type Entry struct {
	Name        string
	Time        time.Time
	Fingerprint string
}

// Plan decides, for a set of candidate entries observed at "now", which
// survive and which are scheduled for removal. Entries within the grace
// window (now - DaysOff) are always kept untouched — the grace window
// exists so a backup run's own output is never immediately eligible for
// its own retention pass (spec.md §4.3, P4).
func (s Schedule) Plan(now time.Time, entries []Entry) (keep, remove []Entry) {
	anchor := now.Add(-time.Duration(s.DaysOff) * 24 * time.Hour)

	byFingerprint := make(map[string][]Entry)
	for _, e := range entries {
		if !e.Time.Before(anchor) {
			keep = append(keep, e)
			continue
		}
		byFingerprint[e.Fingerprint] = append(byFingerprint[e.Fingerprint], e)
	}

	boundaries := s.boundaries(anchor)

	for _, group := range byFingerprint {
		k, r := planGroup(group, boundaries)
		keep = append(keep, k...)
		remove = append(remove, r...)
	}

	return keep, remove
}

// boundary is one tier's retention bucket: one contiguous, cumulative
// interval spanning the tier's entire (unit, count) width, per spec.md
// §4.3's bucket computation — not a set of fixed-width sub-buckets. Entries
// within [lower, upper) compete for the bucket's format-string fingerprint
// groups (see fingerprint above).
type boundary struct {
	tier  Tier
	upper time.Time
	lower time.Time
}

// boundaries builds the ordered, four-entry bucket table (Day, Week, Month,
// Year) by walking backward from anchor, each bucket's width set by its
// tier's count·resolution — the same backward walk
// original_source/btrcp.py's _mk_datetime_boundaries performs. Anything
// older than the last (Year) bucket's lower bound falls into the implicit
// final overflow bucket spec.md §4.3 step 3 describes.
func (s Schedule) boundaries(anchor time.Time) []boundary {
	out := make([]boundary, 0, len(tierOrder))
	cursor := anchor

	for _, tier := range tierOrder {
		width := time.Duration(s.Counts[tier]) * tier.resolution()
		lower := cursor.Add(-width)
		out = append(out, boundary{tier: tier, upper: cursor, lower: lower})
		cursor = lower
	}

	return out
}

// planGroup runs the iterate-and-advance bucket fill for one fingerprint
// group: entries are sorted newest-first, and a single cursor walks the
// boundary table forward (toward coarser/older buckets) as entries age past
// the current bucket's lower edge — never re-examining a bucket once
// passed. Within each bucket, entries are further split by the tier's
// format-string fingerprint (spec.md §4.3's representative-selection
// table); each (bucket, fingerprint) group keeps only its oldest entry, the
// "representative", per original_source/btrcp.py's _filter_all_but_max. An
// entry older than every tier boundary lands in the overflow bucket, whose
// per-second fingerprint puts it in a singleton group unless another entry
// shares its second — a singleton survives, per spec.md §4.3's "exactly
// one entry in a group → keep, do not delete" edge case.
func planGroup(entries []Entry, boundaries []boundary) (keep, remove []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.After(sorted[j].Time) })

	type repKey struct {
		bucket      int
		fingerprint string
	}
	representative := make(map[repKey]Entry)

	cursor := 0
	for _, e := range sorted {
		for cursor < len(boundaries) && e.Time.Before(boundaries[cursor].lower) {
			cursor++
		}

		var fp string
		if cursor < len(boundaries) {
			fp = fingerprint(boundaries[cursor].tier, false, e.Time)
		} else {
			fp = fingerprint(Day, true, e.Time)
		}
		key := repKey{bucket: cursor, fingerprint: fp}

		incumbent, ok := representative[key]
		if !ok {
			representative[key] = e
			continue
		}
		// A representative already occupies this (bucket, fingerprint)
		// group. Whichever of incumbent/e is older becomes the new
		// representative; the other is removed — oldest survives within
		// each group.
		if e.Time.Before(incumbent.Time) {
			representative[key] = e
			remove = append(remove, incumbent)
		} else {
			remove = append(remove, e)
		}
	}

	for _, e := range representative {
		keep = append(keep, e)
	}
	return keep, remove
}
