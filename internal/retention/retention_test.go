package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return tm
}

func TestGraceWindowAlwaysKept(t *testing.T) {
	now := mustParse(t, "2026-07-31")
	s := Schedule{Counts: map[Tier]int{Day: 14, Week: 6, Month: 10, Year: 10}, DaysOff: 1}

	entries := []Entry{
		{Name: "today", Time: now, Fingerprint: "db"},
	}

	keep, remove := s.Plan(now, entries)
	assert.Len(t, keep, 1)
	assert.Empty(t, remove)
}

func TestOneEntryPerDayBucketSurvives(t *testing.T) {
	now := mustParse(t, "2026-07-31")
	s := Schedule{Counts: map[Tier]int{Day: 14, Week: 6, Month: 10, Year: 10}, DaysOff: 1}

	var entries []Entry
	for i := 2; i <= 10; i++ {
		entries = append(entries, Entry{
			Name:        "snap",
			Time:        now.Add(-time.Duration(i) * 24 * time.Hour),
			Fingerprint: "db",
		})
	}

	keep, remove := s.Plan(now, entries)
	assert.Len(t, keep, 9)
	assert.Empty(t, remove)
}

func TestOldestWinsWithinABucket(t *testing.T) {
	now := mustParse(t, "2026-07-31")
	s := Schedule{Counts: map[Tier]int{Day: 1, Week: 0, Month: 0, Year: 0}, DaysOff: 1}

	older := Entry{Name: "older", Time: now.Add(-25 * time.Hour), Fingerprint: "db"}
	newer := Entry{Name: "newer", Time: now.Add(-24*time.Hour - 30*time.Minute), Fingerprint: "db"}

	keep, remove := s.Plan(now, []Entry{newer, older})
	require.Len(t, keep, 1)
	require.Len(t, remove, 1)
	assert.Equal(t, "older", keep[0].Name)
	assert.Equal(t, "newer", remove[0].Name)
}

func TestOverflowSingletonSurvives(t *testing.T) {
	now := mustParse(t, "2026-07-31")
	s := Schedule{Counts: map[Tier]int{Day: 1, Week: 0, Month: 0, Year: 0}, DaysOff: 1}

	ancient := Entry{Name: "ancient", Time: now.Add(-1000 * 24 * time.Hour), Fingerprint: "db"}

	keep, remove := s.Plan(now, []Entry{ancient})
	require.Len(t, keep, 1)
	assert.Equal(t, "ancient", keep[0].Name)
	assert.Empty(t, remove)
}

func TestOverflowSameSecondCollisionOldestSurvives(t *testing.T) {
	now := mustParse(t, "2026-07-31")
	s := Schedule{Counts: map[Tier]int{Day: 1, Week: 0, Month: 0, Year: 0}, DaysOff: 1}

	base := now.Add(-1000 * 24 * time.Hour)
	older := Entry{Name: "older", Time: base, Fingerprint: "db"}
	newer := Entry{Name: "newer", Time: base.Add(10 * time.Millisecond), Fingerprint: "db"}

	keep, remove := s.Plan(now, []Entry{newer, older})
	require.Len(t, keep, 1)
	assert.Equal(t, "older", keep[0].Name)
	require.Len(t, remove, 1)
	assert.Equal(t, "newer", remove[0].Name)
}

func TestFingerprintGroupsDoNotCompeteForBuckets(t *testing.T) {
	now := mustParse(t, "2026-07-31")
	s := Schedule{Counts: map[Tier]int{Day: 1, Week: 0, Month: 0, Year: 0}, DaysOff: 1}

	dbEntry := Entry{Name: "db-snap", Time: now.Add(-25 * time.Hour), Fingerprint: "db"}
	webEntry := Entry{Name: "web-snap", Time: now.Add(-25 * time.Hour), Fingerprint: "web"}

	keep, remove := s.Plan(now, []Entry{dbEntry, webEntry})
	assert.Len(t, keep, 2)
	assert.Empty(t, remove)
}
