package marketplace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(Eastern)
	require.NoError(t, err)
	return loc
}

func TestNextCutoffIsStrictlyAfter(t *testing.T) {
	loc := eastern(t)
	// Exactly Tuesday noon Eastern: the cutoff rolls to the next week.
	at := time.Date(2024, time.May, 7, 12, 0, 0, 0, loc)

	next := NextCutoff(at, loc, time.Tuesday, 12)
	require.Equal(t, time.Date(2024, time.May, 14, 12, 0, 0, 0, loc), next)

	// One second earlier still lands on the same day.
	next = NextCutoff(at.Add(-time.Second), loc, time.Tuesday, 12)
	require.Equal(t, at, next)
}

func TestNextCutoffCrossesWeekBoundary(t *testing.T) {
	loc := eastern(t)
	// Thursday: the next Tuesday cutoff is five days out.
	at := time.Date(2024, time.May, 2, 10, 0, 0, 0, loc)

	next := NextCutoff(at, loc, time.Tuesday, 12)
	require.Equal(t, time.Date(2024, time.May, 7, 12, 0, 0, 0, loc), next)
}

func TestVisibleAtSameWeekWhenCreatedBeforeRelease(t *testing.T) {
	loc := eastern(t)
	// Tuesday 12:59 Eastern, one minute before the 1 PM release.
	created := time.Date(2024, time.May, 7, 12, 59, 0, 0, loc)

	require.Equal(t, time.Date(2024, time.May, 7, 13, 0, 0, 0, loc), VisibleAt(created, loc))
}

func TestVisibleAtNextWeekWhenCreatedAtRelease(t *testing.T) {
	loc := eastern(t)
	// Creation exactly at the release instant waits for the next window.
	created := time.Date(2024, time.May, 7, 13, 0, 0, 0, loc)

	require.Equal(t, time.Date(2024, time.May, 14, 13, 0, 0, 0, loc), VisibleAt(created, loc))
}

func TestVisibleAtHoldsHourAcrossDSTTransition(t *testing.T) {
	loc := eastern(t)
	// Created Friday before the spring-forward Sunday (2024-03-10). The
	// release lands the following Tuesday still at 1 PM civil time even
	// though the UTC offset changed from -05 to -04.
	created := time.Date(2024, time.March, 8, 9, 0, 0, 0, loc)

	visible := VisibleAt(created, loc)
	require.Equal(t, time.Date(2024, time.March, 12, 13, 0, 0, 0, loc), visible)
	require.Equal(t, "2024-03-12T17:00:00Z", visible.UTC().Format(time.RFC3339))
}

func TestVisibleOn(t *testing.T) {
	loc := eastern(t)
	created := time.Date(2024, time.May, 2, 10, 0, 0, 0, loc) // Thursday

	require.False(t, VisibleOn(created, time.Date(2024, time.May, 7, 12, 59, 0, 0, loc), loc))
	require.True(t, VisibleOn(created, time.Date(2024, time.May, 7, 13, 0, 0, 0, loc), loc))
}

func TestHasVisibilityWindow(t *testing.T) {
	loc := eastern(t)
	created := time.Date(2024, time.May, 2, 10, 0, 0, 0, loc) // Thursday
	release := time.Date(2024, time.May, 7, 13, 0, 0, 0, loc) // next Tuesday 1 PM

	// Expires before it would ever be shown.
	require.False(t, HasVisibilityWindow(created, release.Add(-time.Hour), loc))
	// Expires exactly at release: still never shown.
	require.False(t, HasVisibilityWindow(created, release, loc))
	// Any time past release counts.
	require.True(t, HasVisibilityWindow(created, release.Add(time.Minute), loc))
}

func TestPresaleExpiration(t *testing.T) {
	loc := eastern(t)
	// Thursday creation expires the following Tuesday at noon Eastern.
	created := time.Date(2024, time.May, 2, 10, 0, 0, 0, loc)

	exp := PresaleExpiration(created, loc)
	require.Equal(t, time.Date(2024, time.May, 7, 12, 0, 0, 0, loc), exp)
	require.Equal(t, "2024-05-07T16:00:00Z", exp.UTC().Format(time.RFC3339))
}

func TestMiningCenterExpiration(t *testing.T) {
	loc := eastern(t)
	created := time.Date(2024, time.May, 2, 10, 0, 0, 0, loc) // Thursday

	exp := MiningCenterExpiration(created, loc)
	require.Equal(t, time.Date(2024, time.May, 4, 14, 0, 0, 0, loc), exp)

	// Created on Saturday after the cutoff: a full week out.
	late := time.Date(2024, time.May, 4, 15, 0, 0, 0, loc)
	require.Equal(t, time.Date(2024, time.May, 11, 14, 0, 0, 0, loc), MiningCenterExpiration(late, loc))
}
