package snipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() JobParams {
	return JobParams{
		VenueID:     "8274",
		PartySize:   2,
		IdealDate:   "2025-07-04",
		IdealTime:   "19:00",
		WindowHours: 1,
		DropTime:    time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewJob(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid fixed date", func(t *testing.T) {
		j, err := NewJob(validParams(), now)
		require.NoError(t, err)
		assert.Equal(t, "2025-07-04", j.Day())
		assert.Equal(t, "19:00", j.IdealTime.String())
		assert.Equal(t, time.Hour, j.Window)
	})

	t.Run("days in advance resolves against now", func(t *testing.T) {
		p := validParams()
		p.IdealDate = ""
		p.DaysInAdvance = 30
		j, err := NewJob(p, now)
		require.NoError(t, err)
		assert.Equal(t, "2025-07-01", j.Day())
	})

	t.Run("both date forms rejected", func(t *testing.T) {
		p := validParams()
		p.DaysInAdvance = 30
		_, err := NewJob(p, now)
		assert.ErrorIs(t, err, ErrInvalidJob)
	})

	t.Run("neither date form rejected", func(t *testing.T) {
		p := validParams()
		p.IdealDate = ""
		_, err := NewJob(p, now)
		assert.ErrorIs(t, err, ErrInvalidJob)
	})

	t.Run("field validation", func(t *testing.T) {
		cases := []struct {
			name   string
			mutate func(*JobParams)
		}{
			{"missing venue", func(p *JobParams) { p.VenueID = "" }},
			{"zero party size", func(p *JobParams) { p.PartySize = 0 }},
			{"negative window", func(p *JobParams) { p.WindowHours = -0.5 }},
			{"bad ideal time", func(p *JobParams) { p.IdealTime = "25:00" }},
			{"bad ideal date", func(p *JobParams) { p.IdealDate = "07/04/2025" }},
			{"zero drop time", func(p *JobParams) { p.DropTime = time.Time{} }},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				p := validParams()
				tc.mutate(&p)
				_, err := NewJob(p, now)
				assert.ErrorIs(t, err, ErrInvalidJob)
			})
		}
	})

	t.Run("natural key distinguishes date and drop", func(t *testing.T) {
		a, err := NewJob(validParams(), now)
		require.NoError(t, err)

		b := validParams()
		b.PreferEarlier = true
		b.PreferredSeatingType = "Patio"
		jb, err := NewJob(b, now)
		require.NoError(t, err)
		assert.Equal(t, a.Key(), jb.Key(), "preference fields are not part of identity")

		c := validParams()
		c.DropTime = c.DropTime.Add(time.Minute)
		jc, err := NewJob(c, now)
		require.NoError(t, err)
		assert.NotEqual(t, a.Key(), jc.Key())
	})
}

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("18:15")
	require.NoError(t, err)
	assert.Equal(t, "18:15", got.String())

	got, err = ParseTimeOfDay("18:15:00")
	require.NoError(t, err)
	assert.Equal(t, "18:15", got.String())

	for _, bad := range []string{"", "1815", "24:00", "18:60", "x:y"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}
