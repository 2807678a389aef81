package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keeper-backup/keeper/internal/service"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		valid    bool
	}{
		{"valid_5_fields", "*/15 * * * *", true},
		{"valid_daily", "0 3 * * *", true},
		{"macro_hourly", "@hourly", true},
		{"macro_every", "@every 5m", true},
		{"invalid_field_count_6", "0 */2 * * * *", false},
		{"invalid_field_count_4", "* * * *", false},
		{"invalid_token", "* * 32 * *", false},
		{"empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := service.ParseCron(tc.given)
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestParseEvery(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		want     time.Duration
		valid    bool
	}{
		{"seconds", "30s", 30 * time.Second, true},
		{"minutes", "15m", 15 * time.Minute, true},
		{"combined", "1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, true},
		{"days_only", "7d", 7 * 24 * time.Hour, true},
		{"zero", "0s", 0, false},
		{"empty", "", 0, false},
		{"go_syntax_rejected", "1h30m10ms", 0, false},
		{"out_of_order", "3m2h", 0, false},
		{"garbage", "soon", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := service.ParseEvery(tc.given)
			if tc.valid {
				require.NoError(t, err)
				require.Equal(t, tc.want, d)
			} else {
				require.Error(t, err)
			}
		})
	}
}
