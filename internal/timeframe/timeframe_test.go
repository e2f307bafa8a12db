package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantora/strategyworker/internal/domain"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in       string
		interval string
		table    string
		direct   bool
	}{
		{"5m", "5 minutes", domain.TableOHLCV1m, false},
		{"2h", "2 hours", domain.TableOHLCV1m, false},
		{"3w", "3 weeks", domain.TableOHLCV1d, false},
		{"7", "7 minutes", domain.TableOHLCV1m, false},
		{"2y", "2 years", domain.TableOHLCV1d, false},
		{"1m", "1 minutes", domain.TableOHLCV1m, true},
		{"1d", "1 days", domain.TableOHLCV1d, true},
		{"3mo", "3 months", domain.TableOHLCV1d, false},
		{"2q", "6 months", domain.TableOHLCV1d, false},
		{"1h", "1 hours", domain.TableOHLCV1m, false},
	}
	for _, tc := range cases {
		tf, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.interval, tf.Interval(), tc.in)
		assert.Equal(t, tc.table, tf.Table, tc.in)
		assert.Equal(t, tc.direct, tf.Direct, tc.in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"5xy", "", "m", "-3d", "1.5h", "d5", "0d"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, domain.ErrBadTimeframe, in)
	}
}

func TestBaseTableByUnit(t *testing.T) {
	// Sub-daily units resolve to the minute table, daily-or-higher to the
	// daily table.
	subDaily := []string{"1m", "15m", "90", "1h", "4h"}
	for _, in := range subDaily {
		tf, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, domain.TableOHLCV1m, tf.Table, in)
	}
	dailyUp := []string{"1d", "5d", "1w", "1mo", "1q", "1y"}
	for _, in := range dailyUp {
		tf, err := Parse(in)
		require.NoError(t, err)
		assert.Equal(t, domain.TableOHLCV1d, tf.Table, in)
	}
}

func TestApproxOrdering(t *testing.T) {
	small, err := Parse("5m")
	require.NoError(t, err)
	big, err := Parse("1d")
	require.NoError(t, err)
	assert.Less(t, small.Approx(), big.Approx())
	assert.Equal(t, 5*time.Minute, small.Approx())
}
