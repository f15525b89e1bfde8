package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCardinalityAndOrder(t *testing.T) {
	t.Parallel()

	axes := Axes{
		Languages:   []string{"Go", "Rust"},
		DateRanges:  []DateRange{Year(2020), Year(2021), Year(2022)},
		StarBuckets: []StarBucket{{Min: 1, Max: 10}, {Min: 10, Max: 50}},
	}
	parts := Generate(axes)
	require.Len(t, parts, 2*3*2)
	require.Equal(t, axes.Size(), len(parts))

	assert.Equal(t, "language:Go stars:1..10 created:2020-01-01..2020-12-31", parts[0].Query())
	assert.Equal(t, "language:Go stars:10..50 created:2020-01-01..2020-12-31", parts[1].Query())
	assert.Equal(t, "language:Go stars:1..10 created:2021-01-01..2021-12-31", parts[2].Query())
	assert.Equal(t, "language:Rust stars:10..50 created:2022-01-01..2022-12-31", parts[11].Query())
	for _, p := range parts {
		assert.Equal(t, DefaultMaxResults, p.MaxResults)
		assert.Empty(t, p.Cursor)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()

	axes := DefaultAxes()
	first := Generate(axes)
	second := Generate(axes)
	require.Equal(t, first, second)
	require.Len(t, first, 8*6*5)

	keys := make(map[string]struct{}, len(first))
	for _, p := range first {
		keys[p.Key()] = struct{}{}
	}
	require.Len(t, keys, len(first), "partition keys must be unique")
}

func TestQueryRendering(t *testing.T) {
	t.Parallel()

	p := Partition{
		Language:   "Visual Basic",
		Created:    DateRange{From: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC)},
		Stars:      StarBucket{Min: 10000},
		Qualifiers: []string{"fork:false"},
	}
	require.Equal(t, `language:"Visual Basic" stars:>=10000 created:2023-02-01..2023-02-28 fork:false`, p.Query())
	require.Equal(t, p.Key(), p.WithCursor("abc").Key(), "cursor is not part of the key")
}

func TestParseStarBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    StarBucket
		wantErr bool
	}{
		{in: "1..10", want: StarBucket{Min: 1, Max: 10}},
		{in: " 200 .. 1000 ", want: StarBucket{Min: 200, Max: 1000}},
		{in: "1000..*", want: StarBucket{Min: 1000}},
		{in: ">=5000", want: StarBucket{Min: 5000}},
		{in: "10..5", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "x..10", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStarBucket(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDateRange(t *testing.T) {
	t.Parallel()

	r, err := ParseDateRange("2024")
	require.NoError(t, err)
	require.Equal(t, Year(2024), r)

	r, err = ParseDateRange("2024-01-01..2024-06-30")
	require.NoError(t, err)
	require.Equal(t, "2024-01-01..2024-06-30", r.String())

	_, err = ParseDateRange("2024-06-30..2024-01-01")
	require.Error(t, err)
	_, err = ParseDateRange("yesterday")
	require.Error(t, err)
}

func TestParseAxes(t *testing.T) {
	t.Parallel()

	axes, err := ParseAxes([]string{"Go"}, []string{"2020", "2021"}, []string{"1..10", "10..*"}, nil, 500)
	require.NoError(t, err)
	require.Equal(t, 4, axes.Size())
	require.Equal(t, 500, Generate(axes)[0].MaxResults)

	_, err = ParseAxes(nil, []string{"2020"}, []string{"1..10"}, nil, 0)
	require.ErrorContains(t, err, "language")
	_, err = ParseAxes([]string{"Go"}, nil, []string{"1..10"}, nil, 0)
	require.ErrorContains(t, err, "date range")
	_, err = ParseAxes([]string{"Go"}, []string{"2020"}, []string{"bad"}, nil, 0)
	require.ErrorContains(t, err, "star bucket")
}
