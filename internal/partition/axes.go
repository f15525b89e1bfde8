package partition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Axes are the dimensions whose Cartesian product covers the search space.
// Qualifiers are appended verbatim to every query.
type Axes struct {
	Languages   []string
	DateRanges  []DateRange
	StarBuckets []StarBucket
	Qualifiers  []string
	MaxResults  int
}

// DefaultAxes mirrors the production crawl: eight languages, the years
// 2020 through 2025 and five star buckets.
func DefaultAxes() Axes {
	years := make([]DateRange, 0, 6)
	for y := 2020; y <= 2025; y++ {
		years = append(years, Year(y))
	}
	return Axes{
		Languages:  []string{"Python", "JavaScript", "TypeScript", "Go", "Rust", "Java", "C++", "Ruby"},
		DateRanges: years,
		StarBuckets: []StarBucket{
			{Min: 1, Max: 10},
			{Min: 10, Max: 50},
			{Min: 50, Max: 200},
			{Min: 200, Max: 1000},
			{Min: 1000, Max: 10000},
		},
		MaxResults: DefaultMaxResults,
	}
}

// Validate checks every axis is non-empty and well formed.
func (a Axes) Validate() error {
	if len(a.Languages) == 0 {
		return errors.New("partition: at least one language is required")
	}
	if len(a.DateRanges) == 0 {
		return errors.New("partition: at least one date range is required")
	}
	if len(a.StarBuckets) == 0 {
		return errors.New("partition: at least one star bucket is required")
	}
	for _, r := range a.DateRanges {
		if r.To.Before(r.From) {
			return fmt.Errorf("partition: date range %s ends before it starts", r)
		}
	}
	for _, b := range a.StarBuckets {
		if b.Min < 0 || (b.Max > 0 && b.Max < b.Min) {
			return fmt.Errorf("partition: invalid star bucket %s", b)
		}
	}
	return nil
}

// Size returns the number of partitions Generate produces.
func (a Axes) Size() int {
	return len(a.Languages) * len(a.DateRanges) * len(a.StarBuckets)
}

// Generate returns the Cartesian product of the axes, nested language, then
// date range, then star bucket. It is pure and deterministic.
func Generate(a Axes) []Partition {
	maxResults := a.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	out := make([]Partition, 0, a.Size())
	for _, lang := range a.Languages {
		for _, created := range a.DateRanges {
			for _, stars := range a.StarBuckets {
				out = append(out, Partition{
					Language:   lang,
					Created:    created,
					Stars:      stars,
					Qualifiers: a.Qualifiers,
					MaxResults: maxResults,
				})
			}
		}
	}
	return out
}

// ParseStarBucket parses "lo..hi", "lo..*" or ">=lo".
func ParseStarBucket(s string) (StarBucket, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, ">="); ok {
		lo, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return StarBucket{}, fmt.Errorf("parse star bucket %q: %w", s, err)
		}
		return StarBucket{Min: lo}, nil
	}
	loStr, hiStr, ok := strings.Cut(s, "..")
	if !ok {
		return StarBucket{}, fmt.Errorf("parse star bucket %q: expected lo..hi", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(loStr))
	if err != nil {
		return StarBucket{}, fmt.Errorf("parse star bucket %q: %w", s, err)
	}
	hiStr = strings.TrimSpace(hiStr)
	if hiStr == "*" || hiStr == "" {
		return StarBucket{Min: lo}, nil
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil {
		return StarBucket{}, fmt.Errorf("parse star bucket %q: %w", s, err)
	}
	if hi < lo {
		return StarBucket{}, fmt.Errorf("parse star bucket %q: upper bound below lower bound", s)
	}
	return StarBucket{Min: lo, Max: hi}, nil
}

// ParseDateRange parses "YYYY-MM-DD..YYYY-MM-DD" or a bare year "YYYY".
func ParseDateRange(s string) (DateRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 4 {
		y, err := strconv.Atoi(s)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse date range %q: %w", s, err)
		}
		return Year(y), nil
	}
	fromStr, toStr, ok := strings.Cut(s, "..")
	if !ok {
		return DateRange{}, fmt.Errorf("parse date range %q: expected from..to", s)
	}
	from, err := time.Parse(dateLayout, strings.TrimSpace(fromStr))
	if err != nil {
		return DateRange{}, fmt.Errorf("parse date range %q: %w", s, err)
	}
	to, err := time.Parse(dateLayout, strings.TrimSpace(toStr))
	if err != nil {
		return DateRange{}, fmt.Errorf("parse date range %q: %w", s, err)
	}
	if to.Before(from) {
		return DateRange{}, fmt.Errorf("parse date range %q: end before start", s)
	}
	return DateRange{From: from, To: to}, nil
}

// ParseAxes builds Axes from configuration strings.
func ParseAxes(languages, dateRanges, starBuckets, qualifiers []string, maxResults int) (Axes, error) {
	axes := Axes{
		Languages:  append([]string(nil), languages...),
		Qualifiers: append([]string(nil), qualifiers...),
		MaxResults: maxResults,
	}
	for _, s := range dateRanges {
		r, err := ParseDateRange(s)
		if err != nil {
			return Axes{}, err
		}
		axes.DateRanges = append(axes.DateRanges, r)
	}
	for _, s := range starBuckets {
		b, err := ParseStarBucket(s)
		if err != nil {
			return Axes{}, err
		}
		axes.StarBuckets = append(axes.StarBuckets, b)
	}
	if err := axes.Validate(); err != nil {
		return Axes{}, err
	}
	return axes, nil
}
