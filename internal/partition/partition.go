// Package partition splits the repository search space into queries whose
// individual result counts stay under the API's per-query cap.
package partition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxResults is the number of results the search API returns for a
// single query before truncating.
const DefaultMaxResults = 1000

const dateLayout = "2006-01-02"

// StarBucket is an inclusive star range. Max of zero means open-ended.
type StarBucket struct {
	Min int
	Max int
}

// Qualifier renders the bucket as a search qualifier.
func (b StarBucket) Qualifier() string {
	if b.Max <= 0 {
		return fmt.Sprintf("stars:>=%d", b.Min)
	}
	return fmt.Sprintf("stars:%d..%d", b.Min, b.Max)
}

func (b StarBucket) String() string {
	if b.Max <= 0 {
		return fmt.Sprintf("%d..*", b.Min)
	}
	return fmt.Sprintf("%d..%d", b.Min, b.Max)
}

// DateRange is an inclusive range of creation days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Qualifier renders the range as a search qualifier.
func (r DateRange) Qualifier() string {
	return fmt.Sprintf("created:%s..%s", r.From.Format(dateLayout), r.To.Format(dateLayout))
}

func (r DateRange) String() string {
	return r.From.Format(dateLayout) + ".." + r.To.Format(dateLayout)
}

// Year returns the calendar-year range for year.
func Year(year int) DateRange {
	return DateRange{
		From: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// Partition is one slice of the search space plus its pagination cursor.
type Partition struct {
	Language   string
	Created    DateRange
	Stars      StarBucket
	Qualifiers []string
	Cursor     string
	MaxResults int
}

// Key identifies the partition independently of its cursor.
func (p Partition) Key() string {
	return strings.Join([]string{p.Language, p.Created.String(), p.Stars.String()}, "|")
}

// Query renders the search expression for the partition.
func (p Partition) Query() string {
	parts := make([]string, 0, 3+len(p.Qualifiers))
	if p.Language != "" {
		lang := p.Language
		if strings.ContainsAny(lang, " \t") {
			lang = strconv.Quote(lang)
		}
		parts = append(parts, "language:"+lang)
	}
	parts = append(parts, p.Stars.Qualifier(), p.Created.Qualifier())
	parts = append(parts, p.Qualifiers...)
	return strings.Join(parts, " ")
}

// WithCursor returns a copy positioned at cursor.
func (p Partition) WithCursor(cursor string) Partition {
	p.Cursor = cursor
	return p
}

func (p Partition) String() string {
	return p.Query()
}
