package ranking

import (
	"regexp"
	"strconv"
	"time"

	"github.com/kb-assistant/backend/internal/storage/models"
)

type precision int

const (
	precisionYear precision = iota + 1
	precisionMonth
	precisionDay
)

// DateSignal is a document date and how precisely it is known.
type DateSignal struct {
	Time      time.Time
	precision precision
}

var (
	dayPattern     = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})[-_/.](0[1-9]|1[0-2])[-_/.](0[1-9]|[12]\d|3[01])(?:\D|$)`)
	compactPattern = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])(?:\D|$)`)
	monthPattern   = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})[-_/](0[1-9]|1[0-2])(?:\D|$)`)
	yearPattern    = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})(?:\D|$)`)
)

// ExtractDate finds the best date signal for a source. The explicit document
// date wins, then patterns in the URL, source id and title, most precise first.
func ExtractDate(md models.SourceMetadata) (DateSignal, bool) {
	if !md.DocumentDate.IsZero() {
		return DateSignal{Time: md.DocumentDate.UTC(), precision: precisionDay}, true
	}

	fields := []string{md.URL, md.SourceID, md.Title}
	for _, try := range []func(string) (DateSignal, bool){matchDay, matchMonth, matchYear} {
		for _, f := range fields {
			if f == "" {
				continue
			}
			if d, ok := try(f); ok {
				return d, true
			}
		}
	}
	return DateSignal{}, false
}

func matchDay(s string) (DateSignal, bool) {
	for _, re := range []*regexp.Regexp{dayPattern, compactPattern} {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		y, mo, d := atoi(m[1]), atoi(m[2]), atoi(m[3])
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		if t.Day() != d {
			continue
		}
		return DateSignal{Time: t, precision: precisionDay}, true
	}
	return DateSignal{}, false
}

func matchMonth(s string) (DateSignal, bool) {
	m := monthPattern.FindStringSubmatch(s)
	if m == nil {
		return DateSignal{}, false
	}
	t := time.Date(atoi(m[1]), time.Month(atoi(m[2])), 1, 0, 0, 0, 0, time.UTC)
	return DateSignal{Time: t, precision: precisionMonth}, true
}

func matchYear(s string) (DateSignal, bool) {
	m := yearPattern.FindStringSubmatch(s)
	if m == nil {
		return DateSignal{}, false
	}
	t := time.Date(atoi(m[1]), time.January, 1, 0, 0, 0, 0, time.UTC)
	return DateSignal{Time: t, precision: precisionYear}, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// After reports whether d is strictly newer than o, compared at the coarser of
// the two precisions. A bare year never beats a full date within that year.
func (d DateSignal) After(o DateSignal) bool {
	p := min(d.precision, o.precision)
	return d.truncate(p).After(o.truncate(p))
}

func (d DateSignal) truncate(p precision) time.Time {
	t := d.Time
	switch p {
	case precisionYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case precisionMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
