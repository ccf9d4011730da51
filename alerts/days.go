package alerts

import (
	"strings"
	"time"

	"ooo-mirror/model"
)

const dayLayout = "2006-01-02"

// ActiveDays lists the local calendar days ev covers, as YYYY-MM-DD. The end of an event
// is exclusive for both all-day and timed events. An event whose times cannot be read
// counts for today in UTC.
func ActiveDays(ev model.CandidateEvent, loc *time.Location, now time.Time) []string {
	if loc == nil {
		loc = time.UTC
	}
	if ev.AllDay {
		if days, ok := allDayDays(ev.Start, ev.End, loc); ok {
			return days
		}
	} else if days, ok := timedDays(ev.Start, ev.End, loc); ok {
		return days
	}
	return []string{now.UTC().Format(dayLayout)}
}

func allDayDays(start, end string, loc *time.Location) ([]string, bool) {
	first, err := time.ParseInLocation(dayLayout, start, loc)
	if err != nil {
		return nil, false
	}
	last, err := time.ParseInLocation(dayLayout, end, loc)
	if err != nil {
		return nil, false
	}
	var days []string
	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dayLayout))
	}
	return days, true
}

func timedDays(start, end string, loc *time.Location) ([]string, bool) {
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, false
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return nil, false
	}
	from, to = from.In(loc), to.In(loc)
	first := midnight(from)
	if !to.After(from) {
		return []string{first.Format(dayLayout)}, true
	}
	last := midnight(to.Add(-time.Nanosecond))
	var days []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dayLayout))
	}
	return days, true
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// labelSeparators may follow the marker in a title, as in "OOO - ROHAN (APAC)".
var labelSeparators = []string{":", "-", "\u2013", "\u2014", "|"}

// Label names the person behind an absence. A configured label for the calendar wins;
// otherwise the title minus its marker; otherwise the mailbox name.
func Label(calendarID, title, marker string, labels map[string]string) string {
	if l, ok := labels[calendarID]; ok && strings.TrimSpace(l) != "" {
		return strings.TrimSpace(l)
	}

	s := strings.TrimSpace(title)
	if len(s) >= len(marker) && strings.EqualFold(s[:len(marker)], marker) {
		s = strings.TrimSpace(s[len(marker):])
		for _, sep := range labelSeparators {
			if strings.HasPrefix(s, sep) {
				s = strings.TrimSpace(s[len(sep):])
				break
			}
		}
	}
	if s == "" {
		return labelFromAddress(calendarID)
	}
	return s
}

func labelFromAddress(address string) string {
	local, _, _ := strings.Cut(address, "@")
	local = strings.TrimSpace(local)
	if local == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(strings.NewReplacer(".", " ", "_", " ").Replace(local))
}
