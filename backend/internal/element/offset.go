package element

import "time"

// Relative date markers a claim may carry
const (
	OffsetYesterday      = "YESTERDAY"
	OffsetTwoDaysAgo     = "TWO_DAYS_AGO"
	OffsetTodayMorning   = "TODAY_MORNING"
	OffsetTodayAfternoon = "TODAY_AFTERNOON"
	OffsetTomorrow       = "TOMORROW"
	OffsetLastWeek       = "LAST_WEEK"
	OffsetNextWeek       = "NEXT_WEEK"
)

// ApplyOffset shifts base by a relative date marker. Unknown or empty markers leave base unchanged.
func ApplyOffset(base time.Time, offset string) time.Time {
	switch offset {
	case OffsetYesterday:
		return base.AddDate(0, 0, -1)
	case OffsetTwoDaysAgo:
		return base.AddDate(0, 0, -2)
	case OffsetTodayMorning:
		return atHour(base, 10)
	case OffsetTodayAfternoon:
		return atHour(base, 15)
	case OffsetTomorrow:
		return base.AddDate(0, 0, 1)
	case OffsetLastWeek:
		return base.AddDate(0, 0, -7)
	case OffsetNextWeek:
		return base.AddDate(0, 0, 7)
	}
	return base
}

func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}
