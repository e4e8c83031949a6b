package util

import (
	"fmt"
	"time"
	_ "time/tzdata" // settlement days are defined in Europe/London
)

// SettlementPeriod is the length of one GB settlement period.
const SettlementPeriod = 30 * time.Minute

var london = mustLoadLocation("Europe/London")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("loading %s: %v", name, err))
	}
	return loc
}

// settlementDayBounds returns the absolute start and end of the settlement
// day for date (YYYY-MM-DD), which runs between local midnights in London.
func settlementDayBounds(date string) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", date, london)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing settlement date %q: %w", date, err)
	}
	next := time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, london)
	return d, next, nil
}

// PeriodsInDay returns the number of settlement periods on date: 48 normally,
// 46 on the spring clock change and 50 on the autumn one.
func PeriodsInDay(date string) (int, error) {
	start, end, err := settlementDayBounds(date)
	if err != nil {
		return 0, err
	}
	return int(end.Sub(start) / SettlementPeriod), nil
}

// SettlementPeriodStart returns the UTC start instant of the given 1-based
// settlement period on date.
func SettlementPeriodStart(date string, period int) (time.Time, error) {
	start, end, err := settlementDayBounds(date)
	if err != nil {
		return time.Time{}, err
	}
	n := int(end.Sub(start) / SettlementPeriod)
	if period < 1 || period > n {
		return time.Time{}, fmt.Errorf("settlement period %d out of range 1..%d for %s", period, n, date)
	}
	return start.Add(time.Duration(period-1) * SettlementPeriod).UTC(), nil
}

// SettlementPeriodOf returns the settlement date and 1-based period that
// contain the instant t.
func SettlementPeriodOf(t time.Time) (string, int) {
	local := t.In(london)
	date := local.Format("2006-01-02")
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, london)
	return date, int(t.Sub(start)/SettlementPeriod) + 1
}
