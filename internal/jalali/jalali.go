// Package jalali converts Solar Hijri (Jalali) calendar timestamps, as
// emitted by the telephony system, into absolute time.
package jalali

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// breaks are the years at which the 33-year leap cycle pattern shifts.
var breaks = [...]int{
	-61, 9, 38, 199, 426, 686, 756, 818, 1111, 1181, 1210,
	1635, 2060, 2097, 2192, 2262, 2324, 2394, 2456, 3178,
}

// marchDay returns the day of Gregorian March on which Farvardin 1 of
// Jalali year jy falls, together with the Gregorian year.
func marchDay(jy int) (gy, march int, err error) {
	if jy < breaks[0] || jy >= breaks[len(breaks)-1] {
		return 0, 0, fmt.Errorf("jalali: year %d out of range", jy)
	}
	gy = jy + 621
	leapJ := -14
	jp := breaks[0]
	var jump int
	for i := 1; i < len(breaks); i++ {
		jm := breaks[i]
		jump = jm - jp
		if jy < jm {
			break
		}
		leapJ += jump/33*8 + (jump%33)/4
		jp = jm
	}
	n := jy - jp
	leapJ += n/33*8 + (n%33+3)/4
	if jump%33 == 4 && jump-n == 4 {
		leapJ++
	}
	leapG := gy/4 - (gy/100+1)*3/4 - 150
	return gy, 20 + leapJ - leapG, nil
}

// yearLength is the number of days from Farvardin 1 of jy to Farvardin 1
// of the next year: 366 in leap years, 365 otherwise.
func yearLength(jy int) (int, error) {
	gy, march, err := marchDay(jy)
	if err != nil {
		return 0, err
	}
	ngy, nmarch, err := marchDay(jy + 1)
	if err != nil {
		return 0, err
	}
	start := time.Date(gy, time.March, march, 0, 0, 0, 0, time.UTC)
	end := time.Date(ngy, time.March, nmarch, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24), nil
}

// Date returns the instant of the given Jalali wall-clock time in loc.
func Date(jy, jm, jd, hour, min, sec int, loc *time.Location) (time.Time, error) {
	if jm < 1 || jm > 12 {
		return time.Time{}, fmt.Errorf("jalali: month %d out of range", jm)
	}
	maxDay := 31
	if jm > 6 {
		maxDay = 30
	}
	if jd < 1 || jd > maxDay {
		return time.Time{}, fmt.Errorf("jalali: day %d out of range for month %d", jd, jm)
	}
	gy, march, err := marchDay(jy)
	if err != nil {
		return time.Time{}, err
	}
	if jm == 12 && jd == 30 {
		days, err := yearLength(jy)
		if err != nil {
			return time.Time{}, err
		}
		if days != 366 {
			return time.Time{}, fmt.Errorf("jalali: day 30 of month 12 does not exist in common year %d", jy)
		}
	}
	// Days elapsed since Farvardin 1: six 31-day months, then 30-day months.
	offset := (jm-1)*31 - (jm/7)*(jm-7) + jd - 1
	return time.Date(gy, time.March, march, hour, min, sec, 0, loc).AddDate(0, 0, offset), nil
}

// Parse reads a telephony date string. Two shapes are accepted:
//
//	1403-11-21 10:29:13
//	1403-11-21T10:29:13.000Z
//
// Both are Jalali. The second one only carries a date: its time part and
// the Z marker are ignored and the result is midnight in loc.
func Parse(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}

	var datePart, timePart string
	switch {
	case strings.Contains(s, "T"):
		datePart, _, _ = strings.Cut(s, "T")
	case strings.Contains(s, " "):
		datePart, timePart, _ = strings.Cut(s, " ")
	default:
		datePart = s
	}

	ymd, err := splitInts(datePart, "-", 3)
	if err != nil {
		return time.Time{}, fmt.Errorf("jalali: parse date %q: %w", s, err)
	}
	hms := []int{0, 0, 0}
	if timePart != "" {
		if hms, err = splitInts(strings.TrimSpace(timePart), ":", 3); err != nil {
			return time.Time{}, fmt.Errorf("jalali: parse time %q: %w", s, err)
		}
		if hms[0] > 23 || hms[1] > 59 || hms[2] > 59 {
			return time.Time{}, fmt.Errorf("jalali: parse time %q: out of range", s)
		}
	}
	return Date(ymd[0], ymd[1], ymd[2], hms[0], hms[1], hms[2], loc)
}

func splitInts(s, sep string, n int) ([]int, error) {
	parts := strings.Split(s, sep)
	if len(parts) != n {
		return nil, fmt.Errorf("want %d fields, got %d", n, len(parts))
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("field %q is not a number", p)
		}
		out[i] = v
	}
	return out, nil
}
