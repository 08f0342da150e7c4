package scheduling

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinimumLeadTime is the shortest gap between now and a bookable same-day slot
const MinimumLeadTime = 30 * time.Minute

var slotStartPattern = regexp.MustCompile(`(?i)^\s*(\d{1,2}):(\d{2})\s*([ap]m)\b`)

// FilterAvailableSlots drops same-day slots that start less than MinimumLeadTime
// after now. selectedDate is read as a calendar date regardless of its location;
// other days are returned unchanged. Slots whose leading time cannot be parsed
// are kept. Input order is preserved.
func FilterAvailableSlots(slots []string, selectedDate, now time.Time) []string {
	if len(slots) == 0 {
		return []string{}
	}

	if !sameDay(selectedDate, now) {
		return slots
	}

	threshold := now.Hour()*60 + now.Minute() + int(MinimumLeadTime/time.Minute)

	available := make([]string, 0, len(slots))
	for _, slot := range slots {
		minutes, ok := parseSlotStart(slot)
		if !ok || minutes >= threshold {
			available = append(available, slot)
		}
	}
	return available
}

// parseSlotStart returns the minutes since midnight of a slot's leading "H:MM AM|PM" token
func parseSlotStart(slot string) (int, bool) {
	m := slotStartPattern.FindStringSubmatch(slot)
	if m == nil {
		return 0, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return 0, false
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil || minute > 59 {
		return 0, false
	}

	hour %= 12
	if strings.EqualFold(m[3], "pm") {
		hour += 12
	}
	return hour*60 + minute, true
}

// slotKey identifies a slot for the one-booking-per-slot rule
func slotKey(slot string) string {
	if minutes, ok := parseSlotStart(slot); ok {
		return strconv.Itoa(minutes)
	}
	return strings.ToLower(strings.TrimSpace(slot))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
