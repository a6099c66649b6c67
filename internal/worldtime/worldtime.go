// Package worldtime maps simulation ticks to seasons and time-of-day slots.
// Every component that needs a season or slot goes through this package.
package worldtime

// One tick is one simulated second.
const (
	TicksPerDay    = 86400
	DaysPerSeason  = 7
	DaysPerYear    = 28
	HoursPerSlot   = 4
	hoursPerDayInt = 24
)

// Season is one of the four seasons of the 28-day year.
type Season string

const (
	Spring Season = "spring"
	Summer Season = "summer"
	Autumn Season = "autumn"
	Winter Season = "winter"
)

var seasons = [4]Season{Spring, Summer, Autumn, Winter}

// Slot is one of the six 4-hour windows of a day.
type Slot string

const (
	Dawn      Slot = "dawn"
	Morning   Slot = "morning"
	Noon      Slot = "noon"
	Afternoon Slot = "afternoon"
	Evening   Slot = "evening"
	Night     Slot = "night"
)

// Slots lists every slot in day order starting at dawn.
var Slots = []Slot{Dawn, Morning, Noon, Afternoon, Evening, Night}

// slotByWindow is indexed by hour/4; hours 0-3 are night.
var slotByWindow = [6]Slot{Night, Dawn, Morning, Noon, Afternoon, Evening}

// Day returns the zero-based day number of a tick.
func Day(tick int64) int64 {
	if tick < 0 {
		return 0
	}
	return tick / TicksPerDay
}

// SeasonAt returns the season of the given tick.
func SeasonAt(tick int64) Season {
	return seasons[(Day(tick)%DaysPerYear)/DaysPerSeason]
}

// HourAt returns the hour of day (0-23) of the given tick.
func HourAt(tick int64) int {
	if tick < 0 {
		return 0
	}
	return int((tick % TicksPerDay) * hoursPerDayInt / TicksPerDay)
}

// SlotAt returns the time-of-day slot of the given tick.
func SlotAt(tick int64) Slot {
	return SlotForHour(HourAt(tick))
}

// SlotForHour buckets an hour of day into its slot.
func SlotForHour(hour int) Slot {
	if hour < 0 || hour >= hoursPerDayInt {
		hour = ((hour % hoursPerDayInt) + hoursPerDayInt) % hoursPerDayInt
	}
	return slotByWindow[hour/HoursPerSlot]
}

// ValidSlot reports whether s names one of the six slots.
func ValidSlot(s Slot) bool {
	for _, slot := range Slots {
		if slot == s {
			return true
		}
	}
	return false
}

// ValidSeason reports whether s names one of the four seasons.
func ValidSeason(s Season) bool {
	for _, season := range seasons {
		if season == s {
			return true
		}
	}
	return false
}
