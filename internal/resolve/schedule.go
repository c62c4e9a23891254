package resolve

import (
	"encoding/json"
	"time"

	"github.com/coder89/ha-besmart/internal/besmart"
)

// ScheduleMarker looks up the program slot for instant now in the 7x48
// weekly grid. Rows run Sunday=0..Saturday=6, columns hour*2 plus one past
// the half hour. Returns the comfort marker and false when the grid is
// absent, truncated or holds anything but the three known markers.
func ScheduleMarker(program json.RawMessage, now time.Time) (besmart.Marker, bool) {
	if len(program) == 0 {
		return besmart.MarkerComfort, false
	}

	var grid [][]string
	if err := json.Unmarshal(program, &grid); err != nil {
		return besmart.MarkerComfort, false
	}

	// time.Weekday numbers Sunday=0 already, matching the grid rows.
	day := int(now.Weekday())
	slot := now.Hour()*2 + slotIndex(now.Minute())

	if day >= len(grid) || slot >= len(grid[day]) {
		return besmart.MarkerComfort, false
	}

	switch m := besmart.Marker(grid[day][slot]); m {
	case besmart.MarkerFrost, besmart.MarkerEconomy, besmart.MarkerComfort:
		return m, true
	default:
		return besmart.MarkerComfort, false
	}
}

// slotIndex returns 0 for the first half hour (minutes 0..30 inclusive)
// and 1 past it.
func slotIndex(minute int) int {
	if minute > 30 {
		return 1
	}
	return 0
}
