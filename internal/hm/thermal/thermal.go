// Package thermal implements a virtual HM-CC-TC climate control
// (including its duty-cycle broadcasts to paired valve drives) and the
// event decoders for HM-TC-IT-WM-W-EU wall thermostats.
package thermal

import (
	"time"
)

const prometheusNamespace = "hmthermal"

// channels
const (
	WeatherChannel         = 0x01
	ThermalControlTransmit = 0x02
)

// ProgramList is the parameter list holding the week program of a
// HM-TC-IT-WM-W-EU.
const ProgramList = 7

const (
	WeekdayMask = 1<<uint(time.Monday) |
		1<<uint(time.Tuesday) |
		1<<uint(time.Wednesday) |
		1<<uint(time.Thursday) |
		1<<uint(time.Friday)
	WeekendMask = 1<<uint(time.Saturday) | 1<<uint(time.Sunday)
)

type Program struct {
	DayMask  int
	Endtimes [13]ProgramEntry
}

type ProgramEntry struct {
	Endtime     uint64 // in minutes since midnight
	Temperature float64
}

func encodeProgramDay(entries [13]ProgramEntry) []byte {
	result := make([]byte, 26)

	for i := 0; i < 13; i++ {
		endtime := entries[i].Endtime
		if endtime == 0 {
			endtime = 1440
		}
		temperature := entries[i].Temperature
		if temperature == 0.0 {
			temperature = 17.0
		}
		result[(2 * i)] = byte(((uint16(endtime/5) & 0x0100) >> 8) | ((uint16(temperature*2.0) & 0x3F) << 1))
		result[(2*i)+1] = byte(((uint16(endtime/5) & 0x00FF) >> 0))
	}

	return result
}

// programOffsets maps weekdays to device memory location offsets
var programOffsets = map[time.Weekday]int{
	time.Saturday:  20,
	time.Sunday:    46,
	time.Monday:    72,
	time.Tuesday:   98,
	time.Wednesday: 124,
	time.Thursday:  150,
	time.Friday:    176,
}

// ProgramValues encodes programs as ProgramList index/value pairs. Days
// not covered by any program are left out.
func ProgramValues(programs []Program) map[byte]byte {
	values := make(map[byte]byte)
	for _, day := range []time.Weekday{
		time.Saturday,
		time.Sunday,
		time.Monday,
		time.Tuesday,
		time.Wednesday,
		time.Thursday,
		time.Friday,
	} {
		for _, pg := range programs {
			if 1<<uint(day)&pg.DayMask == 0 {
				continue
			}
			for i, b := range encodeProgramDay(pg.Endtimes) {
				values[byte(programOffsets[day]+i)] = b
			}
		}
	}
	return values
}
