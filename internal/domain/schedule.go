package domain

import "time"

// BusinessHourWindow captures allowed calling window per day of week.
type BusinessHourWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// CallingSchedule restricts automated dialing to local business hours.
type CallingSchedule struct {
	TimeZone      string
	BusinessHours []BusinessHourWindow
}
