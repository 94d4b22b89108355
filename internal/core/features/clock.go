package features

import "time"

// Clock supplies the current time for requests that carry no timestamp.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type FixedClock time.Time

func (c FixedClock) Now() time.Time {
	return time.Time(c)
}
