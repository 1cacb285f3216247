package prediction

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// minConcentration is the mean resultant length below which visit times are
// considered too spread to have a usual time of day.
const minConcentration = 0.5

// circularMean returns the mean angle in radians and the mean resultant
// length R, 0 for uniformly spread angles and 1 for identical ones.
func circularMean(angles []float64) (mean, r float64) {
	if len(angles) == 0 {
		return 0, 0
	}

	var sumSin, sumCos float64
	for _, a := range angles {
		sumSin += math.Sin(a)
		sumCos += math.Cos(a)
	}
	mean = math.Atan2(sumSin, sumCos)
	if mean < 0 {
		mean += 2 * math.Pi
	}
	r = math.Sqrt(sumSin*sumSin+sumCos*sumCos) / float64(len(angles))
	return mean, r
}

// usualTimeOfDay is the circular mean time of day of ts (in their own
// location). It needs at least two samples that agree well enough.
func usualTimeOfDay(ts []time.Time) (time.Duration, bool) {
	if len(ts) < 2 {
		return 0, false
	}

	angles := make([]float64, len(ts))
	for i, t := range ts {
		angles[i] = sinceMidnight(t).Seconds() / day.Seconds() * 2 * math.Pi
	}
	mean, r := circularMean(angles)
	if r < minConcentration {
		return 0, false
	}
	tod := time.Duration(mean / (2 * math.Pi) * float64(day)).Round(time.Second)
	return tod % day, true
}

// nextAt returns the earliest instant not before after whose time of day is tod.
func nextAt(after time.Time, tod time.Duration) time.Time {
	midnight := after.Add(-sinceMidnight(after))
	t := midnight.Add(tod)
	if t.Before(after) {
		t = t.Add(day)
	}
	return t
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}
