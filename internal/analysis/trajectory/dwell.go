package trajectory

import (
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Dwell is a run of fixes that stayed near one place long enough to count
// as a visit.
type Dwell struct {
	Center spatial.Point
	Start  time.Time
	End    time.Time
	Fixes  int
}

// Duration returns the time spent in the dwell
func (d Dwell) Duration() time.Duration {
	return d.End.Sub(d.Start)
}

// DetectDwells scans time-ordered fixes for maximal runs that stay within
// radiusMeters of the run's first fix for at least minDwell.
func DetectDwells(fixes []models.PositionFix, radiusMeters float64, minDwell time.Duration) []Dwell {
	var dwells []Dwell
	for i := 0; i < len(fixes); {
		anchor := spatial.Point{Lat: fixes[i].Lat, Lon: fixes[i].Lon}
		j := i + 1
		for j < len(fixes) && spatial.Distance(anchor, spatial.Point{Lat: fixes[j].Lat, Lon: fixes[j].Lon}) <= radiusMeters {
			j++
		}

		last := fixes[j-1]
		if j-i >= 2 && last.Timestamp.Sub(fixes[i].Timestamp) >= minDwell {
			run := make([]spatial.Point, 0, j-i)
			for _, f := range fixes[i:j] {
				run = append(run, spatial.Point{Lat: f.Lat, Lon: f.Lon})
			}
			dwells = append(dwells, Dwell{
				Center: spatial.Centroid(run),
				Start:  fixes[i].Timestamp,
				End:    last.Timestamp,
				Fixes:  j - i,
			})
			i = j
			continue
		}
		i++
	}
	return dwells
}
