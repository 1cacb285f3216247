package network

import (
	"sort"
	"sync"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// FeedKind identifies one of the three realtime feeds.
type FeedKind string

const (
	FeedTripUpdates      FeedKind = "trip_updates"
	FeedVehiclePositions FeedKind = "vehicle_positions"
	FeedServiceAlerts    FeedKind = "service_alerts"
)

// Departure is a live predicted departure at a stop.
type Departure struct {
	TripID string    `json:"trip_id"`
	Time   time.Time `json:"time"`
}

// Vehicle is the last reported position of a vehicle.
type Vehicle struct {
	ID     string    `json:"id"`
	TripID string    `json:"trip_id"`
	Lat    float64   `json:"lat"`
	Lon    float64   `json:"lon"`
	At     time.Time `json:"at"`
}

type tripSignal struct {
	delay     float64
	cancelled bool
	observed  time.Time
}

type closure struct {
	start, end time.Time // zero means unbounded
	observed   time.Time
}

type stopDeparture struct {
	Departure
	observed time.Time
}

// Live holds the latest realtime signals. Each feed kind is replaced wholesale
// when a new message for it is applied. Signals older than ttl relative to the
// queried instant are ignored.
type Live struct {
	mu         sync.RWMutex
	ttl        time.Duration
	trips      map[string]tripSignal
	departures map[string][]stopDeparture
	vehicles   map[string]Vehicle
	closures   map[string][]closure
	updated    map[FeedKind]time.Time
}

// NewLive creates an empty realtime layer.
func NewLive(ttl time.Duration) *Live {
	return &Live{
		ttl:        ttl,
		trips:      map[string]tripSignal{},
		departures: map[string][]stopDeparture{},
		vehicles:   map[string]Vehicle{},
		closures:   map[string][]closure{},
		updated:    map[FeedKind]time.Time{},
	}
}

func (l *Live) fresh(observed, at time.Time) bool {
	return at.Sub(observed) <= l.ttl
}

// ApplyFeed replaces the signals of the given kind with the contents of feed
// and returns the number of entities used.
func (l *Live) ApplyFeed(kind FeedKind, feed *gtfsrtpb.FeedMessage, observed time.Time) int {
	if feed == nil {
		return 0
	}

	applied := 0
	switch kind {
	case FeedTripUpdates:
		trips := map[string]tripSignal{}
		departures := map[string][]stopDeparture{}
		for _, e := range feed.GetEntity() {
			tu := e.GetTripUpdate()
			tripID := tu.GetTrip().GetTripId()
			if e.GetIsDeleted() || tripID == "" {
				continue
			}
			applied++

			sig := tripSignal{observed: observed}
			if tu.GetTrip().GetScheduleRelationship() == gtfsrtpb.TripDescriptor_CANCELED {
				sig.cancelled = true
				trips[tripID] = sig
				continue
			}
			sig.delay = float64(tripDelay(tu))
			trips[tripID] = sig

			for _, stu := range tu.GetStopTimeUpdate() {
				if stu.GetStopId() == "" || stu.GetScheduleRelationship() == gtfsrtpb.TripUpdate_StopTimeUpdate_SKIPPED {
					continue
				}
				ts := stu.GetDeparture().GetTime()
				if ts == 0 {
					ts = stu.GetArrival().GetTime()
				}
				if ts == 0 {
					continue
				}
				departures[stu.GetStopId()] = append(departures[stu.GetStopId()], stopDeparture{
					Departure: Departure{TripID: tripID, Time: time.Unix(ts, 0).UTC()},
					observed:  observed,
				})
			}
		}
		for _, list := range departures {
			sort.Slice(list, func(i, j int) bool {
				if !list[i].Time.Equal(list[j].Time) {
					return list[i].Time.Before(list[j].Time)
				}
				return list[i].TripID < list[j].TripID
			})
		}

		l.mu.Lock()
		l.trips = trips
		l.departures = departures
		l.updated[kind] = observed
		l.mu.Unlock()

	case FeedVehiclePositions:
		vehicles := map[string]Vehicle{}
		for _, e := range feed.GetEntity() {
			vp := e.GetVehicle()
			if e.GetIsDeleted() || vp == nil || vp.GetPosition() == nil {
				continue
			}
			id := vp.GetVehicle().GetId()
			if id == "" {
				id = e.GetId()
			}
			at := observed
			if ts := vp.GetTimestamp(); ts > 0 {
				at = time.Unix(int64(ts), 0).UTC()
			}
			vehicles[id] = Vehicle{
				ID:     id,
				TripID: vp.GetTrip().GetTripId(),
				Lat:    float64(vp.GetPosition().GetLatitude()),
				Lon:    float64(vp.GetPosition().GetLongitude()),
				At:     at,
			}
			applied++
		}

		l.mu.Lock()
		l.vehicles = vehicles
		l.updated[kind] = observed
		l.mu.Unlock()

	case FeedServiceAlerts:
		closures := map[string][]closure{}
		for _, e := range feed.GetEntity() {
			a := e.GetAlert()
			if e.GetIsDeleted() || a == nil || a.GetEffect() != gtfsrtpb.Alert_NO_SERVICE {
				continue
			}
			windows := []closure{{observed: observed}}
			if len(a.GetActivePeriod()) > 0 {
				windows = windows[:0]
				for _, p := range a.GetActivePeriod() {
					c := closure{observed: observed}
					if p.GetStart() > 0 {
						c.start = time.Unix(int64(p.GetStart()), 0).UTC()
					}
					if p.GetEnd() > 0 {
						c.end = time.Unix(int64(p.GetEnd()), 0).UTC()
					}
					windows = append(windows, c)
				}
			}
			used := false
			for _, ie := range a.GetInformedEntity() {
				if sid := ie.GetStopId(); sid != "" {
					closures[sid] = append(closures[sid], windows...)
					used = true
				}
			}
			if used {
				applied++
			}
		}

		l.mu.Lock()
		l.closures = closures
		l.updated[kind] = observed
		l.mu.Unlock()
	}
	return applied
}

// tripDelay prefers the trip-level delay, then the first stop-level delay.
func tripDelay(tu *gtfsrtpb.TripUpdate) int32 {
	if tu.Delay != nil {
		return tu.GetDelay()
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		if stu.GetDeparture() != nil && stu.GetDeparture().Delay != nil {
			return stu.GetDeparture().GetDelay()
		}
		if stu.GetArrival() != nil && stu.GetArrival().Delay != nil {
			return stu.GetArrival().GetDelay()
		}
	}
	return 0
}

// TripDelay returns the latest fresh delay in seconds for a trip.
func (l *Live) TripDelay(tripID string, at time.Time) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sig, ok := l.trips[tripID]
	if !ok || sig.cancelled || !l.fresh(sig.observed, at) {
		return 0, false
	}
	return sig.delay, true
}

// TripCancelled reports whether a fresh signal cancels the trip.
func (l *Live) TripCancelled(tripID string, at time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sig, ok := l.trips[tripID]
	return ok && sig.cancelled && l.fresh(sig.observed, at)
}

// NextDeparture returns the earliest fresh live departure at stopID not before after.
func (l *Live) NextDeparture(stopID string, after time.Time) (Departure, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, d := range l.departures[stopID] {
		if d.Time.Before(after) || !l.fresh(d.observed, after) {
			continue
		}
		return d.Departure, true
	}
	return Departure{}, false
}

// StopClosed reports whether a NO_SERVICE alert covers stopID at the given instant.
func (l *Live) StopClosed(stopID string, at time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, c := range l.closures[stopID] {
		if !l.fresh(c.observed, at) {
			continue
		}
		if !c.start.IsZero() && at.Before(c.start) {
			continue
		}
		if !c.end.IsZero() && !at.Before(c.end) {
			continue
		}
		return true
	}
	return false
}

// Vehicles returns the last known vehicle positions ordered by id.
func (l *Live) Vehicles() []Vehicle {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Vehicle, 0, len(l.vehicles))
	for _, v := range l.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiveStatus summarizes the realtime layer.
type LiveStatus struct {
	Trips     int                    `json:"trips"`
	Stops     int                    `json:"stops_with_departures"`
	Vehicles  int                    `json:"vehicles"`
	Closures  int                    `json:"closed_stops"`
	UpdatedAt map[FeedKind]time.Time `json:"updated_at"`
}

// Status returns counts per signal kind.
func (l *Live) Status() LiveStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	updated := make(map[FeedKind]time.Time, len(l.updated))
	for k, v := range l.updated {
		updated[k] = v
	}
	return LiveStatus{
		Trips:     len(l.trips),
		Stops:     len(l.departures),
		Vehicles:  len(l.vehicles),
		Closures:  len(l.closures),
		UpdatedAt: updated,
	}
}
