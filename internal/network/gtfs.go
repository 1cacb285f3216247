package network

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// StopTime is one scheduled call of a trip. Times are seconds after service-day
// midnight and may exceed 24h.
type StopTime struct {
	TripID    string
	StopID    string
	Sequence  int
	Arrival   int
	Departure int
}

// Static is the parsed static timetable.
type Static struct {
	Stops     []Stop
	Trips     map[string]string     // trip_id -> route_id
	StopTimes map[string][]StopTime // trip_id -> calls ordered by sequence
}

// StaticSource yields a fresh static timetable.
type StaticSource interface {
	Load(ctx context.Context) (*Static, error)
}

// ZipSource reads a GTFS zip archive from disk.
type ZipSource struct {
	Path string
}

// Load implements StaticSource.
func (s ZipSource) Load(ctx context.Context) (*Static, error) {
	if s.Path == "" {
		return nil, errors.New("no static GTFS path configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GTFS archive: %w", err)
	}
	return ParseZip(bytes.NewReader(data), int64(len(data)))
}

// ParseZip parses stops.txt, trips.txt and stop_times.txt from a GTFS archive.
func ParseZip(r io.ReaderAt, size int64) (*Static, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open GTFS archive: %w", err)
	}

	st := &Static{
		Trips:     map[string]string{},
		StopTimes: map[string][]StopTime{},
	}
	for _, f := range zr.File {
		name := strings.ToLower(f.Name[strings.LastIndex(f.Name, "/")+1:])
		switch name {
		case "stops.txt", "trips.txt", "stop_times.txt":
			if err := st.consumeCSV(f, name); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	if len(st.Stops) == 0 {
		return nil, errors.New("GTFS archive has no stops")
	}

	st.normalize()
	return st, nil
}

// NewStatic assembles a timetable from stops and calls in any order.
func NewStatic(stops []Stop, calls []StopTime) *Static {
	st := &Static{
		Stops:     append([]Stop(nil), stops...),
		Trips:     map[string]string{},
		StopTimes: map[string][]StopTime{},
	}
	for _, c := range calls {
		st.StopTimes[c.TripID] = append(st.StopTimes[c.TripID], c)
		st.Trips[c.TripID] = ""
	}
	st.normalize()
	return st
}

func (st *Static) normalize() {
	for tripID, calls := range st.StopTimes {
		sort.SliceStable(calls, func(i, j int) bool { return calls[i].Sequence < calls[j].Sequence })
		st.StopTimes[tripID] = calls
	}
	sort.Slice(st.Stops, func(i, j int) bool { return st.Stops[i].ID < st.Stops[j].ID })
}

func (st *Static) consumeCSV(f *zip.File, name string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	rec, err := reader.ReadAll()
	if err != nil {
		return err
	}
	if len(rec) == 0 {
		return nil
	}

	head := rec[0]
	if len(head) > 0 {
		head[0] = strings.TrimPrefix(head[0], "\ufeff")
	}
	idx := func(col string) int {
		for i, h := range head {
			if strings.EqualFold(strings.TrimSpace(h), col) {
				return i
			}
		}
		return -1
	}
	field := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	switch name {
	case "stops.txt":
		sID, sName, sLat, sLon, sType := idx("stop_id"), idx("stop_name"), idx("stop_lat"), idx("stop_lon"), idx("location_type")
		for _, row := range rec[1:] {
			id := field(row, sID)
			lat, errLat := strconv.ParseFloat(field(row, sLat), 64)
			lon, errLon := strconv.ParseFloat(field(row, sLon), 64)
			if id == "" || errLat != nil || errLon != nil {
				continue
			}
			locType, _ := strconv.Atoi(field(row, sType))
			// entrances, generic nodes and boarding areas are not routable
			if locType > 1 {
				continue
			}
			st.Stops = append(st.Stops, Stop{
				ID:           id,
				Name:         field(row, sName),
				Lat:          lat,
				Lon:          lon,
				LocationType: locType,
			})
		}
	case "trips.txt":
		rID, tID := idx("route_id"), idx("trip_id")
		for _, row := range rec[1:] {
			if id := field(row, tID); id != "" {
				st.Trips[id] = field(row, rID)
			}
		}
	case "stop_times.txt":
		tID, sID, seq, arr, dep := idx("trip_id"), idx("stop_id"), idx("stop_sequence"), idx("arrival_time"), idx("departure_time")
		for _, row := range rec[1:] {
			trip, stop := field(row, tID), field(row, sID)
			n, err := strconv.Atoi(field(row, seq))
			if trip == "" || stop == "" || err != nil {
				continue
			}
			arrival, okA := parseGTFSTime(field(row, arr))
			departure, okD := parseGTFSTime(field(row, dep))
			if !okA && !okD {
				continue
			}
			if !okA {
				arrival = departure
			}
			if !okD {
				departure = arrival
			}
			st.StopTimes[trip] = append(st.StopTimes[trip], StopTime{
				TripID:    trip,
				StopID:    stop,
				Sequence:  n,
				Arrival:   arrival,
				Departure: departure,
			})
		}
	}
	return nil
}

// parseGTFSTime parses HH:MM:SS where HH may exceed 23.
func parseGTFSTime(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		v[i] = n
	}
	if v[1] > 59 || v[2] > 59 {
		return 0, false
	}
	return v[0]*3600 + v[1]*60 + v[2], true
}
