package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stockholmItems() []Item {
	return []Item{
		{ID: "central", Point: Point{Lat: 59.3300, Lon: 18.0600}},
		{ID: "north", Point: Point{Lat: 59.3312, Lon: 18.0600}},  // ~133 m
		{ID: "east", Point: Point{Lat: 59.3300, Lon: 18.0640}},   // ~227 m
		{ID: "far", Point: Point{Lat: 59.3500, Lon: 18.0700}},    // ~2.3 km
		{ID: "twin-b", Point: Point{Lat: 59.3290, Lon: 18.0600}}, // ~111 m south
		{ID: "twin-a", Point: Point{Lat: 59.3290, Lon: 18.0600}}, // same as twin-b
	}
}

func TestIndex_Empty(t *testing.T) {
	t.Parallel()

	ix := NewIndex(nil)
	assert.Equal(t, 0, ix.Len())
	assert.Empty(t, ix.Nearest(Point{Lat: 59.33, Lon: 18.06}, 3))
	assert.Empty(t, ix.Within(Point{Lat: 59.33, Lon: 18.06}, 1000))
}

func TestIndex_Nearest(t *testing.T) {
	t.Parallel()
	ix := NewIndex(stockholmItems())

	hits := ix.Nearest(Point{Lat: 59.3300, Lon: 18.0600}, 3)
	require.Len(t, hits, 3)
	assert.Equal(t, "central", hits[0].ID)
	assert.InDelta(t, 0, hits[0].DistanceMeters, 1e-6)

	// equidistant items are ordered by id
	assert.Equal(t, "twin-a", hits[1].ID)
	assert.Equal(t, "twin-b", hits[2].ID)
	assert.InDelta(t, 111, hits[1].DistanceMeters, 1)

	t.Run("k larger than index", func(t *testing.T) {
		t.Parallel()
		assert.Len(t, ix.Nearest(Point{Lat: 59.33, Lon: 18.06}, 50), 6)
	})

	t.Run("non-positive k", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, ix.Nearest(Point{Lat: 59.33, Lon: 18.06}, 0))
	})
}

func TestIndex_Within(t *testing.T) {
	t.Parallel()
	ix := NewIndex(stockholmItems())
	center := Point{Lat: 59.3300, Lon: 18.0600}

	var ids []string
	for _, h := range ix.Within(center, 150) {
		ids = append(ids, h.ID)
		assert.LessOrEqual(t, h.DistanceMeters, 150.0)
	}
	assert.Equal(t, []string{"central", "twin-a", "twin-b", "north"}, ids)

	assert.Len(t, ix.Within(center, 300), 5)
	assert.Len(t, ix.Within(center, 5000), 6)

	// nothing nearby is a normal outcome
	assert.Empty(t, ix.Within(Point{Lat: 10, Lon: 10}, 500))
}

func TestIndex_MatchesBruteForce(t *testing.T) {
	t.Parallel()

	var items []Item
	for i := 0; i < 20; i++ {
		for j := 0; j < 20; j++ {
			items = append(items, Item{
				ID:    string(rune('a'+i)) + string(rune('a'+j)),
				Point: Point{Lat: 59.30 + float64(i)*0.0013, Lon: 18.00 + float64(j)*0.0021},
			})
		}
	}
	ix := NewIndex(items)
	q := Point{Lat: 59.3117, Lon: 18.0203}

	var want int
	for _, it := range items {
		if Distance(q, it.Point) <= 400 {
			want++
		}
	}
	assert.Len(t, ix.Within(q, 400), want)

	nearest := ix.Nearest(q, 1)
	require.Len(t, nearest, 1)
	best := items[0]
	for _, it := range items[1:] {
		if Distance(q, it.Point) < Distance(q, best.Point) {
			best = it
		}
	}
	assert.Equal(t, best.ID, nearest[0].ID)
}
