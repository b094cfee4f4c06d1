package polyconv

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsOf(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
		want   Box
	}{
		{
			name:   "simple rectangle polygon",
			points: []Point{{10, 20}, {10, 30}, {25, 30}, {25, 20}},
			want:   Box{X: 10, Y: 20, Width: 15, Height: 10},
		},
		{
			name:   "reference polygon",
			points: []Point{{64, 10}, {64, 15}, {67, 15}, {68, 14}, {68, 10}},
			want:   Box{X: 64, Y: 10, Width: 4, Height: 5},
		},
		{
			name: "irregular polygon",
			points: []Point{
				{64, 42}, {68, 43}, {69, 41}, {71, 40}, {75, 40}, {77, 38}, {77, 36},
				{78, 33}, {76, 30}, {71, 29}, {70, 27}, {68, 26}, {64, 26}, {64, 29},
			},
			want: Box{X: 64, Y: 26, Width: 14, Height: 17},
		},
		{
			name:   "single point",
			points: []Point{{5, 5}},
			want:   Box{X: 5, Y: 5, Width: 0, Height: 0},
		},
		{
			name:   "collinear on one axis",
			points: []Point{{10, 10}, {10, 20}},
			want:   Box{X: 10, Y: 10, Width: 0, Height: 10},
		},
		{
			name:   "negative and fractional coordinates",
			points: []Point{{-2.5, 0.25}, {1.5, -4}, {0, 0}},
			want:   Box{X: -2.5, Y: -4, Width: 4, Height: 4.25},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BoundsOf(tt.points)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got.Width, 0.0)
			assert.GreaterOrEqual(t, got.Height, 0.0)
		})
	}
}

func TestBoundsOfErrors(t *testing.T) {
	tests := []struct {
		name    string
		points  []Point
		wantErr error
	}{
		{name: "empty point set", points: nil, wantErr: ErrInvalidPolygon},
		{name: "NaN coordinate", points: []Point{{math.NaN(), 0}, {1, 1}}, wantErr: ErrMalformedCoordinate},
		{name: "infinite coordinate", points: []Point{{0, 0}, {1, math.Inf(1)}}, wantErr: ErrMalformedCoordinate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BoundsOf(tt.points)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBoundsOfOrderInvariance(t *testing.T) {
	points := []Point{{64, 10}, {64, 15}, {67, 15}, {68, 14}, {68, 10}}
	want, err := BoundsOf(points)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]Point(nil), points...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got, err := BoundsOf(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestExtractBoundingBox(t *testing.T) {
	points := []Point{{64, 10}, {64, 15}, {67, 15}, {68, 14}, {68, 10}}

	r, err := ExtractBoundingBox(points, "QSBD", "test_image.png")
	require.NoError(t, err)
	assert.Equal(t, Record{
		Filename: "test_image.png",
		Box:      Box{X: 64, Y: 10, Width: 4, Height: 5},
		Label:    "QSBD",
	}, r)

	// Identical inputs produce identical records.
	r2, err := ExtractBoundingBox(points, "QSBD", "test_image.png")
	require.NoError(t, err)
	assert.Equal(t, r, r2)
}

func TestExtractBoundingBoxErrors(t *testing.T) {
	points := []Point{{1, 2}, {3, 4}}

	tests := []struct {
		name     string
		points   []Point
		label    string
		filename string
		wantErr  error
	}{
		{name: "empty label", points: points, filename: "a.png", wantErr: ErrMissingField},
		{name: "empty filename", points: points, label: "cat", wantErr: ErrMissingField},
		{name: "empty polygon", label: "cat", filename: "a.png", wantErr: ErrInvalidPolygon},
		{
			name:     "malformed coordinate",
			points:   []Point{{math.NaN(), 0}},
			label:    "cat",
			filename: "a.png",
			wantErr:  ErrMalformedCoordinate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractBoundingBox(tt.points, tt.label, tt.filename)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// Concurrent extraction of independent polygons must produce the same multiset
// of records as sequential extraction.
func TestExtractBoundingBoxConcurrent(t *testing.T) {
	const n = 200

	polygons := make([][]Point, n)
	rng := rand.New(rand.NewSource(1))
	for i := range polygons {
		points := make([]Point, 3+rng.Intn(8))
		for j := range points {
			points[j] = Point{X: float64(rng.Intn(1000)), Y: float64(rng.Intn(1000))}
		}
		polygons[i] = points
	}

	sequential := make([]Record, n)
	for i, p := range polygons {
		r, err := ExtractBoundingBox(p, "obj", "img.png")
		require.NoError(t, err)
		sequential[i] = r
	}

	concurrent := make([]Record, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, p := range polygons {
		go func(i int, p []Point) {
			defer wg.Done()
			r, err := ExtractBoundingBox(p, "obj", "img.png")
			assert.NoError(t, err)
			concurrent[i] = r
		}(i, p)
	}
	wg.Wait()

	sortRecords := func(rs []Record) {
		sort.Slice(rs, func(a, b int) bool {
			if rs[a].Box.X != rs[b].Box.X {
				return rs[a].Box.X < rs[b].Box.X
			}
			if rs[a].Box.Y != rs[b].Box.Y {
				return rs[a].Box.Y < rs[b].Box.Y
			}
			if rs[a].Box.Width != rs[b].Box.Width {
				return rs[a].Box.Width < rs[b].Box.Width
			}
			return rs[a].Box.Height < rs[b].Box.Height
		})
	}
	sortRecords(sequential)
	sortRecords(concurrent)
	assert.Equal(t, sequential, concurrent)
}

func TestBoxScale(t *testing.T) {
	b := Box{X: 10, Y: 20, Width: 4, Height: 8}

	got := b.Scale(2, 1.5)
	assert.Equal(t, Box{X: 8, Y: 18, Width: 8, Height: 12}, got)

	// A unit scale is the identity.
	assert.Equal(t, b, b.Scale(1, 1))
}

func TestBoxGrowToAspect(t *testing.T) {
	tests := []struct {
		name   string
		box    Box
		aspect float64
		want   Box
	}{
		{
			name:   "grow horizontally",
			box:    Box{X: 0, Y: 0, Width: 2, Height: 4},
			aspect: 1,
			want:   Box{X: -1, Y: 0, Width: 4, Height: 4},
		},
		{
			name:   "grow vertically",
			box:    Box{X: 0, Y: 0, Width: 4, Height: 2},
			aspect: 1,
			want:   Box{X: 0, Y: -1, Width: 4, Height: 4},
		},
		{
			name:   "zero height grows vertically",
			box:    Box{X: 0, Y: 5, Width: 4, Height: 0},
			aspect: 2,
			want:   Box{X: 0, Y: 4, Width: 4, Height: 2},
		},
		{
			name:   "already matching",
			box:    Box{X: 1, Y: 1, Width: 4, Height: 4},
			aspect: 1,
			want:   Box{X: 1, Y: 1, Width: 4, Height: 4},
		},
		{
			name:   "disabled",
			box:    Box{X: 1, Y: 1, Width: 2, Height: 4},
			aspect: 0,
			want:   Box{X: 1, Y: 1, Width: 2, Height: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.box.GrowToAspect(tt.aspect))
		})
	}
}
