package polyconv

import (
	"image"
	"reflect"
	"testing"
)

// triangle is a small helper for building test annotations.
func triangle(label string, x, y, size float64) Annotation {
	return Annotation{
		Points: []Point{{x, y}, {x + size, y}, {x + size, y + size}},
		Label:  label,
	}
}

func TestMapLabels(t *testing.T) {
	data := AnnotatedFiles{
		{Annotations: []Annotation{triangle("cat", 0, 0, 2), triangle("dog", 5, 5, 2)}},
		{Annotations: []Annotation{triangle("catfish", 0, 0, 2)}},
	}

	if err := data.MapLabels([]string{"cat=feline", "dog=canine"}); err != nil {
		t.Fatal(err)
	}

	if got := data[0].Annotations[0].Label; got != "feline" {
		t.Errorf("label = %q, want %q", got, "feline")
	}
	if got := data[0].Annotations[1].Label; got != "canine" {
		t.Errorf("label = %q, want %q", got, "canine")
	}
	// Substring replacement, as documented.
	if got := data[1].Annotations[0].Label; got != "felinefish" {
		t.Errorf("label = %q, want %q", got, "felinefish")
	}

	if err := data.MapLabels([]string{"invalid"}); err == nil {
		t.Error("expected an error for a mapping without '='")
	}
}

func TestFilter(t *testing.T) {
	build := func() AnnotatedFiles {
		return AnnotatedFiles{
			{
				Annotations: []Annotation{
					triangle("cat", 0, 0, 10),
					triangle("dog", 0, 0, 10),
					{Points: []Point{{3, 3}, {3, 9}}, Label: "pole"}, // Zero width.
					{Points: []Point{{5, 5}}, Label: "dot"},
				},
				FilePath: "a.png",
			},
			{
				Annotations: []Annotation{triangle("bird", 0, 0, 1)},
				FilePath:    "b.png",
			},
		}
	}

	t.Run("by label", func(t *testing.T) {
		data := build()
		data.Filter([]string{"cat", "bird"}, 0, false, 0, 0, 0, 0)
		if len(data[0].Annotations) != 1 || data[0].Annotations[0].Label != "cat" {
			t.Errorf("unexpected annotations: %+v", data[0].Annotations)
		}
		if len(data[1].Annotations) != 1 {
			t.Errorf("bird should survive, got %+v", data[1].Annotations)
		}
	})

	t.Run("by vertex count", func(t *testing.T) {
		data := build()
		data.Filter(nil, 3, false, 0, 0, 0, 0)
		if got := len(data[0].Annotations); got != 2 {
			t.Errorf("got %d annotations, want 2", got)
		}
	})

	t.Run("by bbox size", func(t *testing.T) {
		data := build()
		data.Filter(nil, 0, false, 1, 1, 0, 0)
		// The zero-width pole and the dot are dropped. The 1x1 bird triangle
		// survives: the filter is an inclusive minimum.
		if got := len(data[0].Annotations); got != 2 {
			t.Errorf("got %d annotations, want 2", got)
		}
		if got := len(data[1].Annotations); got != 1 {
			t.Errorf("got %d annotations, want 1", got)
		}
	})

	t.Run("require label drops empty files", func(t *testing.T) {
		data := build()
		data.Filter([]string{"bird"}, 0, true, 0, 0, 0, 0)
		if len(data) != 1 || data[0].FilePath != "b.png" {
			t.Errorf("unexpected files: %+v", data)
		}
	})

	t.Run("by aspect ratio", func(t *testing.T) {
		data := AnnotatedFiles{
			{
				Annotations: []Annotation{
					{Points: []Point{{0, 0}, {10, 5}}, Label: "wide"},   // 2.0
					{Points: []Point{{0, 0}, {5, 10}}, Label: "tall"},   // 0.5
					{Points: []Point{{0, 0}, {10, 10}}, Label: "equal"}, // 1.0
				},
			},
		}
		data.Filter(nil, 0, false, 0, 0, 0.75, 1.5)
		if len(data[0].Annotations) != 1 || data[0].Annotations[0].Label != "equal" {
			t.Errorf("unexpected annotations: %+v", data[0].Annotations)
		}
	})
}

func TestTransformBounds(t *testing.T) {
	data := AnnotatedFiles{
		{Annotations: []Annotation{
			{Points: []Point{{10, 20}, {14, 20}, {12, 28}}, Label: "cat"},
		}},
	}

	// Box is (10, 20, 4, 8); scaling by 2x1 grows it to (8, 20, 8, 8).
	data.TransformBounds(2, 1, 0)

	want := []Point{{8, 20}, {16, 20}, {16, 28}, {8, 28}}
	if got := data[0].Annotations[0].Points; !reflect.DeepEqual(got, want) {
		t.Errorf("points = %v, want %v", got, want)
	}

	// The rectangle's own bounds match the transformed box.
	box, err := data[0].Annotations[0].Bounds()
	if err != nil {
		t.Fatal(err)
	}
	if box != (Box{X: 8, Y: 20, Width: 8, Height: 8}) {
		t.Errorf("bounds = %+v", box)
	}
}

func TestSplit(t *testing.T) {
	data := make(AnnotatedFiles, 100)
	for i := range data {
		data[i].FilePath = string(rune('a' + i%26))
	}

	datasets, err := data.Split([]int{70, 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(datasets) != 2 {
		t.Fatalf("got %d datasets, want 2", len(datasets))
	}
	if got := len(datasets[0]) + len(datasets[1]); got != len(data) {
		t.Errorf("split lost or duplicated files: %d != %d", got, len(data))
	}

	if _, err := data.Split([]int{50, 90}); err == nil {
		t.Error("expected an error for splits not adding up to 100")
	}
}

func TestScalePoints(t *testing.T) {
	f := AnnotatedFile{
		Annotations: []Annotation{
			{Points: []Point{{10, 20}, {30, 40}}, Label: "cat"},
		},
	}

	f.scalePoints(0.5, 2)

	want := []Point{{5, 40}, {15, 80}}
	if got := f.Annotations[0].Points; !reflect.DeepEqual(got, want) {
		t.Errorf("points = %v, want %v", got, want)
	}
}

func TestCropObjectsFromImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	f := AnnotatedFile{
		Annotations: []Annotation{
			{Points: []Point{{10, 10}, {30, 10}, {20, 30}}, Label: "cat"},
			{Points: []Point{{200, 200}, {210, 210}}, Label: "outside"},
		},
		FilePath: "img/frame.png",
	}

	crops, files, err := f.cropObjectsFromImage(img)
	if err != nil {
		t.Fatal(err)
	}

	// The out-of-bounds annotation produces no crop.
	if len(crops) != 1 || len(files) != 1 {
		t.Fatalf("got %d crops and %d files, want 1 and 1", len(crops), len(files))
	}

	if got := files[0].FilePath; got != "img/frame_00.png" {
		t.Errorf("crop path = %q", got)
	}

	// The polygon is translated into the crop's coordinate space.
	want := []Point{{0, 0}, {20, 0}, {10, 20}}
	a := files[0].Annotations[0]
	if !reflect.DeepEqual(a.Points, want) {
		t.Errorf("points = %v, want %v", a.Points, want)
	}
	if _, ok := a.Attributes[CropCoords]; !ok {
		t.Error("missing CropCoords attribute")
	}

	bounds := crops[0].Bounds()
	if bounds.Dx() != 20 || bounds.Dy() != 20 {
		t.Errorf("crop bounds = %v", bounds)
	}
}
