package polyconv

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTFRecordLabelMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label_map.pbtxt")

	labelMap := map[string]int32{"QSBD": 1, "cat": 2, "two words": 7}
	if err := saveTFRecordLabelMap(path, labelMap); err != nil {
		t.Fatal(err)
	}

	got, maxID, err := loadTFRecordLabelMap(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, labelMap) {
		t.Errorf("label map = %v, want %v", got, labelMap)
	}
	if maxID != 7 {
		t.Errorf("maxID = %d, want 7", maxID)
	}
}

func TestLoadTFRecordLabelMapMissing(t *testing.T) {
	_, _, err := loadTFRecordLabelMap(filepath.Join(t.TempDir(), "nope.pbtxt"))
	if !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestToTFRecord(t *testing.T) {
	// Write a real image so the converter can read its dimensions and bytes.
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "frame.png")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 100, 50))); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	tfRecordLabelMap = map[string]int32{"QSBD": 3}
	tfRecordNextLabelID = 4
	defer func() {
		tfRecordLabelMap = nil
		tfRecordNextLabelID = 1
	}()

	fileData := AnnotatedFile{
		Annotations: []Annotation{
			{Points: []Point{{10, 10}, {30, 10}, {20, 40}}, Label: "QSBD"},
			{Points: []Point{{0, 0}, {50, 25}}, Label: "new"},
			{Points: nil, Label: "skipped"},
		},
		FilePath: imgPath,
	}

	got, err := toTFRecord(fileData)
	if err != nil {
		t.Fatal(err)
	}

	features := got.Annotations
	if features["image/width"] != 100 || features["image/height"] != 50 {
		t.Errorf("dimensions = %v x %v", features["image/width"], features["image/height"])
	}
	if features["image/format"] != "png" {
		t.Errorf("format = %v", features["image/format"])
	}

	xmins := features["image/object/bbox/xmin"].([]float32)
	ymaxs := features["image/object/bbox/ymax"].([]float32)
	if want := []float32{0.1, 0}; !reflect.DeepEqual(xmins, want) {
		t.Errorf("xmins = %v, want %v", xmins, want)
	}
	if want := []float32{0.8, 0.5}; !reflect.DeepEqual(ymaxs, want) {
		t.Errorf("ymaxs = %v, want %v", ymaxs, want)
	}

	// Existing label IDs are reused; unknown labels get the next free ID.
	ids := features["image/object/class/label"].([]int64)
	if want := []int64{3, 4}; !reflect.DeepEqual(ids, want) {
		t.Errorf("class ids = %v, want %v", ids, want)
	}

	counts := features["image/object/polygon/count"].([]int64)
	if want := []int64{3, 2}; !reflect.DeepEqual(counts, want) {
		t.Errorf("vertex counts = %v, want %v", counts, want)
	}
	vxs := features["image/object/polygon/x"].([]float32)
	if len(vxs) != 5 {
		t.Errorf("got %d flattened x vertices, want 5", len(vxs))
	}
}
