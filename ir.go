package polyconv

// The intermediate annotation metadata representation.

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

// Keys for known annotation attributes.
const (
	ShapeType  = "ShapeType"  // The source shape type, e.g. "polygon". Type string.
	GroupID    = "GroupID"    // The annotation tool's group identifier. Type int.
	CropCoords = "CropCoords" // Absolute coords (x1,y1)(x2,y2) in the source image. Type string.
)

// Annotation is the intermediate representation of one labelled shape. The
// shape is kept as its polygon vertices; bounding boxes are always derived,
// never stored.
type Annotation struct {
	Attributes map[string]interface{} // Additional attributes of this annotation.
	Points     []Point                // Absolute vertex offsets from the top-left corner.
	Label      string
}

// Bounds is the tightest axis-aligned rectangle around a.Points.
func (a Annotation) Bounds() (Box, error) {
	return BoundsOf(a.Points)
}

// AnnotatedFile is the intermediate representation of file metadata.
type AnnotatedFile struct {
	Annotations []Annotation // The annotations.
	FilePath    string       // The annotated file.
}

// scalePoints scales all annotation vertices by the given scale factors.
func (f *AnnotatedFile) scalePoints(width, height float64) {
	for i := range f.Annotations {
		for j := range f.Annotations[i].Points {
			f.Annotations[i].Points[j].X *= width
			f.Annotations[i].Points[j].Y *= height
		}
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropObjectsFromImage returns a crop of img for each annotation whose derived
// bounding box is at least partially contained in img. The crops may share
// their data with the original image.
//
// In addition it returns an []AnnotatedFile, one for each cropped image, with
// the polygon translated into the crop's coordinate space. The file paths are
// derived from f.FilePath, with a "_xx" suffix appended before the file
// extension, where xx is the index in f.Annotations.
func (f *AnnotatedFile) cropObjectsFromImage(img image.Image) (
		[]image.Image, []AnnotatedFile, error) {

	img2, ok := img.(subImager)
	if !ok {
		return nil, nil,
				fmt.Errorf("the image type of %q does not provide a SubImage method", f.FilePath)
	}

	crops := make([]image.Image, 0, len(f.Annotations))
	annotatedFiles := make([]AnnotatedFile, 0, len(f.Annotations))
	bounds := img.Bounds()

	for i, a := range f.Annotations {
		box, err := a.Bounds()
		if err != nil {
			log.Warn().Err(err).Str("file", f.FilePath).Msg("Skipping annotation without bounds")
			continue
		}

		// Clip the bounding box to the image bounds.
		r := image.Rect(int(math.Round(box.X)), int(math.Round(box.Y)),
			int(math.Round(box.X+box.Width)), int(math.Round(box.Y+box.Height)))
		r = r.Intersect(bounds)
		if r.Empty() {
			continue
		}

		// Make a shallow clone of the annotation's attributes and add the CropCoords.
		attrs := make(map[string]interface{}, 1+len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		attrs[CropCoords] = fmt.Sprintf("(%d,%d)(%d,%d)", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)

		// Translate the polygon into the crop's coordinate space, clamped to the crop area.
		points := make([]Point, len(a.Points))
		for j, p := range a.Points {
			points[j] = Point{
				X: clamp(p.X-float64(r.Min.X), 0, float64(r.Dx())),
				Y: clamp(p.Y-float64(r.Min.Y), 0, float64(r.Dy())),
			}
		}

		// Construct the file path for the crop from the original path.
		ext := filepath.Ext(f.FilePath)
		path := fmt.Sprintf("%s_%02d%s", f.FilePath[0:len(f.FilePath)-len(ext)], i, ext)

		fileData := AnnotatedFile{
			Annotations: []Annotation{
				{
					Attributes: attrs,
					Points:     points,
					Label:      a.Label,
				},
			},
			FilePath: path,
		}

		crops = append(crops, img2.SubImage(r))
		annotatedFiles = append(annotatedFiles, fileData)
	}

	return crops, annotatedFiles, nil
}

// AnnotatedFiles is the annotation metadata for a list of files.
type AnnotatedFiles []AnnotatedFile

// MapLabels replaces label (sub-)strings with substitution values, as specified in mappings.
//
// The format of mappings is old=new.
func (data *AnnotatedFiles) MapLabels(mappings []string) error {
	if len(mappings) == 0 {
		return nil
	}

	// Extract the individual old and new strings to map between.
	replacements := make([]struct{ old, new string }, len(mappings))
	for i, v := range mappings {
		a := strings.Split(v, "=")
		if len(a) != 2 {
			return fmt.Errorf("invalid mapping: %v", v)
		}

		replacements[i].old = a[0]
		replacements[i].new = a[1]
	}

	// Apply the replacements, in order, to all labels.
	count := 0
	for _, f := range *data {
		for i, aLen := 0, len(f.Annotations); i < aLen; i++ {
			a := &f.Annotations[i]

			oldLabel := a.Label
			for _, r := range replacements {
				a.Label = strings.Replace(a.Label, r.old, r.new, -1)
			}

			if a.Label != oldLabel {
				count++
			}
		}
	}

	log.Info().Msgf("The label mappings changed %d labels", count)
	return nil
}

// Filter filters out annotations which do not match any of the given labelNames, have fewer than
// minPoints vertices, a derived bounding box with less than minBboxWidth or minBboxHeight, or do
// not match the required aspect ratio.
//
// The aspect ratio of width/height must be in [minAspectRatio, maxAspectRatio], except that a
// min/max value of zero disables the respective filter.
//
// If requireLabel is true, files left with no annotations are dropped as well.
func (data *AnnotatedFiles) Filter(labelNames []string, minPoints int, requireLabel bool,
		minBboxWidth, minBboxHeight, minAspectRatio, maxAspectRatio float64) {

	// Deletes the annotation at index i.
	deleteAnnotation := func(annotations []Annotation, i int) []Annotation {
		l := len(annotations)
		annotations[i] = annotations[l-1]
		return annotations[:l-1]
	}

	// Look for string in list.
	inList := func(v string, l []string) bool {
		for _, val := range l {
			if val == v {
				return true
			}
		}
		return false
	}

	numFiles := len(*data)
	numLabelsBeforeFilter := 0
	numLabelsAfterFilter := 0

	// Apply filters.
	for dataIdx, dataLen := 0, len(*data); dataIdx < dataLen; dataIdx++ {
		d := &(*data)[dataIdx]
		numLabelsBeforeFilter += len(d.Annotations)

		// Annotation filters.
		for i, aLen := 0, len(d.Annotations); i < aLen; i++ {
			a := &d.Annotations[i]

			// Filter by vertex count.
			if len(a.Points) < minPoints {
				d.Annotations = deleteAnnotation(d.Annotations, i)
				aLen--
				i--
				continue
			}

			// Filter by the derived bounding box. Annotations whose bounds cannot be derived
			// never survive a size or aspect filter.
			if minBboxWidth > 0 || minBboxHeight > 0 || minAspectRatio != 0 || maxAspectRatio != 0 {
				box, err := a.Bounds()
				if err != nil {
					d.Annotations = deleteAnnotation(d.Annotations, i)
					aLen--
					i--
					continue
				}

				// Filter by bbox size.
				if minBboxWidth > box.Width || minBboxHeight > box.Height {
					d.Annotations = deleteAnnotation(d.Annotations, i)
					aLen--
					i--
					continue
				}

				// Filter by bbox aspect ratio.
				if minAspectRatio != 0 || maxAspectRatio != 0 {
					keep := box.Height != 0
					if keep {
						ratio := box.Aspect()
						keep = (minAspectRatio == 0 || ratio >= minAspectRatio) &&
								(maxAspectRatio == 0 || ratio <= maxAspectRatio)
					}
					if !keep {
						d.Annotations = deleteAnnotation(d.Annotations, i)
						aLen--
						i--
						continue
					}
				}
			}

			// Filter by labels.
			if len(labelNames) > 0 && !inList(a.Label, labelNames) {
				d.Annotations = deleteAnnotation(d.Annotations, i)
				aLen--
				i--
				continue
			}
		}

		numLabelsAfterFilter += len(d.Annotations)

		// Delete the file annotation if files with no labels are filtered out.
		if requireLabel && len(d.Annotations) == 0 {
			dataLen--
			(*data)[dataIdx] = (*data)[dataLen]
			*data = (*data)[0:dataLen]
			dataIdx--
		}
	}

	log.Info().Msgf("Filtered out %d labels and %d files",
		numLabelsBeforeFilter-numLabelsAfterFilter, numFiles-len(*data))
}

// TransformBounds transforms the derived bounding box of every annotation and replaces the
// polygon with the four corners of the result.
//
// First boxes are scaled by the horizontal and vertical scale factors scaleX and scaleY. Next,
// the box is grown (never shrunk) to match the desired aspect ratio. An aspectRatio of zero
// disables that step.
//
// The polygon data is consumed by this operation, so it belongs immediately before output.
// Annotations whose bounds cannot be derived are left untouched.
func (data *AnnotatedFiles) TransformBounds(scaleX, scaleY, aspectRatio float64) {
	for _, f := range *data {
		for i, aLen := 0, len(f.Annotations); i < aLen; i++ {
			a := &f.Annotations[i]

			box, err := a.Bounds()
			if err != nil {
				continue
			}

			box = box.Scale(scaleX, scaleY).GrowToAspect(aspectRatio)
			a.Points = []Point{
				{X: box.X, Y: box.Y},
				{X: box.X + box.Width, Y: box.Y},
				{X: box.X + box.Width, Y: box.Y + box.Height},
				{X: box.X, Y: box.Y + box.Height},
			}
		}
	}
}

// ProcessImages resizes all referenced images and writes them to imageOutDir using the specified
// encoding.
//
// If doCropObjects is true, the bounding boxes of individual objects are cropped from the images.
// The crops are resized instead of the original images in this case. The data changes accordingly,
// with 0 or more cropped images replacing the original AnnotatedFile.
func (data *AnnotatedFiles) ProcessImages(imageOutDir string, longerSide, shorterSide int,
		downsamplingFilter, upsamplingFilter, encoding string, jpegQuality int,
		doCropObjects bool) error {

	doResizeImages := longerSide > 0 || shorterSide > 0
	if !doResizeImages && !doCropObjects {
		return nil
	}
	log.Info().Msg("Processing images")

	// Select the resampling algorithms.
	downsample, err := resampleFilter(downsamplingFilter)
	if err != nil {
		return err
	}
	upsample, err := resampleFilter(upsamplingFilter)
	if err != nil {
		return err
	}

	// Select the output file extension based on the requested encoding.
	var fileExt string
	switch strings.ToLower(encoding) {
	case "jpg", "jpeg":
		fileExt = ".jpg"
	case "png":
		fileExt = ".png"
	default:
		return fmt.Errorf("unsupported output encoding %q", encoding)
	}

	// Prepare for concurrent processing. Limit the number of goroutines in flight, as they load
	// potentially large images into memory.
	numTasks := 2 * runtime.NumCPU()
	if len(*data) < numTasks {
		numTasks = len(*data)
	}
	workQueue := make(chan *AnnotatedFile, 2*numTasks)

	var croppedData []AnnotatedFile
	var croppedDataCh chan *AnnotatedFile
	if doCropObjects {
		croppedData = make([]AnnotatedFile, 0, len(*data))
		croppedDataCh = make(chan *AnnotatedFile, 2*numTasks)
	}

	errors := make(chan error, 1)
	var wg sync.WaitGroup

	// Process images concurrently from a work queue.
	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for d := range workQueue {
				processImage(d, imageOutDir, fileExt, longerSide, shorterSide, downsample,
					upsample, jpegQuality, doCropObjects, doResizeImages, croppedDataCh, errors)
			}
		}()
	}

	// Append image metadata for cropped images.
	var wgAppend sync.WaitGroup
	if doCropObjects {
		wgAppend.Add(1)
		go func() {
			defer wgAppend.Done()
			for d := range croppedDataCh {
				croppedData = append(croppedData, *d)
			}
		}()
	}

	// Feed the work queue.
	for i := range *data {
		workQueue <- &(*data)[i]
	}
	close(workQueue)

	// Wait for image processing to finish.
	wg.Wait()
	if doCropObjects {
		// Wait for all new metadata to be appended and then replace the old data.
		close(croppedDataCh)
		wgAppend.Wait()
		*data = croppedData
	}

	close(errors)
	if len(errors) > 0 {
		return <-errors
	}

	return nil
}

// processImage processes the image described by data.
//
// If and only if doCropObjects is true, new metadata for the image crops is written to croppedData.
func processImage(data *AnnotatedFile, imageOutDir, fileExt string, longerSide, shorterSide int,
		downsample, upsample imaging.ResampleFilter, jpegQuality int, doCropObjects, doResizeImage bool,
		croppedData chan<- *AnnotatedFile, errors chan<- error) {

	trySendError := func(err error) {
		select {
		case errors <- err:
		default:
		}
	}

	// Read the image.
	img, _, err := loadImage(data.FilePath)
	if err != nil {
		trySendError(err)
		return
	}

	// Crop labelled objects from the image if requested.
	var images []image.Image
	var imageData []*AnnotatedFile
	if doCropObjects {
		// The original image is not further processed in this case.
		var tmpData []AnnotatedFile
		images, tmpData, err = data.cropObjectsFromImage(img)
		if err != nil {
			trySendError(err)
			return
		}

		imageData = make([]*AnnotatedFile, len(tmpData))
		for i := range tmpData {
			imageData[i] = &tmpData[i]
		}
	} else {
		images = []image.Image{img}
		imageData = []*AnnotatedFile{data}
	}

	// Process either the original image or the crops.
	for i, img := range images {
		data := imageData[i]

		// Resize.
		var scaleWidth, scaleHeight float64
		if doResizeImage {
			img, scaleWidth, scaleHeight, err =
					resizeImage(img, longerSide, shorterSide, downsample, upsample)
			if err != nil {
				trySendError(err)
				return
			}
		}

		// Save the image.
		inName := filepath.Base(data.FilePath)
		inFileExt := filepath.Ext(inName)
		outName := inName[0:len(inName)-len(inFileExt)] + fileExt
		outPath := filepath.Join(imageOutDir, outName)
		if err := saveImage(outPath, img, jpegQuality); err != nil {
			trySendError(err)
			return
		}

		// Update the image file path and rescale the vertices.
		data.FilePath = outPath
		if doResizeImage {
			data.scalePoints(scaleWidth, scaleHeight)
		}

		// Return the metadata for the cropped image.
		if doCropObjects {
			croppedData <- data
		}
	}
}

// Split randomly splits the data into multiple datasets.
//
// The cumulativeSplits specify the cumulative distribution according to which the data is split
// into the returned datasets. Its values must add up to 100!
func (data *AnnotatedFiles) Split(cumulativeSplits []int) ([]AnnotatedFiles, error) {
	datasets := make([]AnnotatedFiles, len(cumulativeSplits))

	// Allocate slightly more than the expected size for each dataset.
	var sum int
	for i, s := range cumulativeSplits {
		percent := s - sum
		datasets[i] = make(AnnotatedFiles, 0, int(1.05*float64(percent)/100*float64(len(*data))))
		sum = s
	}
	if sum != 100 {
		return nil, fmt.Errorf("the split percentages do not add up to 100")
	}

	// Split the data.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

outer:
	for _, d := range *data {
		r := rng.Intn(100)
		for i, s := range cumulativeSplits {
			if r < s {
				datasets[i] = append(datasets[i], d)
				continue outer
			}
		}
	}

	return datasets, nil
}

// clamp limits v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
