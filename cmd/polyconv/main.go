// Converts LabelMe polygon annotation documents to Visual Layer CSV, KITTI,
// TFRecord and LabelMe rectangle label formats.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sensorable/polyconv"
)

// The known output formats.
const (
	formatCSV      = "csv"
	formatKitti    = "kitti"
	formatTFRecord = "tfrecord"
	formatLabelMe  = "labelme"
)

var (
	convertTo string // The target format.

	labelDirPath       string   // The input directory with the LabelMe documents.
	labelOutPaths      []string // The output label file or dir path(s), depending on the format.
	labelOutSplits     []int    // The cumulative split percentages for the output datasets.
	imageDirPath       string   // The input directory with the annotated images.
	imageOutDirPath    string   // The output directory for images after processing.
	labelMapFilePath   string   // The TFRecord label map file.
	numShardFiles      int      // The number of TFRecord shard files to create.
	shapeTypes         []string // The eligible shape types.
	labelMappings      []string // old=new label mappings.
	filterLabels       []string // Labels to keep (empty keeps all).
	filterMinPoints    int      // The minimum number of polygon vertices.
	filterRequireLabel bool     // Filter out files with no labels (after other filters).
	filterMinWidth     float64  // The minimum bounding box width.
	filterMinHeight    float64  // The minimum bounding box height.
	filterMinAspect    float64  // The minimum aspect ratio of bboxes (w/h).
	filterMaxAspect    float64  // The maximum aspect ratio of bboxes (w/h).
	bboxScaleWidth     float64  // A scale factor for the bounding box width.
	bboxScaleHeight    float64  // A scale factor for the bounding box height.
	bboxAspectRatio    float64  // The desired output aspect ratio for bounding boxes.
	imageOutEncoding   string   // The file type for image outputs.
	imageResizeLonger  int      // The target length for the longer side of the image.
	imageResizeShorter int      // The target length for the shorter side of the image.
	imageDownFilter    string   // The algorithm to use when downsampling.
	imageUpFilter      string   // The algorithm to use when upsampling.
	imageJPEGQuality   int      // The JPEG quality for JPEG outputs.
	imageCropObjects   bool     // Crop object bounding boxes from images and output these instead.
	logLevel           string   // The zerolog level.
)

var rootCmd = &cobra.Command{
	Use:   "polyconv -labels <dir> -to <format> -labels-out <path[,...]>",
	Short: "Convert polygon annotations to bounding-box datasets",
	Long: `polyconv reads LabelMe polygon annotation documents and converts them to
axis-aligned bounding-box datasets: Visual Layer CSV, KITTI label files,
TFRecord object-detection shards, or LabelMe documents with the polygons
replaced by their bounding rectangles.

Labels can be remapped and filtered, datasets split, and the annotated
images resized or cropped along the way. All flags can also be provided as
environment variables with the POLYCONV_ prefix (e.g. POLYCONV_LOG_LEVEL).`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		bindEnvOverrides(cmd)
		return validateFlags()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run()
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&convertTo, "to", formatCSV,
		"the target format {csv, kitti, tfrecord, labelme}")

	// Path arguments.
	f.StringVar(&labelDirPath, "labels", "",
		"the path to the directory with the LabelMe input documents")
	f.StringSliceVar(&labelOutPaths, "labels-out", nil,
		"the label output file (csv, tfrecord) or directory (kitti, labelme) paths;"+
				" one path per value in --split")
	f.IntSliceVar(&labelOutSplits, "split", []int{100},
		"the output split percentages to divide the dataset into; must add up to 100")
	f.StringVar(&imageDirPath, "images", "",
		"the path to the image input directory; when set, image paths from the documents are"+
				" resolved against it")
	f.StringVar(&imageOutDirPath, "images-out", "",
		"the path to the image output directory (only required when image processing is used)")
	f.StringVar(&labelMapFilePath, "tfrecord-label-map-file", "",
		"the TFRecord label map file path")
	f.IntVar(&numShardFiles, "num-shards", 1,
		"the number of shard files to create (tfrecord only)")

	// Conversion and transformation arguments.
	f.StringSliceVar(&shapeTypes, "shape-types", []string{"polygon"},
		"the shape types to convert; a rectangle's corner points form a valid point set")
	f.StringSliceVar(&labelMappings, "map-labels", nil,
		"old=new label (sub-)string replacements")
	f.Float64Var(&bboxScaleWidth, "bbox-scale-x", 1,
		"a scale factor for the width of all bounding boxes")
	f.Float64Var(&bboxScaleHeight, "bbox-scale-y", 1,
		"a scale factor for the height of all bounding boxes")
	f.Float64Var(&bboxAspectRatio, "bbox-aspect-ratio", 0,
		"the output aspect ratio for bounding boxes; boxes are grown (not shrunk) to match this"+
				" ratio when it is > 0")

	// Filter arguments.
	f.StringSliceVar(&filterLabels, "filter-labels", nil,
		"labels to keep (after map-labels; empty keeps all)")
	f.IntVar(&filterMinPoints, "min-points", 0,
		"the minimum number of polygon vertices to keep an annotation")
	f.BoolVar(&filterRequireLabel, "require-label", false,
		"require at least one annotation (after filters) to keep the file")
	f.Float64Var(&filterMinWidth, "min-bbox-width", 0,
		"the minimum width in pixels for derived bounding boxes")
	f.Float64Var(&filterMinHeight, "min-bbox-height", 0,
		"the minimum height in pixels for derived bounding boxes")
	f.Float64Var(&filterMinAspect, "min-bbox-aspect-ratio", 0,
		"the minimum aspect ratio (width/height) for derived bounding boxes (zero disables)")
	f.Float64Var(&filterMaxAspect, "max-bbox-aspect-ratio", 0,
		"the maximum aspect ratio (width/height) for derived bounding boxes (zero disables)")

	// Image processing arguments.
	f.StringVar(&imageOutEncoding, "image-enc", "jpg",
		"the encoding for output images {jpg, png}")
	f.IntVar(&imageResizeLonger, "resize-longer", 0,
		"the target length for the longer side of the image (zero to keep aspect ratio)")
	f.IntVar(&imageResizeShorter, "resize-shorter", 0,
		"the target length for the shorter side of the image (zero to keep aspect ratio)")
	f.StringVar(&imageDownFilter, "downsample-filter", "box",
		"the filter to use when downsampling an image {nearest, box, linear, gaussian, lanczos}")
	f.StringVar(&imageUpFilter, "upsample-filter", "linear",
		"the filter to use when upsampling an image {nearest, box, linear, gaussian, lanczos}")
	f.IntVar(&imageJPEGQuality, "jpeg-quality", 90,
		"the quality to use when encoding JPEGs [1, 100]")
	f.BoolVar(&imageCropObjects, "crop-objects", false,
		"crop and output object bounding boxes from images (image processing flags apply to the"+
				" individual crops)")

	f.StringVar(&logLevel, "log-level", "info",
		"the log level {trace, debug, info, warn, error}")

	viper.SetEnvPrefix("POLYCONV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindEnvOverrides applies POLYCONV_* environment values to flags that were
// not set on the command line.
func bindEnvOverrides(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		if v := viper.GetString(f.Name); v != "" {
			_ = cmd.Flags().Set(f.Name, v)
		}
	})
}

// validateFlags checks the flag combination for the selected target format.
func validateFlags() error {
	switch convertTo {
	case formatCSV, formatKitti, formatTFRecord, formatLabelMe:
	default:
		return fmt.Errorf("unsupported output format %q", convertTo)
	}

	if labelDirPath == "" {
		return fmt.Errorf("missing label input path argument")
	}
	if len(labelOutPaths) == 0 {
		return fmt.Errorf("missing label output path argument")
	}

	// Validate output split arguments.
	if len(labelOutSplits) != len(labelOutPaths) {
		return fmt.Errorf("the number of output datasets defined by --split and the number of" +
				" paths in --labels-out must match")
	}
	if convertTo == formatKitti && len(labelOutSplits) > 1 {
		return fmt.Errorf("argument --split is not supported with output format %q", formatKitti)
	}
	var splitSum int
	for i, v := range labelOutSplits {
		if v < 0 || v > 100 {
			return fmt.Errorf("invalid value in --split: %d", v)
		}
		// Store the splits as a cumulative distribution.
		splitSum += v
		labelOutSplits[i] = splitSum
	}
	if splitSum != 100 {
		return fmt.Errorf("the values in --split must add up to 100")
	}

	if convertTo == formatTFRecord && labelMapFilePath == "" {
		return fmt.Errorf("missing --tfrecord-label-map-file argument")
	}

	// Transformation arguments.
	if bboxScaleWidth <= 0 || bboxScaleHeight <= 0 {
		return fmt.Errorf("invalid bounding box scale factor")
	}
	if bboxAspectRatio < 0 {
		return fmt.Errorf("invalid value for --bbox-aspect-ratio")
	}

	// Image processing arguments.
	if (imageResizeLonger > 0 || imageResizeShorter > 0 || imageCropObjects) &&
			imageOutDirPath == "" {
		return fmt.Errorf("missing image output directory path")
	}
	if imageJPEGQuality < 1 || imageJPEGQuality > 100 {
		return fmt.Errorf("invalid JPEG quality %d, must be in [1, 100]", imageJPEGQuality)
	}

	// Clean path arguments.
	if imageDirPath != "" {
		imageDirPath = filepath.Clean(imageDirPath)
	}
	if imageOutDirPath != "" {
		imageOutDirPath = filepath.Clean(imageOutDirPath)
		if imageDirPath == imageOutDirPath {
			return fmt.Errorf("the image input and output paths cannot be identical")
		}
	}
	labelDirPath = filepath.Clean(labelDirPath)
	for i, v := range labelOutPaths {
		labelOutPaths[i] = filepath.Clean(v)
		if labelDirPath == labelOutPaths[i] {
			return fmt.Errorf("the label input and output paths cannot be identical")
		}
	}
	if labelMapFilePath != "" {
		labelMapFilePath = filepath.Clean(labelMapFilePath)
	}

	return nil
}

// run executes the conversion pipeline.
func run() error {
	// Parse input.
	data, err := polyconv.FromLabelMe(labelDirPath, shapeTypes)
	if err != nil {
		return fmt.Errorf("failed to parse the input: %v", err)
	}

	af := polyconv.AnnotatedFiles(data)

	// Resolve image paths against the image input directory.
	if imageDirPath != "" {
		for i := range af {
			af[i].FilePath = filepath.Join(imageDirPath, af[i].FilePath)
		}
	}

	// Map labels.
	if len(labelMappings) > 0 {
		if err := af.MapLabels(labelMappings); err != nil {
			return fmt.Errorf("failed to map labels: %v", err)
		}
	}

	// Apply filters.
	af.Filter(filterLabels, filterMinPoints, filterRequireLabel,
		filterMinWidth, filterMinHeight, filterMinAspect, filterMaxAspect)

	// Process images.
	err = af.ProcessImages(imageOutDirPath, imageResizeLonger, imageResizeShorter,
		imageDownFilter, imageUpFilter, imageOutEncoding, imageJPEGQuality, imageCropObjects)
	if err != nil {
		return fmt.Errorf("image processing failed: %v", err)
	}

	// Transform the derived bounding boxes. This consumes the polygon shapes, so it is the last
	// step before output.
	if bboxScaleWidth != 1 || bboxScaleHeight != 1 || bboxAspectRatio > 0 {
		af.TransformBounds(bboxScaleWidth, bboxScaleHeight, bboxAspectRatio)
	}

	// Split data into output datasets.
	var datasets []polyconv.AnnotatedFiles
	if len(labelOutSplits) == 1 {
		datasets = []polyconv.AnnotatedFiles{af}
	} else {
		if datasets, err = af.Split(labelOutSplits); err != nil {
			return fmt.Errorf("failed to split the dataset: %v", err)
		}
	}

	// Write output datasets.
	for i, data := range datasets {
		outPath := labelOutPaths[i]
		switch convertTo {
		case formatCSV:
			err = polyconv.WriteVisualLayer(outPath, polyconv.ToVisualLayer(data))
		case formatKitti:
			err = polyconv.WriteKitti(outPath, polyconv.ToKitti(data))
		case formatTFRecord:
			err = polyconv.WriteTFRecord(outPath, labelMapFilePath, data, numShardFiles)
		case formatLabelMe:
			err = polyconv.WriteLabelMe(outPath, polyconv.ToLabelMe(data))
		}
		if err != nil {
			return fmt.Errorf("conversion failed: %v", err)
		}

		log.Info().Msgf("Successfully wrote labels for %d files to %s", len(data), outPath)
	}

	log.Info().Msgf("Total number of labelled files: %d", len(af))
	return nil
}

// setupLogging configures the global zerolog logger for console output.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(lvl)
}

func main() {
	// The log level flag is parsed by cobra after this, so peek at the env first and re-apply
	// inside the command.
	setupLogging(logLevelFromEnvOrDefault())
	cobra.OnInitialize(func() {
		setupLogging(logLevel)
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logLevelFromEnvOrDefault resolves the initial log level before flag parsing.
func logLevelFromEnvOrDefault() string {
	if v := os.Getenv("POLYCONV_LOG_LEVEL"); v != "" {
		return v
	}
	return "info"
}
