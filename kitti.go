package polyconv

// KITTI label output specific functionality.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// KITTIAnnotation is a single annotation within a KITTI label file.
type KITTIAnnotation struct {
	Coords [4]float64 // x1, y1, x2, y2
	Label  string
}

// KITTIAnnotatedFile defines the KITTI annotation structure for a single file.
type KITTIAnnotatedFile struct {
	Annotations []KITTIAnnotation
	FilePath    string
}

// ToKitti converts the intermediate representation to KITTI format. Each
// annotation becomes the derived bounding rectangle of its polygon;
// annotations without derivable bounds are skipped and logged.
func ToKitti(data []AnnotatedFile) []KITTIAnnotatedFile {
	kittiData := make([]KITTIAnnotatedFile, 0, len(data))
	for _, fileData := range data {
		kittiFileData := KITTIAnnotatedFile{
			Annotations: make([]KITTIAnnotation, 0, len(fileData.Annotations)),
			FilePath:    fileData.FilePath,
		}
		for _, a := range fileData.Annotations {
			box, err := a.Bounds()
			if err != nil {
				log.Warn().Err(err).Str("image", fileData.FilePath).Msg("Skipping annotation")
				continue
			}

			kittiFileData.Annotations = append(kittiFileData.Annotations, KITTIAnnotation{
				Coords: [4]float64{box.X, box.Y, box.X + box.Width, box.Y + box.Height},
				Label:  sanitizeKittiLabel(a.Label),
			})
		}
		kittiData = append(kittiData, kittiFileData)
	}

	return kittiData
}

// WriteKitti writes data to dirPath, one label file per annotated image.
func WriteKitti(dirPath string, data []KITTIAnnotatedFile) error {
	dirInfo, err := os.Stat(dirPath)
	if err != nil || !dirInfo.IsDir() {
		return fmt.Errorf("cannot access directory %q: %v", dirPath, err)
	}

	for _, fileData := range data {
		// Use the image file name with .txt extension as label file name.
		base := filepath.Base(fileData.FilePath)
		base = strings.TrimSuffix(base, filepath.Ext(base))
		filePath := filepath.Join(dirPath, base+".txt")
		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		// Write annotations to file.
		for _, a := range fileData.Annotations {
			_, err = fmt.Fprintf(file,
				"%s 0.0 0 0.0 %.2f %.2f %.2f %.2f 0.0 0.0 0.0 0.0 0.0 0.0 0.0\n",
				a.Label, a.Coords[0], a.Coords[1], a.Coords[2], a.Coords[3])
			if err != nil {
				_ = file.Close()
				return err
			}
		}

		if err := file.Close(); err != nil {
			return err
		}
	}

	return nil
}

// sanitizeKittiLabel replaces spaces, which would break the space-separated
// KITTI columns.
func sanitizeKittiLabel(label string) string {
	return strings.ReplaceAll(label, " ", "_")
}
