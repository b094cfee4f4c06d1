package polyconv

// Visual Layer bounding box CSV specific functionality.

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// visualLayerHeader is the fixed column order of the output schema.
var visualLayerHeader = []string{"filename", "col_x", "row_y", "width", "height", "label"}

// ToVisualLayer converts the intermediate representation to Visual Layer
// bounding-box records, one per annotation. Annotations that fail extraction
// are skipped and logged; their siblings are unaffected.
func ToVisualLayer(data []AnnotatedFile) []Record {
	records := make([]Record, 0, len(data))
	skipped := 0
	for _, fileData := range data {
		for _, a := range fileData.Annotations {
			r, err := ExtractBoundingBox(a.Points, a.Label, fileData.FilePath)
			if err != nil {
				log.Warn().Err(err).Str("image", fileData.FilePath).Msg("Skipping annotation")
				skipped++
				continue
			}
			records = append(records, r)
		}
	}
	if skipped > 0 {
		log.Info().Msgf("Skipped %d annotations without a valid bounding box", skipped)
	}

	return records
}

// WriteVisualLayer writes the records to outFile as CSV, header row first.
// The label field is quoted by the CSV writer when it contains a comma.
func WriteVisualLayer(outFile string, records []Record) (err error) {
	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("cannot create file %q: %v", outFile, err)
	}
	defer closeWithErrCheck(f, &err)

	w := csv.NewWriter(f)
	if err := w.Write(visualLayerHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Filename,
			formatCoord(r.Box.X),
			formatCoord(r.Box.Y),
			formatCoord(r.Box.Width),
			formatCoord(r.Box.Height),
			r.Label,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()

	return w.Error()
}

// formatCoord renders a coordinate in its shortest round-trip form, so that
// integer-valued coordinates print without a decimal point.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
