package polyconv

// LabelMe annotation document specific functionality.
//
// A LabelMe document describes the labelled shapes for a single image. This
// package consumes polygon (and optionally rectangle) shapes and can write
// documents back with every shape reduced to its bounding rectangle.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// labelMeVersion is written to generated documents. It is the annotation tool
// version the on-disk schema was taken from.
const labelMeVersion = "4.5.6"

// LabelMeShape is a single shape within a LabelMe document.
type LabelMeShape struct {
	Label     string          `json:"label"`
	Points    [][]float64     `json:"points"`
	GroupID   *int            `json:"group_id"`
	ShapeType string          `json:"shape_type"`
	Flags     map[string]bool `json:"flags"`
}

// LabelMeDocument defines the LabelMe annotation structure for a single file.
type LabelMeDocument struct {
	Version     string          `json:"version"`
	Flags       map[string]bool `json:"flags"`
	Shapes      []LabelMeShape  `json:"shapes"`
	ImagePath   string          `json:"imagePath"`
	ImageData   *string         `json:"imageData"`
	ImageHeight int             `json:"imageHeight,omitempty"`
	ImageWidth  int             `json:"imageWidth,omitempty"`
}

// rawDocument defers shape decoding so that one malformed shape fails alone
// instead of aborting the whole document.
type rawDocument struct {
	Version     string            `json:"version"`
	Shapes      []json.RawMessage `json:"shapes"`
	ImagePath   string            `json:"imagePath"`
	ImageHeight int               `json:"imageHeight"`
	ImageWidth  int               `json:"imageWidth"`
}

// rawShape decodes coordinates as json.Number so that non-numeric values are
// rejected per shape as ErrMalformedCoordinate.
type rawShape struct {
	Label     string          `json:"label"`
	Points    [][]json.Number `json:"points"`
	GroupID   *int            `json:"group_id"`
	ShapeType string          `json:"shape_type"`
}

// FromLabelMe reads and parses all LabelMe documents (*.json) found directly
// in labelDir. Only shapes whose shape_type is listed in shapeTypes are
// converted; an empty list means polygons only.
//
// Documents that cannot be read or parsed, and shapes that fail conversion,
// are skipped and logged. Processing always continues with the remaining
// input.
func FromLabelMe(labelDir string, shapeTypes []string) ([]AnnotatedFile, error) {
	labelFiles, err := filesByExtInDir(labelDir, ".json")
	if err != nil {
		return nil, err
	}
	log.Info().Msgf("Parsing LabelMe documents for %d files", len(labelFiles))

	eligible := shapeTypeSet(shapeTypes)

	data := make([]AnnotatedFile, 0, len(labelFiles))
	for _, path := range labelFiles {
		enc, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Msgf("Error while reading, skipping %q", path)
			continue
		}

		fileData, err := ParseDocument(enc, fallbackImageName(path), eligible)
		if err != nil {
			log.Warn().Err(err).Msgf("Error while parsing, skipping %q", path)
			continue
		}

		data = append(data, fileData)
	}

	return data, nil
}

// ParseDocument parses a single LabelMe document and converts its eligible
// shapes to the intermediate representation. fallbackName is used as the
// image file name when the document carries no imagePath. eligible holds the
// accepted shape types.
//
// Shapes that fail conversion are skipped and logged; their siblings are
// unaffected.
func ParseDocument(enc []byte, fallbackName string, eligible map[string]bool) (
		AnnotatedFile, error) {

	var doc rawDocument
	if err := json.Unmarshal(enc, &doc); err != nil {
		return AnnotatedFile{}, fmt.Errorf("failed to parse LabelMe document: %v", err)
	}

	imagePath := doc.ImagePath
	if imagePath == "" {
		imagePath = fallbackName
	}

	fileData := AnnotatedFile{
		Annotations: make([]Annotation, 0, len(doc.Shapes)),
		FilePath:    imagePath,
	}
	skippedTypes := 0
	for _, raw := range doc.Shapes {
		a, shapeType, err := parseShape(raw)
		if err != nil {
			log.Warn().Err(err).Str("image", imagePath).Msg("Skipping shape")
			continue
		}
		if !eligible[shapeType] {
			skippedTypes++
			continue
		}

		fileData.Annotations = append(fileData.Annotations, a)
	}
	if skippedTypes > 0 {
		log.Debug().Str("image", imagePath).
				Msgf("Skipped %d shapes with ineligible shape types", skippedTypes)
	}

	return fileData, nil
}

// parseShape converts one raw shape into an IR annotation. The returned shape
// type lets the caller decide on eligibility before the annotation is used.
func parseShape(enc json.RawMessage) (Annotation, string, error) {
	var s rawShape
	if err := json.Unmarshal(enc, &s); err != nil {
		return Annotation{}, "", fmt.Errorf("%w: %v", ErrMalformedCoordinate, err)
	}

	if s.Label == "" {
		return Annotation{}, s.ShapeType, fmt.Errorf("%w: label", ErrMissingField)
	}
	if len(s.Points) == 0 {
		return Annotation{}, s.ShapeType, ErrInvalidPolygon
	}

	points := make([]Point, len(s.Points))
	for i, p := range s.Points {
		if len(p) < 2 {
			return Annotation{}, s.ShapeType,
					fmt.Errorf("%w: point %d has %d components", ErrMalformedCoordinate, i, len(p))
		}
		x, err := p[0].Float64()
		if err == nil {
			points[i].X = x
			points[i].Y, err = p[1].Float64()
		}
		if err != nil {
			return Annotation{}, s.ShapeType, fmt.Errorf("%w: %v", ErrMalformedCoordinate, err)
		}
	}

	a := Annotation{
		Attributes: map[string]interface{}{ShapeType: s.ShapeType},
		Points:     points,
		Label:      s.Label,
	}
	if s.GroupID != nil {
		a.Attributes[GroupID] = *s.GroupID
	}

	return a, s.ShapeType, nil
}

// ToLabelMe converts the intermediate representation to LabelMe documents,
// reducing each annotation to a two-point rectangle shape. Annotations whose
// bounds cannot be derived are skipped and logged.
func ToLabelMe(data []AnnotatedFile) []LabelMeDocument {
	docs := make([]LabelMeDocument, 0, len(data))
	for _, fileData := range data {
		doc := LabelMeDocument{
			Version:   labelMeVersion,
			Flags:     map[string]bool{},
			Shapes:    make([]LabelMeShape, 0, len(fileData.Annotations)),
			ImagePath: fileData.FilePath,
		}
		for _, a := range fileData.Annotations {
			box, err := a.Bounds()
			if err != nil {
				log.Warn().Err(err).Str("image", fileData.FilePath).Msg("Skipping annotation")
				continue
			}

			shape := LabelMeShape{
				Label: a.Label,
				Points: [][]float64{
					{box.X, box.Y},
					{box.X + box.Width, box.Y + box.Height},
				},
				ShapeType: "rectangle",
				Flags:     map[string]bool{},
			}
			if id, ok := a.Attributes[GroupID].(int); ok {
				shape.GroupID = &id
			}

			doc.Shapes = append(doc.Shapes, shape)
		}
		docs = append(docs, doc)
	}

	return docs
}

// WriteLabelMe writes one document per annotated image to dirPath, named
// after the image file with a .json extension.
func WriteLabelMe(dirPath string, docs []LabelMeDocument) error {
	dirInfo, err := os.Stat(dirPath)
	if err != nil || !dirInfo.IsDir() {
		return fmt.Errorf("cannot access directory %q: %v", dirPath, err)
	}

	for _, doc := range docs {
		enc, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}

		name := filepath.Base(doc.ImagePath)
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".json"
		outPath := filepath.Join(dirPath, name)
		if err := os.WriteFile(outPath, enc, 0644); err != nil {
			return fmt.Errorf("cannot write file %q: %v", outPath, err)
		}
	}

	return nil
}

// shapeTypeSet normalises the eligible shape types; an empty list defaults to
// polygons only.
func shapeTypeSet(shapeTypes []string) map[string]bool {
	if len(shapeTypes) == 0 {
		return map[string]bool{"polygon": true}
	}

	set := make(map[string]bool, len(shapeTypes))
	for _, t := range shapeTypes {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

// fallbackImageName derives an image file name from the document path, for
// documents that do not name their image.
func fallbackImageName(docPath string) string {
	base := filepath.Base(docPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
}
