// Package export writes the validated JSONL feed. Every row is checked
// against the article schema before it is written; the first invalid row
// aborts the export.
package export

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pressindex/collector/internal/model"
)

//go:embed schemas/article.schema.json
var articleSchemaJSON string

//go:embed schemas/evidence.schema.json
var evidenceSchemaJSON string

// Exporter validates and writes article rows. Construct with New.
type Exporter struct {
	schema *gojsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Exporter, error) {
	schema, err := compileArticleSchema()
	if err != nil {
		return nil, err
	}
	return &Exporter{schema: schema}, nil
}

func compileArticleSchema() (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewSchemaLoader()
	if err := loader.AddSchemas(gojsonschema.NewStringLoader(evidenceSchemaJSON)); err != nil {
		return nil, fmt.Errorf("load evidence schema: %w", err)
	}
	schema, err := loader.Compile(gojsonschema.NewStringLoader(articleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile article schema: %w", err)
	}
	return schema, nil
}

// ValidateSchemas compiles both embedded schemas, reporting the first
// compilation failure. Used by the validate-schemas command.
func ValidateSchemas() error {
	if _, err := compileArticleSchema(); err != nil {
		return err
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(evidenceSchemaJSON)); err != nil {
		return fmt.Errorf("compile evidence schema: %w", err)
	}
	return nil
}

// Write streams articles as JSONL to w, one validated object per line.
// Returns the number of rows written. The first schema violation stops the
// export with an error naming the offending article.
func (e *Exporter) Write(ctx context.Context, w io.Writer, articles []model.Article) (int, error) {
	encoder := json.NewEncoder(w)
	written := 0
	for _, article := range articles {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if article.Evidence == nil {
			article.Evidence = []model.Evidence{}
		}
		encoded, err := json.Marshal(article)
		if err != nil {
			return written, fmt.Errorf("encode article %s: %w", article.ID, err)
		}
		result, err := e.schema.Validate(gojsonschema.NewBytesLoader(encoded))
		if err != nil {
			return written, fmt.Errorf("validate article %s: %w", article.ID, err)
		}
		if !result.Valid() {
			return written, fmt.Errorf("article %s failed schema validation: %s",
				article.ID, formatViolations(result))
		}
		if err := encoder.Encode(json.RawMessage(encoded)); err != nil {
			return written, fmt.Errorf("write article %s: %w", article.ID, err)
		}
		written++
	}
	return written, nil
}

// WriteFile exports to path, creating or truncating the file.
func (e *Exporter) WriteFile(ctx context.Context, path string, articles []model.Article) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	written, writeErr := e.Write(ctx, f, articles)
	if closeErr := f.Close(); writeErr == nil && closeErr != nil {
		return written, fmt.Errorf("close export file: %w", closeErr)
	}
	return written, writeErr
}

func formatViolations(result *gojsonschema.Result) string {
	var parts []string
	for _, violation := range result.Errors() {
		parts = append(parts, violation.String())
	}
	return strings.Join(parts, "; ")
}
