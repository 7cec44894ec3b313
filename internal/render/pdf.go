// Package render turns a generated plan into the PDF the customer downloads.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/planbox/internal/generation"
)

// ErrInvalidArtifact is returned when rendered bytes are not a usable PDF.
var ErrInvalidArtifact = errors.New("render: invalid pdf artifact")

var pdfMagic = []byte("%PDF-")

// Renderer produces the deliverable binary for a plan.
type Renderer interface {
	Render(ctx context.Context, plan generation.Plan) ([]byte, error)
}

// PDFRenderer lays out plans on A4 pages.
type PDFRenderer struct {
	Author string
	// Now stamps the document creation date.
	Now func() time.Time
}

// Render implements Renderer.
func (r PDFRenderer) Render(ctx context.Context, plan generation.Plan) ([]byte, error) {
	_, span := otel.Tracer("render.PDFRenderer").Start(ctx, "PDFRenderer.Render")
	defer span.End()
	span.SetAttributes(attribute.Int("plan.days", len(plan.Days)))

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(true)
	pdf.SetCreationDate(r.now())
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(plan.Title), false)
	if r.Author != "" {
		pdf.SetAuthor(r.Author, false)
	}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 9, tr(plan.Title), "", "L", false)
	pdf.Ln(4)

	for _, day := range plan.Days {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 8, fmt.Sprintf("Day %d  (%d kcal)", day.Day, day.TotalCalories()), "B", 1, "L", false, 0, "")
		pdf.Ln(2)
		for _, meal := range day.Meals {
			pdf.SetFont("Helvetica", "B", 11)
			pdf.CellFormat(0, 6, tr(fmt.Sprintf("%s - %d kcal", meal.Name, meal.Calories)), "", 1, "L", false, 0, "")
			pdf.SetFont("Helvetica", "", 10)
			if meal.Description != "" {
				pdf.MultiCell(0, 5, tr(meal.Description), "", "L", false)
			}
			pdf.MultiCell(0, 5, tr("Ingredients: "+strings.Join(meal.Ingredients, ", ")), "", "L", false)
			pdf.Ln(2)
		}
		pdf.Ln(3)
	}
	if len(plan.Notes) > 0 {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, "Notes", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, n := range plan.Notes {
			pdf.MultiCell(0, 5, tr("- "+n), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}

func (r PDFRenderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ValidatePDF checks the artifact is non-empty and carries the PDF header.
func ValidatePDF(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty output", ErrInvalidArtifact)
	}
	if !bytes.HasPrefix(b, pdfMagic) {
		return fmt.Errorf("%w: missing %%PDF- header", ErrInvalidArtifact)
	}
	return nil
}

// WithTimeout runs r under a hard deadline. Layout is CPU bound and ignores
// ctx, so the render goroutine is abandoned when the deadline passes.
func WithTimeout(ctx context.Context, r Renderer, plan generation.Plan, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return r.Render(ctx, plan)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		b   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := r.Render(ctx, plan)
		done <- result{b, err}
	}()
	select {
	case res := <-done:
		return res.b, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("render: %w", ctx.Err())
	}
}
