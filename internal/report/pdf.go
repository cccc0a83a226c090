// Package report renders assessment reports and delivers them by email.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/soaringjerry/aimaturity/internal/scoring"
	"github.com/soaringjerry/aimaturity/internal/services"
	"github.com/soaringjerry/aimaturity/internal/utils"
)

var errNoScores = errors.New("report: assessment has no scores")

// PDFRenderer draws the one-page A4 report with fpdf's core fonts.
type PDFRenderer struct {
	now func() time.Time
}

var _ services.Renderer = (*PDFRenderer)(nil)

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{now: func() time.Time { return time.Now().UTC() }}
}

const dateLayout = "02/01/2006 15:04"

func (r *PDFRenderer) Render(ctx context.Context, in services.ReportInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Scores == nil {
		return nil, errNoScores
	}
	t := utils.Translator(in.Locale)
	generated := r.now()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(generated)
	pdf.SetTitle(t("report.title"), true)
	pdf.SetCreator("aimaturity", true)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	// core fonts are cp1252; accented Italian text needs translating
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(102, 102, 102)
		pdf.CellFormat(0, 5, tr(t("report.footer")), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("%d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetTextColor(30, 64, 175)
	pdf.CellFormat(0, 12, tr(t("report.title")), "", 1, "C", false, 0, "")
	pdf.Ln(2)

	display := in.Name
	if display == "" {
		display = in.Email
	}
	pdf.SetTextColor(51, 51, 51)
	meta := [][2]string{
		{t("report.respondent"), display},
		{t("report.version"), fmt.Sprintf("v%d", in.VersionNumber)},
		{t("report.submitted"), formatDate(in.SubmittedAt)},
		{t("report.generated"), formatDate(generated)},
	}
	for _, kv := range meta {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(50, 6, tr(kv[0]+":"), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, tr(kv[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFillColor(239, 246, 255)
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 8, tr(t("report.total")), "", 1, "C", true, 0, "")
	pdf.SetFont("Helvetica", "B", 24)
	pdf.SetTextColor(37, 99, 235)
	pdf.CellFormat(0, 12, fmt.Sprintf("%.1f / 100", in.Scores.TotalScore), "", 1, "C", true, 0, "")
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(30, 64, 175)
	pdf.CellFormat(0, 8, tr(t("report.level")+": "+in.Scores.MaturityLevel), "", 1, "C", true, 0, "")
	pdf.Ln(6)

	pdf.SetTextColor(51, 51, 51)
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 8, tr(t("report.areas")), "", 1, "L", false, 0, "")
	for _, area := range in.Scores.Areas {
		drawArea(pdf, tr, t, area)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func drawArea(pdf *fpdf.Fpdf, tr func(string) string, t func(string) string, area scoring.AreaScore) {
	pdf.SetFillColor(248, 250, 252)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(120, 7, tr(area.Code+". "+area.Name), "B", 0, "L", true, 0, "")
	pdf.CellFormat(0, 7, fmt.Sprintf("%.1f%%", area.AreaPercentage), "B", 1, "R", true, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(71, 85, 105)
	pdf.CellFormat(0, 5, tr(fmt.Sprintf("%s %.0f%%  |  %s %.2f", t("report.weight"), area.Weight*100, t("report.contribution"), area.Contribution)), "", 1, "L", false, 0, "")
	for _, el := range area.Elements {
		pdf.CellFormat(10, 5, "", "", 0, "L", false, 0, "")
		pdf.CellFormat(60, 5, tr(t("report.element")+" "+el.Code), "", 0, "L", false, 0, "")
		pdf.CellFormat(50, 5, tr(fmt.Sprintf("%s %.1f", t("report.average"), el.Average)), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("%.1f%%", el.Percentage), "", 1, "R", false, 0, "")
	}
	pdf.SetTextColor(51, 51, 51)
	pdf.Ln(3)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(dateLayout)
}
