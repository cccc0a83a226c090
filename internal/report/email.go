package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/soaringjerry/aimaturity/internal/services"
	"github.com/soaringjerry/aimaturity/internal/utils"
)

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html lang="{{.Locale}}">
<head><meta charset="UTF-8"><title>{{.T "report.title"}}</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #2563eb; padding: 30px; text-align: center; border-radius: 10px 10px 0 0;">
    <h1 style="color: white; margin: 0;">AI Maturity Assessment</h1>
    <p style="color: white; margin: 10px 0 0 0;">{{.T "email.heading"}}</p>
  </div>
  <div style="background: #f9f9f9; padding: 30px; border-radius: 0 0 10px 10px;">
    <p>{{.T "email.greeting"}} {{.Name}},</p>
    <p>{{.T "email.intro"}}</p>
    <div style="background: white; padding: 20px; border-left: 4px solid #2563eb;">
      <h2 style="margin-top: 0; color: #2563eb;">{{.T "email.results"}}</h2>
      <p><strong>{{.T "email.total"}}:</strong> {{printf "%.1f" .Total}}/100</p>
      <p><strong>{{.T "email.level"}}:</strong> {{.Level}}</p>
    </div>
    <p style="font-size: 14px;">{{.T "email.attachment_note"}}</p>
    <p>{{.T "email.closing"}}<br><strong>{{.T "email.signature"}}</strong></p>
  </div>
  <div style="text-align: center; padding: 20px; color: #666; font-size: 12px;">
    <p>{{.T "email.automatic"}}</p>
    <p>&copy; {{.Year}} AI Maturity Assessment</p>
  </div>
</body>
</html>
`))

type emailData struct {
	Locale string
	Name   string
	Total  float64
	Level  string
	Year   int
	tr     func(string) string
}

func (d emailData) T(key string) string { return d.tr(key) }

// RenderEmail builds the subject and HTML body of the report email. User
// supplied values are escaped by html/template.
func RenderEmail(in services.ReportInput, now time.Time) (subject, body string, err error) {
	if in.Scores == nil {
		return "", "", errNoScores
	}
	locale := in.Locale
	if locale == "" {
		locale = utils.DefaultLocale
	}
	t := utils.Translator(locale)
	name := in.Name
	if name == "" {
		name = t("email.default_name")
	}
	var buf bytes.Buffer
	err = emailTemplate.Execute(&buf, emailData{
		Locale: locale,
		Name:   name,
		Total:  in.Scores.TotalScore,
		Level:  in.Scores.MaturityLevel,
		Year:   now.Year(),
		tr:     t,
	})
	if err != nil {
		return "", "", fmt.Errorf("render email: %w", err)
	}
	return t("email.subject"), buf.String(), nil
}

// AttachmentName is the file name of the PDF sent with the email.
func AttachmentName(in services.ReportInput) string {
	return utils.T(in.Locale, "email.attachment_name") + "-" + in.AssessmentID + ".pdf"
}
