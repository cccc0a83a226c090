package utils

// Server-side strings for the report PDF, the report email and a few API
// messages. Italian is the reference language.

const DefaultLocale = "it"

// SupportedLocales lists the locales T knows, default first.
var SupportedLocales = []string{"it", "en"}

var translations = map[string]map[string]string{
	"it": {
		"health.ok":             "ok",
		"report.title":          "AI Maturity Assessment - Report",
		"report.respondent":     "Utente",
		"report.version":        "Versione questionario",
		"report.submitted":      "Inviato il",
		"report.generated":      "Report generato il",
		"report.total":          "Punteggio complessivo di maturità AI",
		"report.level":          "Livello",
		"report.areas":          "Punteggi dettagliati per area",
		"report.weight":         "Peso",
		"report.contribution":   "Contributo",
		"report.element":        "Elemento",
		"report.average":        "Media",
		"report.footer":         "Report riservato, destinato esclusivamente al destinatario.",
		"email.subject":         "Il tuo AI Maturity Assessment - Report Completo",
		"email.heading":         "Il tuo report è pronto!",
		"email.greeting":        "Gentile",
		"email.default_name":    "Utente",
		"email.intro":           "Grazie per aver completato l'AI Maturity Assessment. Il tuo report completo è allegato a questa email.",
		"email.results":         "I tuoi risultati",
		"email.total":           "Punteggio totale",
		"email.level":           "Livello di maturità",
		"email.attachment_note": "Il report PDF è allegato a questa email. Se non lo vedi, controlla la cartella spam.",
		"email.closing":         "Cordiali saluti,",
		"email.signature":       "Il Team AI Maturity Assessment",
		"email.automatic":       "Questa è una email automatica, si prega di non rispondere.",
		"email.attachment_name": "AI-Maturity-Assessment",
	},
	"en": {
		"health.ok":             "ok",
		"report.title":          "AI Maturity Assessment Report",
		"report.respondent":     "User",
		"report.version":        "Questionnaire version",
		"report.submitted":      "Submitted",
		"report.generated":      "Report generated",
		"report.total":          "Overall AI maturity score",
		"report.level":          "Level",
		"report.areas":          "Detailed scores by area",
		"report.weight":         "Weight",
		"report.contribution":   "Contribution",
		"report.element":        "Element",
		"report.average":        "Average",
		"report.footer":         "This report is confidential and intended solely for the recipient.",
		"email.subject":         "Your AI Maturity Assessment - Full Report",
		"email.heading":         "Your report is ready!",
		"email.greeting":        "Dear",
		"email.default_name":    "User",
		"email.intro":           "Thank you for completing the AI Maturity Assessment. Your full report is attached to this email.",
		"email.results":         "Your results",
		"email.total":           "Total score",
		"email.level":           "Maturity level",
		"email.attachment_note": "The PDF report is attached to this email. If you cannot see it, check your spam folder.",
		"email.closing":         "Kind regards,",
		"email.signature":       "The AI Maturity Assessment Team",
		"email.automatic":       "This is an automated email, please do not reply.",
		"email.attachment_name": "AI-Maturity-Assessment",
	},
}

// T returns the translated string for key in locale, falling back to the
// default locale and then to the key itself.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := translations[DefaultLocale][key]; ok {
		return v
	}
	return key
}

// Translator binds T to one locale.
func Translator(locale string) func(key string) string {
	return func(key string) string { return T(locale, key) }
}
