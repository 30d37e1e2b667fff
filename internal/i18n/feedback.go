package i18n

import (
	"fmt"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
)

// Feedback renders similarity reasons and hints in one language.
type Feedback struct {
	loc *i18n.Localizer
}

// NewFeedback returns feedback in lang, falling back to the default language.
func NewFeedback(lang string) Feedback {
	return Feedback{loc: NewLocalizer(lang)}
}

func (f Feedback) Reasons(cosine, jaccard float64) string {
	return localize(f.loc, &i18n.LocalizeConfig{
		MessageID: "ReasonsSimilarity",
		TemplateData: map[string]any{
			"Cosine":  fmt.Sprintf("%.2f", cosine),
			"Jaccard": fmt.Sprintf("%.2f", jaccard),
		},
	})
}

func (f Feedback) Hint(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	return localize(f.loc, &i18n.LocalizeConfig{
		MessageID:    "HintMissingKeywords",
		TemplateData: map[string]any{"Keywords": strings.Join(missing, ", ")},
	})
}
