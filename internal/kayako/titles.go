package kayako

import (
	"strings"
)

// englishLocaleID is the locale id Kayako uses for English translations.
const englishLocaleID = 2

// titleStrategy derives a human-readable title from an article payload,
// returning "" when it cannot.
type titleStrategy func(wireArticle) string

// titleStrategies is tried in order until one yields a non-empty value:
// explicit title field, locale-tagged translation, slug-derived title.
var titleStrategies = []titleStrategy{
	explicitTitle,
	localeTitle,
	slugTitle,
}

// extractTitle runs the title extraction strategies in order.
func extractTitle(a wireArticle) string {
	for _, strategy := range titleStrategies {
		if title := strategy(a); title != "" {
			return title
		}
	}
	return ""
}

// explicitTitle uses the article's direct title field.
func explicitTitle(a wireArticle) string {
	return strings.TrimSpace(a.Title)
}

// localeTitle scans the titles array, preferring the English locale and
// falling back to the first entry carrying a translation.
func localeTitle(a wireArticle) string {
	var fallback string
	for _, t := range a.Titles {
		if t.Translation == "" {
			continue
		}
		if t.Locale == englishLocaleID {
			return strings.TrimSpace(t.Translation)
		}
		if fallback == "" {
			fallback = t.Translation
		}
	}
	return strings.TrimSpace(fallback)
}

// slugTitle derives a title from the first slug translation: the numeric id
// prefix is dropped ("54-changing-the-name" -> "changing-the-name") and the
// remaining hyphenated words are capitalized.
func slugTitle(a wireArticle) string {
	for _, s := range a.Slugs {
		slug := strings.TrimSpace(s.Translation)
		if slug == "" {
			continue
		}
		parts := strings.Split(slug, "-")
		if len(parts) > 1 && isDigits(parts[0]) {
			parts = parts[1:]
		}
		for i, word := range parts {
			if word == "" {
				continue
			}
			parts[i] = strings.ToUpper(word[:1]) + word[1:]
		}
		if title := strings.TrimSpace(strings.Join(parts, " ")); title != "" {
			return title
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
