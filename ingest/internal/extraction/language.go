package extraction

import (
	"strings"
	"sync"

	"github.com/pemistahl/lingua-go"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// minDetectText is the shortest recipe text the detector is asked about.
const minDetectText = 40

// defaultLanguages are the candidates when Config.Languages is empty.
var defaultLanguages = []string{"en", "fr", "de", "es", "it"}

// languageDetector resolves the language of a recipe. It builds the lingua
// detector on first use: loading models costs memory, and pages that
// declare their language never need it.
type languageDetector struct {
	codes []string

	once sync.Once
	det  lingua.LanguageDetector
	ok   bool
}

var (
	detectorsMu sync.Mutex
	detectors   = map[string]*languageDetector{}
)

// newLanguageDetector returns the detector shared by every extractor
// configured with the same codes.
func newLanguageDetector(codes []string) *languageDetector {
	if len(codes) == 0 {
		codes = defaultLanguages
	}
	key := strings.ToLower(strings.Join(codes, ","))
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	d, ok := detectors[key]
	if !ok {
		d = &languageDetector{codes: codes}
		detectors[key] = d
	}
	return d
}

func (d *languageDetector) build() {
	var langs []lingua.Language
	for _, code := range d.codes {
		if l, ok := linguaLanguage(code); ok {
			langs = append(langs, l)
		}
	}
	// lingua refuses to choose among fewer than two languages.
	if len(langs) < 2 {
		return
	}
	d.det = lingua.NewLanguageDetectorBuilder().FromLanguages(langs...).Build()
	d.ok = true
}

// Detect returns the ISO 639-1 code of text, "" when unsure.
func (d *languageDetector) Detect(text string) string {
	if len([]rune(strings.TrimSpace(text))) < minDetectText {
		return ""
	}
	d.once.Do(d.build)
	if !d.ok {
		return ""
	}
	l, exists := d.det.DetectLanguageOf(text)
	if !exists {
		return ""
	}
	return strings.ToLower(l.IsoCode639_1().String())
}

// linguaLanguage maps an ISO 639-1 code or an English language name
// ("fr", "French") to lingua's constant.
func linguaLanguage(v string) (lingua.Language, bool) {
	v = strings.TrimSpace(v)
	for _, l := range lingua.AllLanguages() {
		if strings.EqualFold(l.IsoCode639_1().String(), v) || strings.EqualFold(l.String(), v) {
			return l, true
		}
	}
	return lingua.Unknown, false
}

// normalizeLanguage reduces a declared language ("en-GB", "English") to its
// lower-case primary code, "" when it is not one.
func normalizeLanguage(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	primary, _, _ := strings.Cut(strings.ReplaceAll(v, "_", "-"), "-")
	if n := len(primary); (n == 2 || n == 3) && isLetters(primary) {
		return strings.ToLower(primary)
	}
	if l, ok := linguaLanguage(v); ok {
		return strings.ToLower(l.IsoCode639_1().String())
	}
	return ""
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// language picks the recipe language: the structured declaration, then the
// html lang attribute, then detection over the recipe text.
func (e *Extractor) language(declared, pageLang string, r *model.Recipe) string {
	if l := normalizeLanguage(declared); l != "" {
		return l
	}
	if l := normalizeLanguage(pageLang); l != "" {
		return l
	}
	if e.cfg.NoLanguageDetection {
		return ""
	}
	text := strings.Join(append([]string{r.Name, r.Description}, r.Instructions...), "\n")
	return e.lang.Detect(text)
}
