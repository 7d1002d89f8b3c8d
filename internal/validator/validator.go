// Package validator decides whether a generator response is acceptable: the
// structural checks for markup and id-map responses, the untranslated
// residue count, and the target-language check used to pick review
// candidates.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/valpere/epubtran/internal/detector"
	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/xhtml"
)

// minValidationLength is the minimum rune count required to attempt language detection.
// Shorter texts produce unreliable results and are accepted without validation.
const minValidationLength = 20

var (
	reCloseP       = regexp.MustCompile(`(?i)</p\s*>`)
	reCloseHeading = regexp.MustCompile(`(?i)</h[1-6]\s*>`)
)

// Validator checks that a translation result is written in the expected target language.
// The underlying language detector is expensive to build; reuse the instance.
type Validator struct {
	det *detector.Detector
}

// New creates a Validator backed by the lingua-go language detector,
// restricted to langs when at least two are given.
func New(langs ...string) *Validator {
	return &Validator{det: detector.New(langs...)}
}

// IsValid returns true when translatedText appears to be written in targetLang.
//
// Short texts (fewer than minValidationLength runes) and texts whose language
// cannot be determined pass without error. When the detected language differs
// from targetLang the returned error names both codes.
func (v *Validator) IsValid(translatedText, targetLang string) (bool, error) {
	if targetLang == "" {
		return true, nil
	}

	text := strings.TrimSpace(translatedText)
	if text == "" {
		return false, fmt.Errorf("translation is empty")
	}

	// Detector is unreliable for very short texts; skip validation.
	if len([]rune(text)) < minValidationLength {
		return true, nil
	}

	detected, ok := v.det.DetectISO(text)
	if !ok {
		// Ambiguous language: cannot validate, pass through.
		return true, nil
	}

	if !strings.EqualFold(detected, targetLang) {
		return false, fmt.Errorf("expected %s but detected %s", targetLang, detected)
	}

	return true, nil
}

// NeedsReview reports whether a stored translation still looks untranslated:
// it holds source-script characters, or lingua places it in another
// language than targetLang.
func (v *Validator) NeedsReview(translated, sourceLang, targetLang string) bool {
	if SourceChars(translated, sourceLang) > 0 {
		return true
	}
	ok, _ := v.IsValid(translated, targetLang)
	return !ok
}

// TagCounts returns the number of closing </p> tags and the summed number of
// closing </h1>..</h6> tags in s.
func TagCounts(s string) (paragraphs, headings int) {
	return len(reCloseP.FindAllStringIndex(s, -1)), len(reCloseHeading.FindAllStringIndex(s, -1))
}

// CheckHTML validates a markup response against the markup that was sent:
// it must be non-empty, still contain markup and keep the paragraph and
// heading counts.
func CheckHTML(sent, got string) error {
	const op = "check html"
	got = strings.TrimSpace(got)
	if got == "" {
		return errs.Newf(errs.Validation, op, "empty response")
	}
	if !strings.Contains(got, "<") {
		return errs.Newf(errs.Validation, op, "response contains no markup")
	}
	wantP, wantH := TagCounts(sent)
	gotP, gotH := TagCounts(got)
	if wantP != gotP || wantH != gotH {
		return errs.Newf(errs.Validation, op, "tag count mismatch: sent %d p/%d h, got %d p/%d h", wantP, wantH, gotP, gotH)
	}
	return nil
}

// ParseObject decodes a JSON object of strings from a response. Text around
// the outermost braces is ignored.
func ParseObject(got string) (map[string]string, error) {
	const op = "parse object"
	got = strings.TrimSpace(got)
	if got == "" {
		return nil, errs.Newf(errs.Validation, op, "empty response")
	}
	start, end := strings.Index(got, "{"), strings.LastIndex(got, "}")
	if start < 0 || end < start {
		return nil, errs.Newf(errs.Validation, op, "response is not a JSON object")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(got[start:end+1]), &raw); err != nil {
		return nil, errs.New(errs.Validation, op, err)
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		switch x := val.(type) {
		case string:
			out[k] = x
		case float64, bool:
			out[k] = fmt.Sprint(x)
		default:
			return nil, errs.Newf(errs.Validation, op, "value for %q is not a string", k)
		}
	}
	return out, nil
}

// CheckKeys validates an id-map response: it must decode to an object whose
// key set equals that of sent.
func CheckKeys(sent placeholder.TextMap, got string) (placeholder.TextMap, error) {
	const op = "check keys"
	obj, err := ParseObject(got)
	if err != nil {
		return nil, err
	}
	if len(obj) != len(sent) {
		return nil, errs.Newf(errs.Validation, op, "key count mismatch: sent %d, got %d", len(sent), len(obj))
	}
	for id := range sent {
		if _, ok := obj[id]; !ok {
			return nil, errs.Newf(errs.Validation, op, "missing id %s", id)
		}
	}
	return placeholder.TextMap(obj), nil
}

// scripts lists the unicode scripts that count as untranslated residue for
// a source language.
var scripts = map[string][]*unicode.RangeTable{
	"ja": {unicode.Han, unicode.Hiragana, unicode.Katakana},
	"zh": {unicode.Han},
	"ko": {unicode.Hangul},
	"ru": {unicode.Cyrillic},
	"uk": {unicode.Cyrillic},
	"th": {unicode.Thai},
	"ar": {unicode.Arabic},
	"he": {unicode.Hebrew},
	"el": {unicode.Greek},
}

// SourceChars counts the code points of text that belong to the writing
// system of sourceLang. The katakana middle dot and prolonged sound mark are
// not counted; they routinely survive into translations as punctuation.
func SourceChars(text, sourceLang string) int {
	tables := scripts[strings.ToLower(primary(sourceLang))]
	if len(tables) == 0 {
		return 0
	}
	n := 0
	for _, r := range text {
		if r == '・' || r == 'ー' {
			continue
		}
		if unicode.IsOneOf(tables, r) {
			n++
		}
	}
	return n
}

// HTMLSourceChars is SourceChars over the visible text of markup.
func HTMLSourceChars(markup, sourceLang string) int {
	text, err := xhtml.VisibleText([]byte(markup))
	if err != nil {
		return 0
	}
	return SourceChars(text, sourceLang)
}

func primary(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		return code[:i]
	}
	return code
}
