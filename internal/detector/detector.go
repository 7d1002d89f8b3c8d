package detector

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector restricted to the given ISO 639-1 codes. With fewer
// than two recognised codes it falls back to every language lingua knows.
func New(codes ...string) *Detector {
	var langs []lingua.Language
	for _, c := range codes {
		if l := Language(c); l != lingua.Unknown {
			langs = append(langs, l)
		}
	}

	builder := lingua.NewLanguageDetectorBuilder()
	var detector lingua.LanguageDetector
	if len(langs) >= 2 {
		detector = builder.FromLanguages(langs...).Build()
	} else {
		detector = builder.FromAllLanguages().Build()
	}

	return &Detector{detector: detector}
}

// Language maps an ISO 639-1 code to a lingua language, or lingua.Unknown.
func Language(code string) lingua.Language {
	iso := lingua.GetIsoCode639_1FromValue(strings.ToUpper(primary(code)))
	return lingua.GetLanguageFromIsoCode639_1(iso)
}

func (d *Detector) Detect(text string) (lingua.Language, bool) {
	if text == "" {
		return lingua.Unknown, false
	}
	return d.detector.DetectLanguageOf(text)
}

func (d *Detector) DetectISO(text string) (string, bool) {
	lang, ok := d.Detect(text)
	if !ok {
		return "", false
	}
	return lang.IsoCode639_1().String(), true
}

// DisplayName returns the English name of a BCP 47 language code ("ja" →
// "Japanese"). Unparseable codes are returned unchanged.
func DisplayName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

func primary(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		return code[:i]
	}
	return code
}
