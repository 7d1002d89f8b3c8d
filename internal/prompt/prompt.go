// Package prompt holds the system instructions sent with each kind of
// request. Every instruction may be overridden from a YAML file.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/valpere/epubtran/internal/detector"
	"github.com/valpere/epubtran/internal/glossary"
)

// Name identifies an instruction.
type Name string

const (
	Main       Name = "main"
	HTML       Name = "html"
	TOC        Name = "toc"
	ProperNoun Name = "proper_noun"
	Review     Name = "review"
	Image      Name = "image"
)

// Set is a complete collection of instructions. {source} and {target} are
// replaced with the English names of the languages.
type Set struct {
	Main       string `yaml:"main"`
	HTML       string `yaml:"html"`
	TOC        string `yaml:"toc"`
	ProperNoun string `yaml:"proper_noun"`
	Review     string `yaml:"review"`
	Image      string `yaml:"image"`
}

const jsonRules = `
The input is a JSON object mapping ids to text fragments of one book.
Return a single JSON object with exactly the same keys and the translated fragments as values.
Do not add, drop, merge or rename keys. Do not wrap the object in markdown.
Keep punctuation, line breaks and numbers as they are.
Text of the form <repeat time="N">unit</repeat> is a compressed repetition: keep the tag and translate only the unit.`

// Default returns the built-in instructions.
func Default() Set {
	return Set{
		Main: `You are a literary translator working on a light novel.
Translate from {source} into natural, fluent {target} suited to the genre. Translate faithfully without summarizing or adding content.
Keep character voice consistent and render honorifics the way {target} readers of translated fiction expect.` + jsonRules,

		HTML: `You are a literary translator working on a light novel.
Translate the text of the following XHTML fragment from {source} into natural, fluent {target}.
Return the fragment with every tag and attribute unchanged. Keep the number of <p> and heading elements exactly as given.
Text of the form <repeat time="N">unit</repeat> is a compressed repetition: keep the tag and translate only the unit.
Return only the XHTML, without markdown fences or commentary.`,

		TOC: `You are translating the table of contents and metadata of a light novel from {source} into {target}.
Chapter titles must be short and natural; keep numbering as it is.` + jsonRules,

		ProperNoun: `You extract proper nouns from {source} prose.
Find the personal names, nicknames, places, organizations and named items that occur more than twice.
Strip honorifics and generic title suffixes so that only the base name remains.
Return a single JSON object whose keys are the base names exactly as written in the text and whose values are their standard {target} renderings.
Return only the JSON object.`,

		Review: `You are proofreading a {target} translation of a {source} light novel.
The fragments below were left partly or entirely untranslated. Translate them completely into {target}; no {source} characters may remain.` + jsonRules,

		Image: `Read every piece of clearly visible text in this image and translate it into natural {target}.
Do not guess at text that is not legible. Answer in markdown with the translation only.
If the image contains no legible text, answer with an empty string.`,
	}
}

// Load reads overrides from a YAML file on top of the defaults. An empty
// path returns the defaults.
func Load(path string) (Set, error) {
	set := Default()
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return set, fmt.Errorf("failed to open prompts file: %w", err)
	}
	defer f.Close()

	var override Set
	if err := yaml.NewDecoder(f).Decode(&override); err != nil && !errors.Is(err, io.EOF) {
		return set, fmt.Errorf("failed to decode prompts file: %w", err)
	}
	set.merge(override)
	return set, nil
}

func (s *Set) merge(o Set) {
	for _, p := range []struct{ dst, src *string }{
		{&s.Main, &o.Main},
		{&s.HTML, &o.HTML},
		{&s.TOC, &o.TOC},
		{&s.ProperNoun, &o.ProperNoun},
		{&s.Review, &o.Review},
		{&s.Image, &o.Image},
	} {
		if strings.TrimSpace(*p.src) != "" {
			*p.dst = *p.src
		}
	}
}

// Get returns the raw template for name.
func (s Set) Get(name Name) string {
	switch name {
	case Main:
		return s.Main
	case HTML:
		return s.HTML
	case TOC:
		return s.TOC
	case ProperNoun:
		return s.ProperNoun
	case Review:
		return s.Review
	case Image:
		return s.Image
	}
	return ""
}

// Render returns the instructions for name with the language placeholders
// filled in and, when dict is not empty, the glossary appended.
func (s Set) Render(name Name, sourceLang, targetLang string, dict glossary.Dictionary) string {
	r := strings.NewReplacer(
		"{source}", languageName(sourceLang, "the source language"),
		"{target}", languageName(targetLang, "the target language"),
	)
	out := strings.TrimSpace(r.Replace(s.Get(name)))
	if appendix := dict.Appendix(); appendix != "" {
		out += "\n\nUse these renderings for proper nouns:\n" + strings.TrimRight(appendix, "\n")
	}
	return out
}

func languageName(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return detector.DisplayName(code)
}
