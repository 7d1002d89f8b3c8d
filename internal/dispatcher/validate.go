package dispatcher

import (
	"strings"

	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/postprocess"
	"github.com/valpere/epubtran/internal/repeat"
	"github.com/valpere/epubtran/internal/validator"
)

type output struct {
	Map  placeholder.TextMap
	HTML string
	Text string
}

// prepare renders the outgoing prompt for c. The chunk itself is left as
// it was so a fallback can return it untouched.
func (d *Dispatcher) prepare(c Chunk) (string, error) {
	switch c.Kind {
	case KindTextMap:
		payload := make(placeholder.TextMap, len(c.Map))
		for id, text := range c.Map {
			if d.cfg.Preprocess != nil {
				text = d.cfg.Preprocess(text)
			}
			if d.cfg.Repeat != nil {
				text = d.cfg.Repeat.Wrap(text)
			}
			payload[id] = text
		}
		b, err := payload.Encode("")
		if err != nil {
			return "", err
		}
		return string(b), nil
	case KindHTML:
		if d.cfg.Repeat != nil {
			return d.cfg.Repeat.WrapStructural(c.HTML), nil
		}
		return c.HTML, nil
	case KindGlossary, KindImage:
		return c.Text, nil
	}
	return "", errs.Newf(errs.Validation, "prepare chunk", "unknown chunk kind %d", c.Kind)
}

// validate checks a response. Markers are expanded before any check. On a
// residue failure the parsed output is returned alongside the error so the
// final attempt can still keep it.
func (d *Dispatcher) validate(c Chunk, text string) (output, error) {
	switch c.Kind {
	case KindTextMap:
		got, err := validator.CheckKeys(c.Map, postprocess.CleanStructured(text))
		if err != nil {
			return output{}, err
		}
		var sb strings.Builder
		for id, v := range got {
			got[id] = repeat.Unwrap(v)
			sb.WriteString(got[id])
		}
		out := output{Map: got}
		if n := validator.SourceChars(sb.String(), d.cfg.SourceLang); d.cfg.ResidueThreshold > 0 && n > d.cfg.ResidueThreshold {
			return out, residueError(n)
		}
		return out, nil

	case KindHTML:
		got := repeat.Unwrap(postprocess.CleanStructured(text))
		if err := validator.CheckHTML(c.HTML, got); err != nil {
			return output{}, err
		}
		out := output{HTML: got}
		if d.cfg.ResidueThreshold > 0 {
			if n := validator.HTMLSourceChars(got, d.cfg.SourceLang); n > d.cfg.ResidueThreshold {
				return out, residueError(n)
			}
		}
		return out, nil

	case KindGlossary:
		obj, err := validator.ParseObject(postprocess.CleanStructured(text))
		if err != nil {
			return output{}, err
		}
		return output{Map: placeholder.TextMap(obj)}, nil

	case KindImage:
		// An empty description means the image holds no legible text.
		return output{Text: postprocess.Clean(text)}, nil
	}
	return output{}, errs.Newf(errs.Validation, "validate", "unknown chunk kind %d", c.Kind)
}
