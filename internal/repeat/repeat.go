// Package repeat folds long literal repetitions (onomatopoeia, stretched
// vowels, emphasis runs) into a compact <repeat time="N">unit</repeat>
// marker before text goes to a generator, and expands them afterwards.
package repeat

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

const (
	// DefaultMinRepeat is the smallest repetition count that gets folded.
	DefaultMinRepeat = 4
	// DefaultMaxUnitLen is the longest unit, in code points, tried at each
	// position.
	DefaultMaxUnitLen = 10

	// maxCount bounds N when expanding so a hostile response cannot blow
	// up memory.
	maxCount = 10000
	// maxPasses bounds the expand loop.
	maxPasses = 64
)

// DefaultStructuralTags are the elements whose text WrapStructural folds.
var DefaultStructuralTags = []string{"p", "h1", "h2", "h3", "h4", "h5", "h6"}

var (
	quote = `(?:"|&quot;|&#34;|&#x22;|'|&#39;|&#x27;|&apos;)`
	lt    = `(?:<|&lt;|&#60;)`
	gt    = `(?:>|&gt;|&#62;)`

	// Marker content never holds an opening bracket in either form, so the
	// innermost of nested markers matches first.
	body = `((?:[^<&]|&(?:amp|quot|apos|gt|nbsp|#34|#39|#x22|#x27);)*)`

	reMarker = regexp.MustCompile(lt + `repeat\s+time\s*=\s*` + quote + `(\d+)` + quote + `\s*` + gt +
		body + lt + `/repeat\s*` + gt)
	reEntity = regexp.MustCompile(`^&(?:#[0-9]+|#[xX][0-9a-fA-F]+|[A-Za-z][A-Za-z0-9]*);`)
)

// Marker renders a folded run.
func Marker(unit string, n int) string {
	return `<repeat time="` + strconv.Itoa(n) + `">` + unit + `</repeat>`
}

// Codec holds the folding thresholds.
type Codec struct {
	MinRepeat  int
	MaxUnitLen int
}

// New returns a Codec with the default thresholds.
func New() Codec {
	return Codec{MinRepeat: DefaultMinRepeat, MaxUnitLen: DefaultMaxUnitLen}
}

func (c Codec) limits() (int, int) {
	minRepeat, maxUnit := c.MinRepeat, c.MaxUnitLen
	if minRepeat < 2 {
		minRepeat = DefaultMinRepeat
	}
	if maxUnit < 1 {
		maxUnit = DefaultMaxUnitLen
	}
	return minRepeat, maxUnit
}

// Wrap scans s left to right and folds every unit that repeats at least
// MinRepeat times in a row, preferring the longest unit at each position.
// A run longer than Unwrap expands in one marker is emitted as several.
// Units holding markup characters are never folded and entity references
// are copied through whole, so Wrap is safe on both plain and escaped text.
func (c Codec) Wrap(s string) string {
	minRepeat, maxUnit := c.limits()
	runes := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s))

	for i := 0; i < len(runes); {
		if runes[i] == '&' {
			if ent := reEntity.FindString(string(runes[i:min(i+12, len(runes))])); ent != "" {
				sb.WriteString(ent)
				i += len([]rune(ent))
				continue
			}
		}
		unit, n := longestRun(runes, i, minRepeat, maxUnit)
		if n == 0 {
			sb.WriteRune(runes[i])
			i++
			continue
		}
		i += len(unit) * n
		for n > 0 {
			k := min(n, maxCount)
			sb.WriteString(Marker(string(unit), k))
			n -= k
		}
	}
	return sb.String()
}

func longestRun(runes []rune, i, minRepeat, maxUnit int) ([]rune, int) {
	for size := maxUnit; size >= 1; size-- {
		if i+size*minRepeat > len(runes) {
			continue
		}
		unit := runes[i : i+size]
		if !foldable(unit) {
			continue
		}
		n := 1
		for j := i + size; j+size <= len(runes) && equal(runes[j:j+size], unit); j += size {
			n++
		}
		if n >= minRepeat {
			return unit, n
		}
	}
	return nil, 0
}

func foldable(unit []rune) bool {
	for _, r := range unit {
		if r == '<' || r == '>' || r == '&' {
			return false
		}
	}
	return true
}

func equal(a, b []rune) bool {
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

// WrapStructural applies Wrap to the character data found inside the given
// elements (DefaultStructuralTags when none are named). Tags, attribute
// values and text elsewhere are copied through byte for byte.
func (c Codec) WrapStructural(markup string, tags ...string) string {
	if len(tags) == 0 {
		tags = DefaultStructuralTags
	}
	target := make(map[string]bool, len(tags))
	for _, t := range tags {
		target[strings.ToLower(t)] = true
	}

	z := html.NewTokenizer(strings.NewReader(markup))
	var out bytes.Buffer
	out.Grow(len(markup))
	depth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		// TagName lowercases the raw buffer in place, so copy first.
		raw := string(z.Raw())
		switch tt {
		case html.StartTagToken:
			if name, _ := z.TagName(); target[string(name)] {
				depth++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); target[string(name)] && depth > 0 {
				depth--
			}
		case html.TextToken:
			if depth > 0 {
				raw = c.Wrap(raw)
			}
		}
		out.WriteString(raw)
	}
	return out.String()
}

// Unwrap expands every marker in s, raw or entity-escaped, into its unit
// repeated N times. It repeats until no marker is left, so adjacent and
// nested markers all expand. A literal escaped marker already present in
// the source text is indistinguishable and expands too.
func Unwrap(s string) string {
	for pass := 0; pass < maxPasses && strings.Contains(s, "repeat"); pass++ {
		changed := false
		s = reMarker.ReplaceAllStringFunc(s, func(m string) string {
			sub := reMarker.FindStringSubmatch(m)
			n, err := strconv.Atoi(sub[1])
			if err != nil || n < 0 {
				return m
			}
			changed = true
			return strings.Repeat(sub[2], min(n, maxCount))
		})
		if !changed {
			break
		}
	}
	return s
}
