// Package glossary holds the proper-noun dictionary of a book: source term
// to target term, applied to outgoing text and appended to prompts.
package glossary

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Dictionary maps source terms to target terms.
type Dictionary map[string]string

// Normalize returns a copy with NFC-normalized, trimmed terms. Entries with
// an empty source term are dropped.
func Normalize(d Dictionary) Dictionary {
	out := make(Dictionary, len(d))
	for k, v := range d {
		k = norm.NFC.String(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = norm.NFC.String(strings.TrimSpace(v))
	}
	return out
}

// Keys returns the source terms, longest first, ties in lexical order.
func (d Dictionary) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(keys[i]), utf8.RuneCountInString(keys[j])
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Replacer substitutes every term that has a non-empty target. At a given
// position the longest term wins.
func (d Dictionary) Replacer() *strings.Replacer {
	var pairs []string
	for _, k := range d.Keys() {
		if v := d[k]; v != "" && k != "" {
			pairs = append(pairs, k, v)
		}
	}
	return strings.NewReplacer(pairs...)
}

// Appendix renders the dictionary as "source → target" lines in lexical
// order, for inclusion in instructions.
func (d Dictionary) Appendix() string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		if d[k] == "" {
			continue
		}
		sb.WriteString(k)
		sb.WriteString(" → ")
		sb.WriteString(d[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Present keeps the entries whose source term occurs in text.
func (d Dictionary) Present(text string) Dictionary {
	out := make(Dictionary)
	for k, v := range d {
		if strings.Contains(text, k) {
			out[k] = v
		}
	}
	return out
}

// Merge copies src into d. Existing non-empty targets are kept.
func (d Dictionary) Merge(src Dictionary) {
	for k, v := range src {
		if cur, ok := d[k]; ok && cur != "" {
			continue
		}
		d[k] = v
	}
}

// ReadYAML decodes a YAML mapping.
func ReadYAML(r io.Reader) (Dictionary, error) {
	d := Dictionary{}
	if err := yaml.NewDecoder(r).Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode dictionary: %w", err)
	}
	return Normalize(d), nil
}

// WriteYAML encodes d as a YAML mapping with sorted keys.
func WriteYAML(w io.Writer, d Dictionary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]string(d)); err != nil {
		return fmt.Errorf("failed to encode dictionary: %w", err)
	}
	return enc.Close()
}

// ReadCSV reads "key,value" rows. A header row naming those columns is
// skipped.
func ReadCSV(r io.Reader) (Dictionary, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	d := Dictionary{}
	for i, rec := range records {
		if len(rec) == 0 {
			continue
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "key") {
			continue
		}
		v := ""
		if len(rec) > 1 {
			v = rec[1]
		}
		d[rec[0]] = v
	}
	return Normalize(d), nil
}

// WriteCSV writes a "key,value" header followed by one row per entry in
// lexical key order.
func WriteCSV(w io.Writer, d Dictionary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"key", "value"}); err != nil {
		return err
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := cw.Write([]string{k, d[k]}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Load reads a dictionary file, choosing the format by extension (.csv,
// otherwise YAML).
func Load(path string) (Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ReadCSV(f)
	}
	return ReadYAML(f)
}

// Encode renders d in the format chosen by the extension of path.
func Encode(path string, d Dictionary) ([]byte, error) {
	var sb strings.Builder
	var err error
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		err = WriteCSV(&sb, d)
	} else {
		err = WriteYAML(&sb, d)
	}
	return []byte(sb.String()), err
}
