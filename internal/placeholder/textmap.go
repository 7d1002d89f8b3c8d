package placeholder

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"unicode/utf8"
)

// TextMap maps decimal-string ids to text.
type TextMap map[string]string

// IDs returns the keys in numeric order. Non-numeric keys sort after numeric
// ones, lexically.
func (m TextMap) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Clone returns a shallow copy.
func (m TextMap) Clone() TextMap {
	out := make(TextMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every entry of src into m.
func (m TextMap) Merge(src TextMap) {
	for k, v := range src {
		m[k] = v
	}
}

// Without returns the entries of m whose ids are absent from done.
func (m TextMap) Without(done TextMap) TextMap {
	out := make(TextMap)
	for k, v := range m {
		if _, ok := done[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// RuneLen is the total number of code points across all values.
func (m TextMap) RuneLen() int {
	n := 0
	for _, v := range m {
		n += utf8.RuneCountInString(v)
	}
	return n
}

// Encode writes m as a JSON object in numeric id order without HTML
// escaping. A non-empty indent pretty-prints one entry per line.
func (m TextMap) Encode(indent string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	sep := ":"
	if indent != "" {
		sep = ": "
	}
	ids := m.IDs()
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		if indent != "" {
			buf.WriteByte('\n')
			buf.WriteString(indent)
		}
		k, err := encodeString(id)
		if err != nil {
			return nil, err
		}
		v, err := encodeString(m[id])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteString(sep)
		buf.Write(v)
	}
	if indent != "" && len(ids) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler with numeric key order.
func (m TextMap) MarshalJSON() ([]byte, error) {
	return m.Encode("")
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
