package chunker_test

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/beevik/etree"

	"github.com/valpere/epubtran/internal/chunker"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/xhtml"
)

// --- Chunk tests ---

func TestChunk_ShortText(t *testing.T) {
	text := "Hello, world!"
	chunks := chunker.Chunk(text, 100)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != text {
		t.Errorf("expected %q, got %q", text, chunks[0])
	}
}

func TestChunk_Unlimited(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks := chunker.Chunk(text, 0)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk when maxChars=0, got %d", len(chunks))
	}
}

func TestChunk_ParagraphBoundary(t *testing.T) {
	para1 := "First paragraph text here."
	para2 := "Second paragraph text here."
	text := para1 + "\n\n" + para2

	chunks := chunker.Chunk(text, 40)
	if len(chunks) < 2 {
		t.Fatalf("expected ≥2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != para1 {
		t.Errorf("expected first paragraph alone, got %q", chunks[0])
	}
	if !strings.Contains(chunks[len(chunks)-1], "Second") {
		t.Errorf("last chunk should contain 'Second': %q", chunks[len(chunks)-1])
	}
}

func TestChunk_CJKSentenceBoundary(t *testing.T) {
	text := "今日は晴れです。明日は雨でしょう。明後日は雪かもしれません。"
	chunks := chunker.Chunk(text, 12)
	if len(chunks) < 2 {
		t.Fatalf("expected ≥2 chunks, got %d", len(chunks))
	}
	if chunks[0] != "今日は晴れです。" {
		t.Errorf("expected split after full stop, got %q", chunks[0])
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 12 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("chunks do not rejoin to the original")
	}
}

func TestChunk_WordBoundary(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	chunks := chunker.Chunk(text, 20)
	if len(chunks) < 2 {
		t.Fatalf("expected ≥2 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, " ") != text {
		t.Errorf("words lost after chunking: %v", chunks)
	}
}

func TestChunk_HardCut(t *testing.T) {
	text := strings.Repeat("あ", 25)
	chunks := chunker.Chunk(text, 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if utf8.RuneCountInString(chunks[2]) != 5 {
		t.Errorf("expected 5 runes in tail, got %q", chunks[2])
	}
}

// --- ChunkTextMap tests ---

func TestChunkTextMap(t *testing.T) {
	tests := []struct {
		name  string
		in    placeholder.TextMap
		max   int
		sizes []int
	}{
		{
			name:  "empty",
			in:    placeholder.TextMap{},
			max:   10,
			sizes: nil,
		},
		{
			name:  "single chunk",
			in:    placeholder.TextMap{"0": "abc", "1": "def"},
			max:   10,
			sizes: []int{2},
		},
		{
			name:  "greedy in numeric order",
			in:    placeholder.TextMap{"0": "aaaa", "1": "bbbb", "2": "cccc", "10": "dd"},
			max:   8,
			sizes: []int{2, 2},
		},
		{
			name:  "oversized entry alone",
			in:    placeholder.TextMap{"0": "ab", "1": strings.Repeat("x", 20), "2": "cd"},
			max:   5,
			sizes: []int{1, 1, 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunks, err := chunker.ChunkTextMap(tc.in, tc.max)
			if err != nil {
				t.Fatalf("failed to chunk: %v", err)
			}
			if len(chunks) != len(tc.sizes) {
				t.Fatalf("expected %d chunks, got %d: %v", len(tc.sizes), len(chunks), chunks)
			}
			merged := make(placeholder.TextMap)
			for i, c := range chunks {
				if len(c) != tc.sizes[i] {
					t.Errorf("chunk %d: expected %d entries, got %d", i, tc.sizes[i], len(c))
				}
				if len(c) > 1 && c.RuneLen() > tc.max {
					t.Errorf("chunk %d exceeds budget: %d", i, c.RuneLen())
				}
				merged.Merge(c)
			}
			if len(merged) != len(tc.in) {
				t.Errorf("expected %d entries after merge, got %d", len(tc.in), len(merged))
			}
		})
	}
}

func TestChunkTextMap_OrderAcrossChunks(t *testing.T) {
	in := placeholder.TextMap{"2": "cc", "10": "dd", "1": "bb", "0": "aa"}
	chunks, err := chunker.ChunkTextMap(in, 4)
	if err != nil {
		t.Fatalf("failed to chunk: %v", err)
	}
	var ids []string
	for _, c := range chunks {
		ids = append(ids, c.IDs()...)
	}
	if strings.Join(ids, ",") != "0,1,2,10" {
		t.Errorf("unexpected id order %v", ids)
	}
}

func TestChunkTextMap_InvalidSize(t *testing.T) {
	_, err := chunker.ChunkTextMap(placeholder.TextMap{"0": "a"}, 0)
	if !errors.Is(err, chunker.ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
}

// --- ChunkNodes tests ---

func bodyChildren(t *testing.T, body string) []etree.Token {
	t.Helper()
	d, err := xhtml.Parse([]byte("<html><body>" + body + "</body></html>"))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	return d.Body().Child
}

func TestChunkNodes_GroupsSiblings(t *testing.T) {
	nodes := bodyChildren(t, "<p>aaaa</p><p>bbbb</p><p>cccc</p>")
	groups, err := chunker.ChunkNodes(nodes, 25)
	if err != nil {
		t.Fatalf("failed to chunk: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if got := groups[0].String(); got != "<p>aaaa</p><p>bbbb</p>" {
		t.Errorf("unexpected first group %q", got)
	}
	if got := groups[1].String(); got != "<p>cccc</p>" {
		t.Errorf("unexpected second group %q", got)
	}
}

func TestChunkNodes_SplitsContainer(t *testing.T) {
	nodes := bodyChildren(t, `<div class="c"><p>aaaa</p><p>bbbb</p></div>`)
	groups, err := chunker.ChunkNodes(nodes, 25)
	if err != nil {
		t.Fatalf("failed to chunk: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	want := []string{`<div class="c"><p>aaaa</p></div>`, `<div class="c"><p>bbbb</p></div>`}
	for i, g := range groups {
		if got := g.String(); got != want[i] {
			t.Errorf("group %d: expected %q, got %q", i, want[i], got)
		}
	}
}

func TestChunkNodes_SplitsText(t *testing.T) {
	nodes := []etree.Token{etree.NewText("あいうえおかきくけこ")}
	groups, err := chunker.ChunkNodes(nodes, 4)
	if err != nil {
		t.Fatalf("failed to chunk: %v", err)
	}
	var parts []string
	for _, g := range groups {
		parts = append(parts, g.String())
	}
	if strings.Join(parts, "|") != "あいうえ|おかきく|けこ" {
		t.Errorf("unexpected text split %v", parts)
	}
}

func TestChunkNodes_EscapedTextWithinBound(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []etree.Token
		maxChars int
		text     string
	}{
		{"ampersands beside element", []etree.Token{etree.NewText("&&&&"), etree.NewElement("br")}, 10, "&&&&"},
		{"angle brackets", []etree.Token{etree.NewText("a<b>c<d>e")}, 6, "a<b>c<d>e"},
		{"mixed with kana", []etree.Token{etree.NewText("あ&い&う"), etree.NewText("&え")}, 7, "あ&い&う&え"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := chunker.ChunkNodes(tt.nodes, tt.maxChars)
			if err != nil {
				t.Fatalf("failed to chunk: %v", err)
			}
			var text strings.Builder
			for i, g := range groups {
				if n := utf8.RuneCountInString(g.String()); n > tt.maxChars && len(g) > 1 {
					t.Errorf("group %d serializes to %d > %d code points: %q", i, n, tt.maxChars, g.String())
				}
				for _, tok := range g {
					if cd, ok := tok.(*etree.CharData); ok {
						text.WriteString(cd.Data)
					}
				}
			}
			if text.String() != tt.text {
				t.Errorf("expected text %q preserved, got %q", tt.text, text.String())
			}
		})
	}
}

func TestChunkNodes_SplitsEscapedText(t *testing.T) {
	groups, err := chunker.ChunkNodes([]etree.Token{etree.NewText("&&&&")}, 10)
	if err != nil {
		t.Fatalf("failed to chunk: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	for i, g := range groups {
		if got := g.String(); got != "&amp;&amp;" {
			t.Errorf("group %d: expected %q, got %q", i, "&amp;&amp;", got)
		}
	}
}

func TestChunkNodes_AtomicOversizedAlone(t *testing.T) {
	nodes := bodyChildren(t, `<p>a</p><img src="very-long-image-name.png"/><p>b</p>`)
	groups, err := chunker.ChunkNodes(nodes, 12)
	if err != nil {
		t.Fatalf("failed to chunk: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if !strings.HasPrefix(groups[1].String(), "<img") {
		t.Errorf("expected image alone in middle group, got %q", groups[1].String())
	}
}

func TestChunkNodes_InvalidSize(t *testing.T) {
	if _, err := chunker.ChunkNodes(nil, -1); !errors.Is(err, chunker.ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
}
