package validator

import (
	"testing"

	"github.com/valpere/epubtran/internal/errs"
	"github.com/valpere/epubtran/internal/placeholder"
)

func TestIsValid_EmptyTargetLang(t *testing.T) {
	v := New()

	valid, err := v.IsValid("Some translated text", "")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected valid=true for empty targetLang")
	}
}

func TestIsValid_EmptyTranslation(t *testing.T) {
	v := New()

	valid, err := v.IsValid("", "en")
	if err == nil {
		t.Error("expected error for empty translation")
	}
	if valid {
		t.Error("expected valid=false for empty translation")
	}
}

func TestIsValid_WhitespaceOnlyTranslation(t *testing.T) {
	v := New()

	valid, err := v.IsValid("   ", "en")
	if err == nil {
		t.Error("expected error for whitespace-only translation")
	}
	if valid {
		t.Error("expected valid=false for whitespace-only translation")
	}
}

func TestIsValid_ShortText(t *testing.T) {
	v := New()

	shortText := "Hi" // Less than minValidationLength (20 chars)
	valid, err := v.IsValid(shortText, "en")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected valid=true for short text (below threshold)")
	}
}

func TestIsValid_EnglishToEnglish(t *testing.T) {
	v := New()

	text := "This is a longer piece of text that should be detected as English."
	valid, err := v.IsValid(text, "en")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected valid=true when detecting English as English")
	}
}

func TestIsValid_MismatchedLanguage(t *testing.T) {
	v := New()

	englishText := "This is a longer piece of text that should be detected as English."
	valid, err := v.IsValid(englishText, "uk")
	if err == nil {
		t.Error("expected error for mismatched language")
	}
	if valid {
		t.Error("expected valid=false when detecting English but expecting Ukrainian")
	}
}

func TestIsValid_UkrainianText(t *testing.T) {
	v := New()

	ukrainianText := "Це є тестовий текст українською мовою для перевірки роботи валідатора."
	valid, err := v.IsValid(ukrainianText, "uk")
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected valid=true when detecting Ukrainian as Ukrainian")
	}
}

func TestIsValid_CaseInsensitiveTargetLang(t *testing.T) {
	v := New()

	text := "This is a longer piece of text that should be detected as English."
	valid, err := v.IsValid(text, "EN") // uppercase
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected valid=true for case-insensitive targetLang")
	}
}

func TestCheckHTML(t *testing.T) {
	sent := "<p>一</p><p>二</p><h2>章</h2>"
	tests := []struct {
		name    string
		got     string
		wantErr bool
	}{
		{"same counts", "<p>하나</p><P>둘</P><h2>장</h2>", false},
		{"heading level may change", "<p>하나</p><p>둘</p><h3>장</h3>", false},
		{"dropped paragraph", "<p>하나 둘</p><h2>장</h2>", true},
		{"extra heading", "<p>하나</p><p>둘</p><h2>장</h2><h1>x</h1>", true},
		{"no markup", "하나 둘 장", true},
		{"empty", "   ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHTML(sent, tt.got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckHTML err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errs.Is(err, errs.Validation) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestCheckKeys(t *testing.T) {
	sent := placeholder.TextMap{"0": "こんにちは", "1": "さようなら"}
	tests := []struct {
		name    string
		got     string
		wantErr bool
	}{
		{"exact keys", `{"0": "안녕하세요", "1": "안녕히 가세요"}`, false},
		{"surrounding prose", "Sure:\n{\"1\": \"b\", \"0\": \"a\"}\nDone.", false},
		{"missing key", `{"0": "a"}`, true},
		{"renamed key", `{"0": "a", "2": "b"}`, true},
		{"extra key", `{"0": "a", "1": "b", "2": "c"}`, true},
		{"not json", `0: a, 1: b`, true},
		{"nested value", `{"0": {"x": 1}, "1": "b"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckKeys(sent, tt.got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckKeys err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(got) != len(sent) {
				t.Errorf("expected %d entries, got %d", len(sent), len(got))
			}
		})
	}
}

func TestParseObject_NumbersAsStrings(t *testing.T) {
	got, err := ParseObject(`{"a": 1, "b": "x"}`)
	if err != nil {
		t.Fatalf("failed to parse object: %v", err)
	}
	if got["a"] != "1" || got["b"] != "x" {
		t.Errorf("unexpected object %v", got)
	}
}

func TestSourceChars(t *testing.T) {
	tests := []struct {
		text string
		lang string
		want int
	}{
		{"안녕하세요", "ja", 0},
		{"안녕 東京へ", "ja", 3},
		{"ケーキ・パン", "ja", 4},
		{"그는 말했다. 「何？」", "ja-JP", 1},
		{"Привет", "ru", 6},
		{"hello", "en", 0},
	}
	for _, tt := range tests {
		if got := SourceChars(tt.text, tt.lang); got != tt.want {
			t.Errorf("SourceChars(%q, %q) = %d, want %d", tt.text, tt.lang, got, tt.want)
		}
	}
}

func TestHTMLSourceChars(t *testing.T) {
	if got := HTMLSourceChars(`<p class="東京東京東京">東京へ行く</p>`, "ja"); got != 5 {
		t.Errorf("expected 5 source characters in visible text, got %d", got)
	}
	if got := HTMLSourceChars(`<p class="東京東京東京">서울</p>`, "ja"); got != 0 {
		t.Errorf("attribute values must not count, got %d", got)
	}
}

func TestNeedsReview(t *testing.T) {
	v := New("ja", "ko", "en")
	if !v.NeedsReview("그는 東京에 갔다", "ja", "ko") {
		t.Error("expected source script to need review")
	}
	if v.NeedsReview("그는 도쿄에 갔다. 날씨가 정말 좋았다고 한다.", "ja", "ko") {
		t.Error("expected clean korean to pass")
	}
	if !v.NeedsReview("He went to Tokyo and the weather was very nice there.", "ja", "ko") {
		t.Error("expected english text to need review for korean target")
	}
}
