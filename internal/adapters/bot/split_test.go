package bot

import (
	"strings"
	"testing"
)

func TestSplitTextRespectsLimit(t *testing.T) {
	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("б", 2000) + "\n" + strings.Repeat("c", 500)

	parts := SplitText(text, MessageLimit)
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > MessageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, n)
		}
	}
	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("первая часть должна закончиться на переводе строки")
	}
	if !strings.HasPrefix(parts[1], "б") || !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("неверная вторая часть")
	}
}

func TestSplitTextHardCut(t *testing.T) {
	parts := SplitText(strings.Repeat("x", 25), 10)
	if len(parts) != 3 || parts[0] != strings.Repeat("x", 10) || parts[2] != "xxxxx" {
		t.Fatalf("ожидали жёсткий разрез по лимиту, получили %q", parts)
	}
}

func TestSplitTextShortAndEmpty(t *testing.T) {
	if parts := SplitText("hello world", MessageLimit); len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("короткий текст должен остаться целым: %q", parts)
	}
	if parts := SplitText("   \n  ", MessageLimit); len(parts) != 0 {
		t.Fatalf("пустой текст не должен давать частей: %q", parts)
	}
}
