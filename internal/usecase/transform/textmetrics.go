package transform

import (
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"

	"tg-history-collector/internal/domain"
)

// WordCount считает слова, разделённые пробельными символами.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// EmojiCount считает все вхождения эмодзи, повторы учитываются.
func EmojiCount(text string) int {
	if text == "" {
		return 0
	}
	return len(gomoji.CollectAll(text))
}

// MentionCount считает упоминания по разметке, а без неё по токенам вида @handle.
func MentionCount(text string, entities []domain.Entity) int {
	n := 0
	for _, e := range entities {
		if e.Type == "mention" || e.Type == "mention_name" {
			n++
		}
	}
	if n > 0 || len(entities) > 0 {
		return n
	}
	for _, token := range strings.Fields(text) {
		if isHandle(token) {
			n++
		}
	}
	return n
}

func isHandle(token string) bool {
	token = strings.TrimRightFunc(token, unicode.IsPunct)
	if len(token) < 2 || token[0] != '@' {
		return false
	}
	for _, r := range token[1:] {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
