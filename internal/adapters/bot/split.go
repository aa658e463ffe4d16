package bot

import "strings"

// MessageLimit: максимальная длина сообщения Bot API в символах.
const MessageLimit = 4096

// SplitText режет текст на части не длиннее limit символов.
// Разрез делается по последнему переводу строки внутри части, если он есть.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	rest := []rune(strings.TrimSpace(text))
	var parts []string
	for len(rest) > 0 {
		if len(rest) <= limit {
			parts = appendPart(parts, rest)
			break
		}
		cut := limit
		for i := limit; i > 0; i-- {
			if rest[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = appendPart(parts, rest[:cut])
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	return parts
}

func appendPart(parts []string, chunk []rune) []string {
	if s := strings.Trim(string(chunk), "\n"); s != "" {
		return append(parts, s)
	}
	return parts
}
