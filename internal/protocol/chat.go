package protocol

import "strings"

const continuation = "> "

// SplitMessage breaks text into lines that fit one message packet. Lines are
// broken at spaces when possible, continuation lines start with "> " and keep
// the last colour code of the previous line.
func SplitMessage(text string) []string {
	text = strings.TrimRight(text, " ")
	if len(text) <= StringLen {
		return []string{trimColorCode(text)}
	}

	var lines []string
	color := ""
	first := true
	for len(text) > 0 {
		prefix := ""
		if !first {
			prefix = continuation + color
		}
		room := StringLen - len(prefix)
		if len(text) <= room {
			lines = append(lines, trimColorCode(prefix+text))
			break
		}

		cut := strings.LastIndexByte(text[:room+1], ' ')
		if cut <= 0 {
			cut = room
		}
		// never leave a colour code split across lines
		if cut > 1 && text[cut-1] == '&' {
			cut--
		}

		line := text[:cut]
		lines = append(lines, trimColorCode(prefix+line))
		if c := lastColorCode(line); c != "" {
			color = c
		}
		text = strings.TrimLeft(text[cut:], " ")
		first = false
	}
	return lines
}

func lastColorCode(s string) string {
	for i := len(s) - 2; i >= 0; i-- {
		if s[i] == '&' && isColorChar(s[i+1]) {
			return s[i : i+2]
		}
	}
	return ""
}

func isColorChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// trimColorCode drops a dangling '&' which some clients fail to render.
func trimColorCode(s string) string {
	for strings.HasSuffix(s, "&") {
		s = s[:len(s)-1]
	}
	return s
}
