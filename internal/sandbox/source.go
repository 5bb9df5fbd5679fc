// internal/sandbox/source.go
package sandbox

import "strings"

// normalizeSource turns a stored rule body into something the Starlark
// scanner accepts:
//   - line endings become \n
//   - inside non-raw string literals a backslash before a character that is
//     not a recognised escape is doubled, keeping the literal backslash that
//     patterns such as "[\s]+" rely on
//   - adjacent string literals are joined with an explicit +
func normalizeSource(body string) string {
	src := strings.ReplaceAll(body, "\r\n", "\n")

	var sb strings.Builder
	sb.Grow(len(src) + 16)

	depth := 0
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '#':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			sb.WriteString(src[i : i+end])
			i += end
		case c == '"' || c == '\'':
			i = copyString(&sb, src, i, isRawPrefix(src, i))
			if startsString(src, skipGap(src, i, depth > 0)) {
				sb.WriteString(" +")
			}
		default:
			switch c {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				if depth > 0 {
					depth--
				}
			}
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

// skipGap returns the index of the next token after i. Inside brackets
// newlines and comments are part of the gap.
func skipGap(src string, i int, bracketed bool) int {
	for i < len(src) {
		switch c := src[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '\\' && i+1 < len(src) && src[i+1] == '\n':
			i += 2
		case bracketed && c == '\n':
			i++
		case bracketed && c == '#':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				return len(src)
			}
			i += end
		default:
			return i
		}
	}
	return i
}

func startsString(src string, i int) bool {
	for n := 0; i < len(src) && n < 3; n++ {
		switch src[i] {
		case '"', '\'':
			return true
		case 'r', 'R', 'b', 'B':
			i++
		default:
			return false
		}
	}
	return false
}

func isRawPrefix(src string, quote int) bool {
	j := quote - 1
	if j >= 0 && (src[j] == 'b' || src[j] == 'B') {
		j--
	}
	if j < 0 || (src[j] != 'r' && src[j] != 'R') {
		return false
	}
	if j > 0 && isIdentByte(src[j-1]) {
		return false
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isEscape(c byte) bool {
	switch c {
	case 'a', 'b', 'f', 'n', 'r', 't', 'v', '\\', '\'', '"', '\n', 'x', 'u', 'U':
		return true
	}
	return c >= '0' && c <= '7'
}

// copyString copies the literal opening at start and returns the index just
// past its closing quote (or the end of src for an unterminated literal).
func copyString(sb *strings.Builder, src string, start int, raw bool) int {
	delim := src[start : start+1]
	if strings.HasPrefix(src[start:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	sb.WriteString(delim)

	i := start + len(delim)
	for i < len(src) {
		if strings.HasPrefix(src[i:], delim) {
			sb.WriteString(delim)
			return i + len(delim)
		}
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			if raw || isEscape(src[i+1]) {
				sb.WriteByte(c)
				sb.WriteByte(src[i+1])
			} else {
				sb.WriteString(`\\`)
				sb.WriteByte(src[i+1])
			}
			i += 2
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return i
}
