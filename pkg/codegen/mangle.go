package codegen

import "strings"

// MangleName maps a source identifier to a C identifier: `o_` prefix,
// alphanumerics pass through, punctuation maps to mnemonic suffixes,
// and `_` doubles so a literal underscore does not read as the start
// of a punctuation suffix. The mapping is not injective in general:
// `a/` and `a.iv` both give `o_a_div`.
func MangleName(name string) string {
	var sb strings.Builder
	sb.WriteString("o_")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '_':
			sb.WriteString("__")
		case r == '+':
			sb.WriteString("_add")
		case r == '-':
			sb.WriteString("_sub")
		case r == '*':
			sb.WriteString("_mul")
		case r == '/':
			sb.WriteString("_div")
		case r == '%':
			sb.WriteString("_mod")
		case r == '?':
			sb.WriteString("_p")
		case r == '!':
			sb.WriteString("_b")
		case r == '.':
			sb.WriteString("_d")
		case r == '<':
			sb.WriteString("_lt")
		case r == '>':
			sb.WriteString("_gt")
		case r == '=':
			sb.WriteString("_eq")
		case r == '&':
			sb.WriteString("_and")
		case r == '$':
			sb.WriteString("_dl")
		case r == '@':
			sb.WriteString("_at")
		case r == '^':
			sb.WriteString("_up")
		case r == '~':
			sb.WriteString("_tl")
		default:
			// Anything else (unicode in symbols) becomes its codepoint,
			// keeping the result a valid C identifier.
			sb.WriteString("_u")
			sb.WriteString(hex(uint32(r)))
		}
	}
	return sb.String()
}

func hex(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
