package text

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errLiteral = errors.New("invalid literal")

func splitSign(s string) (neg bool, rest string) {
	switch {
	case strings.HasPrefix(s, "-"):
		return true, s[1:]
	case strings.HasPrefix(s, "+"):
		return false, s[1:]
	}
	return false, s
}

func cleanDigits(s string) (string, error) {
	if s == "" || s[0] == '_' || s[len(s)-1] == '_' || strings.Contains(s, "__") {
		return "", errLiteral
	}
	return strings.ReplaceAll(s, "_", ""), nil
}

// parseUint parses an unsigned decimal or hex integer with underscores.
func parseUint(s string, bits int) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, s = 16, s[2:]
	}
	digits, err := cleanDigits(s)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(digits, base, bits)
}

// parseInt parses an integer literal of the given width. Both the signed
// and the unsigned range are accepted; the result is the two's complement
// bit pattern.
func parseInt(s string, bits int) (uint64, error) {
	neg, rest := splitSign(s)
	u, err := parseUint(rest, bits)
	if err != nil {
		return 0, err
	}
	if !neg {
		return u, nil
	}
	if u > 1<<(bits-1) {
		return 0, errLiteral
	}
	v := -u
	if bits == 32 {
		v &= math.MaxUint32
	}
	return v, nil
}

// parseFloat parses a float literal and returns its bits.
func parseFloat(s string, bits int) (uint64, error) {
	neg, rest := splitSign(s)
	var sign uint64
	if neg {
		sign = 1 << (bits - 1)
	}
	expBits, quiet := uint64(0x7f800000), uint64(0x400000)
	if bits == 64 {
		expBits, quiet = 0x7ff0000000000000, 0x8000000000000
	}

	switch {
	case rest == "inf":
		return sign | expBits, nil
	case rest == "nan":
		return sign | expBits | quiet, nil
	case strings.HasPrefix(rest, "nan:0x"):
		payload, err := parseUint(rest[4:], bits)
		if err != nil || payload == 0 || payload >= quiet<<1 {
			return 0, errLiteral
		}
		return sign | expBits | payload, nil
	}

	hex := strings.HasPrefix(rest, "0x") || strings.HasPrefix(rest, "0X")
	digits := rest
	if hex {
		digits = rest[2:]
	}
	digits = strings.ReplaceAll(digits, "_", "")
	if digits == "" {
		return 0, errLiteral
	}
	if hex {
		if !strings.ContainsAny(digits, "pP") {
			digits += "p0"
		}
		digits = "0x" + digits
	}
	f, err := strconv.ParseFloat(digits, bits)
	if err != nil {
		return 0, errLiteral
	}
	if bits == 32 {
		b := uint64(math.Float32bits(float32(f)))
		return b | sign, nil
	}
	return math.Float64bits(f) | sign, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// unquote decodes a string token, quotes included.
func unquote(tok string) ([]byte, error) {
	s := tok[1 : len(tok)-1]
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, errLiteral
		}
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '\\', '"', '\'':
			out = append(out, s[i])
		case 'u':
			end := strings.IndexByte(s[i:], '}')
			if i+1 >= len(s) || s[i+1] != '{' || end < 0 {
				return nil, errLiteral
			}
			cp, err := parseUint("0x"+s[i+2:i+end], 32)
			if err != nil || cp > utf8.MaxRune || (cp >= 0xd800 && cp < 0xe000) {
				return nil, errLiteral
			}
			out = utf8.AppendRune(out, rune(cp))
			i += end
		default:
			hi, ok1 := hexDigit(s[i])
			if i+1 >= len(s) {
				return nil, errLiteral
			}
			lo, ok2 := hexDigit(s[i+1])
			if !ok1 || !ok2 {
				return nil, errLiteral
			}
			out = append(out, hi<<4|lo)
			i++
		}
	}
	return out, nil
}
