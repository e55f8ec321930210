package session

import (
	"strings"
	"unicode"
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// E.164 country calling codes. Shared prefixes (e.g. the NANP "1") are
// listed once.
var countryCodes = buildCodeSet(`
1 7
20 27 30 31 32 33 34 36 39 40 41 43 44 45 46 47 48 49
51 52 53 54 55 56 57 58 60 61 62 63 64 65 66 81 82 84 86
90 91 92 93 94 95 98
211 212 213 216 218 220 221 222 223 224 225 226 227 228 229
230 231 232 233 234 235 236 237 238 239 240 241 242 243 244
245 246 247 248 249 250 251 252 253 254 255 256 257 258 260
261 262 263 264 265 266 267 268 269 290 291 297 298 299
350 351 352 353 354 355 356 357 358 359 370 371 372 373 374
375 376 377 378 379 380 381 382 383 385 386 387 389
420 421 423 500 501 502 503 504 505 506 507 508 509
590 591 592 593 594 595 596 597 598 599
670 672 673 674 675 676 677 678 679 680 681 682 683 685 686
687 688 689 690 691 692 850 852 853 855 856 880 886
960 961 962 963 964 965 966 967 968 970 971 972 973 974 975
976 977 992 993 994 995 996 998
`)

func buildCodeSet(list string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, code := range strings.Fields(list) {
		set[code] = struct{}{}
	}
	return set
}

// NormalizePhone turns user input into the digits-only international form
// the transport expects. Spaces and + - ( ) . are stripped, a leading "00"
// international prefix is dropped, and a single leading "0" (national
// trunk prefix) is replaced by defaultCC.
func NormalizePhone(input, defaultCC string) (string, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", &ValidationError{Input: input, Reason: "phone number required"}
	}

	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == '(' || r == ')' || r == '.' || unicode.IsSpace(r):
		default:
			return "", &ValidationError{Input: input, Reason: "only digits are allowed"}
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0") && defaultCC != "":
		digits = defaultCC + digits[1:]
	}

	if n := len(digits); n < minPhoneDigits || n > maxPhoneDigits {
		return "", &ValidationError{Input: input, Reason: "must be 10-15 digits including country code"}
	}
	if CountryCode(digits) == "" {
		return "", &ValidationError{Input: input, Reason: "unknown country code"}
	}
	return digits, nil
}

// CountryCode returns the calling code digits start with, or "".
func CountryCode(digits string) string {
	for n := 1; n <= 3 && n <= len(digits); n++ {
		if _, ok := countryCodes[digits[:n]]; ok {
			return digits[:n]
		}
	}
	return ""
}

// FormatPairingCode groups a raw pairing code into hyphenated blocks of
// four characters: "ABCD1234EFGH" becomes "ABCD-1234-EFGH". Separators the
// transport already inserted are discarded first.
func FormatPairingCode(raw string) string {
	var clean []rune
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			clean = append(clean, r)
		}
	}
	var groups []string
	for len(clean) > 4 {
		groups = append(groups, string(clean[:4]))
		clean = clean[4:]
	}
	if len(clean) > 0 {
		groups = append(groups, string(clean))
	}
	return strings.Join(groups, "-")
}
