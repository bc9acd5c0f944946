package cw

import (
	"strings"
)

// morseCode maps ASCII characters to their dit/dah pattern (ITU plus the
// punctuation the QSO exchange grammar needs: ? / = +).
var morseCode = map[byte]string{
	'A': ".-", 'B': "-...", 'C': "-.-.", 'D': "-..", 'E': ".",
	'F': "..-.", 'G': "--.", 'H': "....", 'I': "..", 'J': ".---",
	'K': "-.-", 'L': ".-..", 'M': "--", 'N': "-.", 'O': "---",
	'P': ".--.", 'Q': "--.-", 'R': ".-.", 'S': "...", 'T': "-",
	'U': "..-", 'V': "...-", 'W': ".--", 'X': "-..-", 'Y': "-.--",
	'Z': "--..",
	'0': "-----", '1': ".----", '2': "..---", '3': "...--", '4': "....-",
	'5': ".....", '6': "-....", '7': "--...", '8': "---..", '9': "----.",
	'?': "..--..", '/': "-..-.", '=': "-...-", '+': ".-.-.",
	'.': ".-.-.-", ',': "--..--", '-': "-....-",
}

// morseDecode is the inverse of morseCode, used by the decoder's character
// lookup. Patterns with no match emit '*' (see decoder.go).
var morseDecode = func() map[string]byte {
	m := make(map[string]byte, len(morseCode))
	for ch, pattern := range morseCode {
		m[pattern] = ch
	}
	return m
}()

// unknownPatternChar is emitted by the decoder when an accumulated dit/dah
// pattern has no entry in morseDecode.
const unknownPatternChar = '*'

// prosignChars strips the delimiters off a token written as <FOO> and
// returns the bare letters, or ok=false if tok is not prosign-delimited.
func prosignChars(tok string) (string, bool) {
	if len(tok) > 2 && strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return strings.ToUpper(tok[1 : len(tok)-1]), true
	}
	return "", false
}

// encodeChar returns the dit/dah pattern for an uppercase ASCII character,
// or "" if the character has no Morse representation.
func encodeChar(ch byte) string {
	return morseCode[ch]
}

// decodePattern looks up an accumulated dit/dah pattern, returning the
// decoded character and whether the pattern was known. An unknown pattern
// still returns a usable character (unknownPatternChar) so callers can
// always emit something and separately log the miss.
func decodePattern(pattern string) (byte, bool) {
	if ch, ok := morseDecode[pattern]; ok {
		return ch, true
	}
	return unknownPatternChar, false
}
