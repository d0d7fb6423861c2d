package models

import "fmt"

// Latin1String encodes raw bytes as a latin1 string. Each byte maps to the
// code point of the same value, so the JSON body stays byte-faithful without
// the size overhead of base64.
func Latin1String(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// Latin1Bytes decodes a latin1 string back into raw bytes. A code point above
// 0xFF means the payload was not latin1-encoded.
func Latin1Bytes(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("invalid latin1 code point %U in image payload", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}
