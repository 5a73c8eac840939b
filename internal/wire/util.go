package wire

import (
	"bytes"
	"unicode/utf8"
)

func trimSpace(b []byte) []byte {
	return bytes.TrimSpace(b)
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
