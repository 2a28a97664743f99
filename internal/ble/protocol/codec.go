// Package protocol converts between the text the host exchanges with the
// bridge and the raw bytes carried by the UART characteristics.
//
// Payloads are passed through unframed. Each character occupies exactly one
// byte, so only text made of code points 0-255 survives a round trip.
package protocol

import "strings"

// Commands the firmware is known to answer. They are opaque to the bridge.
const (
	CommandID     = "ID"
	CommandGetIP  = "GetIP"
	CommandStatus = "Status"
)

// Encode maps each rune of text to one byte. Runes above 0xFF keep only
// their low 8 bits.
func Encode(text string) []byte {
	buf := make([]byte, 0, len(text))
	for _, r := range text {
		buf = append(buf, byte(r))
	}
	return buf
}

// Decode maps each byte to the rune with the same value, the inverse of
// Encode.
func Decode(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		b.WriteRune(rune(c))
	}
	return b.String()
}
