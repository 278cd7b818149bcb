package sap

import (
	"bytes"
	"strings"
)

// MIMETypeSDP is the payload type RFC 2974 assumes when none is given.
const MIMETypeSDP = "application/sdp"

// ExtractTitle returns the trimmed value of the first "s=" line.
func ExtractTitle(sdp string) (string, bool) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, "s=") {
			return strings.TrimSpace(line[2:]), true
		}
	}
	return "", false
}

// SplitPayloadType separates the optional NUL-terminated MIME type that may
// precede the payload. An SDP body always starts with "v=0", which is how a
// payload without a type field is recognised.
func SplitPayloadType(payload []byte) (mimeType string, body []byte) {
	if bytes.HasPrefix(payload, []byte("v=0")) {
		return MIMETypeSDP, payload
	}
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return MIMETypeSDP, payload
	}
	return string(payload[:i]), payload[i+1:]
}

// PayloadText converts a payload to text, replacing invalid UTF-8 sequences,
// and trims surrounding whitespace.
func PayloadText(payload []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(payload), "�"))
}
