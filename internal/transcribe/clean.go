package transcribe

import (
	"regexp"
	"strings"
)

// markerRE matches control tokens and non-speech annotations that whisper
// emits alongside real words: [BLANK_AUDIO], [_BEG_], <|endoftext|>, (silence).
var markerRE = regexp.MustCompile(`\[_*[A-Z][A-Z0-9_ ]*\]|<\|[^|>]*\|>|\((?i:silence|music|inaudible|blank_audio|no speech)\)`)

// cleanTranscript strips markers and collapses whitespace.
func cleanTranscript(s string) string {
	s = markerRE.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
