package reply

import "strings"

// Subject and body markers that identify automated responses. Matching is
// substring, case-insensitive.
var autoReplySubjectMarkers = []string{
	"out of office",
	"out of the office",
	"automatic reply",
	"auto-reply",
	"autoreply",
	"auto reply",
	"away from my email",
	"on vacation",
	"delivery status notification",
	"undeliverable",
}

var autoReplyBodyMarkers = []string{
	"i am currently out of office",
	"i am currently out of the office",
	"i will be out of the office",
	"away from my email",
	"this is an automated response",
	"i will respond to your email when i return",
	"limited access to email",
}

// IsAutoReply reports whether a message looks like an out-of-office or other
// automated response rather than a human reply.
func IsAutoReply(subject, body string) bool {
	s := strings.ToLower(subject)
	for _, marker := range autoReplySubjectMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	b := strings.ToLower(body)
	for _, marker := range autoReplyBodyMarkers {
		if strings.Contains(b, marker) {
			return true
		}
	}
	return false
}
