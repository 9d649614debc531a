package util

import (
	"regexp"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

var (
	httpScheme = regexp.MustCompile(`^(http)(s?)`)
	wsScheme   = regexp.MustCompile(`^(ws)(s?)`)
)

// MakeWsURL converts an http(s) URL into the matching ws(s) URL.
func MakeWsURL(url string) string {
	return httpScheme.ReplaceAllString(url, "ws$2")
}

// MakeHTTPURL is the inverse of MakeWsURL.
func MakeHTTPURL(url string) string {
	return wsScheme.ReplaceAllString(url, "http$2")
}

// NullLogger returns a logger that discards everything written to it.
func NullLogger() *logrus.Logger {
	logger, _ := nullLog.NewNullLogger()
	return logger
}

// LoggerOrNull returns logger, or a discarding logger when logger is nil.
func LoggerOrNull(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return NullLogger()
	}
	return logger
}

// TruncateUTF8 shortens s to at most max bytes without splitting a multi-byte
// character.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
