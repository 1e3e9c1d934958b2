package message

import (
	"net/url"
	"unicode/utf8"
)

// Guess infers the kind of raw input. Data that does not decode as UTF-8 is
// raw; decodable data that parses as a URL with a scheme is a url; everything
// else is plain text.
func Guess(data []byte) (Kind, string) {
	if !utf8.Valid(data) {
		return KindRaw, string(data)
	}

	s := string(data)

	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return KindURL, s
	}

	return KindText, s
}
