package job

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Source is one caller image: inline base64 (raw or a data URI) or an
// http(s) URL. URL wins when both are set.
type Source struct {
	Inline string
	URL    string
}

// ParseSource classifies a request field that may hold either form.
func ParseSource(v string) Source {
	v = strings.TrimSpace(v)
	lv := strings.ToLower(v)
	if strings.HasPrefix(lv, "http://") || strings.HasPrefix(lv, "https://") {
		return Source{URL: v}
	}
	return Source{Inline: v}
}

// Empty reports whether neither form is set.
func (s Source) Empty() bool { return s.Inline == "" && s.URL == "" }

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeInline decodes raw base64 or a base64 data URI, refusing payloads
// that would decode to more than max bytes.
func decodeInline(s string, max int64) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, ErrValidation("malformed data URI")
		}
		if !strings.HasSuffix(strings.ToLower(s[:comma]), ";base64") {
			return nil, ErrValidation("data URI must be base64 encoded")
		}
		s = s[comma+1:]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, ErrValidation("empty image payload")
	}
	if max > 0 && int64(base64.RawStdEncoding.DecodedLen(len(s))) > max+2 {
		return nil, ErrValidation(fmt.Sprintf("image exceeds %d bytes", max))
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			if max > 0 && int64(len(b)) > max {
				return nil, ErrValidation(fmt.Sprintf("image exceeds %d bytes", max))
			}
			return b, nil
		}
	}
	return nil, ErrValidation("image is neither a URL nor valid base64")
}
