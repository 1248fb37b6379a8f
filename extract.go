package mailguard

import (
	"bytes"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const maxPartErrors = 8

// Extract derives the subject and the plain text body of a raw message.
// It never fails: undecodable bytes become U+FFFD and a message whose
// header cannot be parsed at all yields its raw bytes as body.
func Extract(raw []byte) ExtractedText {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !message.IsUnknownCharset(err)) {
		return ExtractedText{Body: toValidUTF8(bodyAfterHeader(raw))}
	}
	defer mr.Close()

	text := ExtractedText{Subject: decodeSubject(mr.Header)}

	mediaType, _, _ := mime.ParseMediaType(mr.Header.Get("Content-Type"))
	multipart := strings.HasPrefix(mediaType, "multipart/")

	var (
		body   strings.Builder
		failed int
	)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if p == nil {
			// a broken part; the multipart reader resumes at the next boundary
			failed++
			if failed >= maxPartErrors {
				break
			}
			continue
		}
		failed = 0
		if multipart && partMediaType(p.Header) != "text/plain" {
			continue
		}
		b, _ := io.ReadAll(p.Body)
		body.WriteString(toValidUTF8(b))
	}

	text.Body = body.String()
	return text
}

func partMediaType(h mail.PartHeader) string {
	v := h.Get("Content-Type")
	if v == "" {
		return "text/plain"
	}
	t, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return t
}

func decodeSubject(h mail.Header) string {
	if s, err := h.Subject(); err == nil {
		return toValidUTF8([]byte(s))
	}
	raw := h.Get("Subject")
	if d, err := new(mime.WordDecoder).DecodeHeader(raw); err == nil {
		return toValidUTF8([]byte(d))
	}
	return toValidUTF8([]byte(raw))
}

func bodyAfterHeader(raw []byte) []byte {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i != -1 {
			return raw[i+len(sep):]
		}
	}
	return raw
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
