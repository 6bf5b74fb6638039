package imap

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// mimePart is one decoded attachment part of a parsed message.
type mimePart struct {
	Filename string
	MIMEType string
	Data     []byte
}

// parseMIME parses a raw RFC 5322 message with go-message and extracts
// the text/plain body, the text/html body, and the decoded attachment
// parts in document order.
func parseMIME(raw []byte) (textBody, htmlBody string, attachments []mimePart) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable structure; treat the whole payload as plain text.
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			attachments = append(attachments, mimePart{
				Filename: filename,
				MIMEType: contentType,
				Data:     body,
			})
		}
	}

	return textBody, htmlBody, attachments
}

// attachmentPart returns the index-th attachment part of the raw
// message.
func attachmentPart(raw []byte, index int) (mimePart, bool) {
	_, _, parts := parseMIME(raw)
	if index < 0 || index >= len(parts) {
		return mimePart{}, false
	}
	return parts[index], true
}
