package imap

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
)

func TestMessageIDRoundTrip(t *testing.T) {
	cases := []struct {
		folder string
		uid    imap.UID
	}{
		{"INBOX", 42},
		{"Archive/2024", 1},
		{"Work:Reports", 99999},
	}

	for _, tc := range cases {
		id := encodeMessageID(tc.folder, tc.uid)
		folder, uid, ok := splitMessageID(id)
		if !ok {
			t.Errorf("splitMessageID(%q) failed", id)
			continue
		}
		if folder != tc.folder || uid != tc.uid {
			t.Errorf("round trip %q: got %s/%d, want %s/%d", id, folder, uid, tc.folder, tc.uid)
		}
	}
}

func TestSplitMessageIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "INBOX", ":42", "INBOX:notanumber"} {
		if _, _, ok := splitMessageID(id); ok {
			t.Errorf("splitMessageID(%q) accepted malformed id", id)
		}
	}
}

func TestAttachmentIDRoundTrip(t *testing.T) {
	id := encodeAttachmentID("INBOX:42", 3)
	messageID, index, err := splitAttachmentID(id)
	if err != nil {
		t.Fatalf("splitAttachmentID(%q): %v", id, err)
	}
	if messageID != "INBOX:42" || index != 3 {
		t.Errorf("got %s/%d, want INBOX:42/3", messageID, index)
	}

	if _, _, err := splitAttachmentID("nohash"); err == nil {
		t.Error("malformed attachment id accepted")
	}
}

func TestRoleFromAttrs(t *testing.T) {
	cases := []struct {
		mailbox string
		attrs   []imap.MailboxAttr
		want    string
	}{
		{"INBOX", nil, "inbox"},
		{"Sent Mail", []imap.MailboxAttr{imap.MailboxAttrSent}, "sent"},
		{"Bin", []imap.MailboxAttr{imap.MailboxAttrTrash}, "trash"},
		{"Random", nil, ""},
	}
	for _, tc := range cases {
		if got := roleFromAttrs(tc.mailbox, tc.attrs); got != tc.want {
			t.Errorf("roleFromAttrs(%q, %v) = %q, want %q", tc.mailbox, tc.attrs, got, tc.want)
		}
	}
}

func TestParseMIMEMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: me@example.com",
		"Subject: test",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="BOUNDARY"`,
		"",
		"--BOUNDARY",
		"Content-Type: text/plain",
		"",
		"hello plain",
		"--BOUNDARY",
		"Content-Type: text/html",
		"",
		"<p>hello html</p>",
		"--BOUNDARY",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"",
		"PDFDATA",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	text, html, atts := parseMIME([]byte(raw))
	if !strings.Contains(text, "hello plain") {
		t.Errorf("text body = %q", text)
	}
	if !strings.Contains(html, "hello html") {
		t.Errorf("html body = %q", html)
	}
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	if atts[0].Filename != "report.pdf" {
		t.Errorf("filename = %q", atts[0].Filename)
	}
	if string(atts[0].Data) != "PDFDATA" {
		t.Errorf("data = %q", atts[0].Data)
	}

	part, ok := attachmentPart([]byte(raw), 0)
	if !ok || part.Filename != "report.pdf" {
		t.Errorf("attachmentPart(0) = %+v ok=%v", part, ok)
	}
	if _, ok := attachmentPart([]byte(raw), 5); ok {
		t.Error("out-of-range attachment index accepted")
	}
}

func TestParseMIMEFallsBackToPlainText(t *testing.T) {
	text, html, atts := parseMIME([]byte("just some bytes"))
	if html != "" || len(atts) != 0 {
		t.Errorf("unexpected structure from unparseable input: %q %v", html, atts)
	}
	if text == "" {
		t.Error("fallback plain text empty")
	}
}
