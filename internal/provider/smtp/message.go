package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/provider"
	"github.com/google/uuid"
)

// buildMessage constructs RFC 5322 email data and returns it with its Message-ID
func buildMessage(msg *provider.Message, now time.Time) ([]byte, string) {
	var buf bytes.Buffer

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(msg.From))
	from := (&mail.Address{Name: msg.FromName, Address: msg.From}).String()

	// Headers
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))

	// Custom headers, sorted for stable output
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, msg.Headers[k]))
	}

	buf.WriteString("MIME-Version: 1.0\r\n")

	if msg.IsHTML && msg.Text != "" {
		boundary := uuid.New().String()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(&buf, "text/plain", msg.Text)
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		writePart(&buf, "text/html", msg.Body)
		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else if msg.IsHTML {
		writePart(&buf, "text/html", msg.Body)
	} else {
		writePart(&buf, "text/plain", msg.Body)
	}

	return buf.Bytes(), messageID
}

func writePart(buf *bytes.Buffer, contentType, body string) {
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", contentType))
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(buf)
	qp.Write([]byte(strings.ReplaceAll(body, "\n", "\r\n")))
	qp.Close()
	buf.WriteString("\r\n")
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "localhost"
	}
	return strings.ToLower(address[at+1:])
}
