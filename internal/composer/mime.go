package composer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path/filepath"
)

const base64LineLength = 76

// header is an ordered list of top-level header fields
type header [][2]string

func (h *header) add(key, value string) {
	*h = append(*h, [2]string{key, value})
}

func (h header) writeTo(buf *bytes.Buffer) {
	for _, kv := range h {
		fmt.Fprintf(buf, "%s: %s\r\n", kv[0], kv[1])
	}
}

// attachmentData is an attachment already read from disk
type attachmentData struct {
	name        string
	contentType string
	data        []byte
}

// buildMessage assembles the final RFC 5322 message. With html empty the
// content is a single text/plain part; otherwise text and html become a
// multipart/alternative. Attachments wrap everything in multipart/mixed.
func buildMessage(h header, text, html string, attachments []attachmentData) ([]byte, error) {
	var buf bytes.Buffer

	if len(attachments) == 0 {
		if html == "" {
			h.add("Content-Type", "text/plain; charset=utf-8")
			h.add("Content-Transfer-Encoding", "quoted-printable")
			h.writeTo(&buf)
			buf.WriteString("\r\n")
			if err := writeQuotedPrintable(&buf, text); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}

		var body bytes.Buffer
		alt := multipart.NewWriter(&body)
		if err := writeAlternative(alt, text, html); err != nil {
			return nil, err
		}
		h.add("Content-Type", "multipart/alternative; boundary="+alt.Boundary())
		h.writeTo(&buf)
		buf.WriteString("\r\n")
		buf.Write(body.Bytes())
		return buf.Bytes(), nil
	}

	var body bytes.Buffer
	mixed := multipart.NewWriter(&body)

	if html == "" {
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeQuotedPrintable(part, text); err != nil {
			return nil, err
		}
	} else {
		var altBody bytes.Buffer
		alt := multipart.NewWriter(&altBody)
		if err := writeAlternative(alt, text, html); err != nil {
			return nil, err
		}
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"multipart/alternative; boundary=" + alt.Boundary()},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(altBody.Bytes()); err != nil {
			return nil, err
		}
	}

	for _, att := range attachments {
		if err := writeAttachment(mixed, att); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, err
	}

	h.add("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	h.writeTo(&buf)
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func writeAlternative(w *multipart.Writer, text, html string) error {
	for _, p := range []struct{ contentType, content string }{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", html},
	} {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return err
		}
		if err := writeQuotedPrintable(part, p.content); err != nil {
			return err
		}
	}
	return w.Close()
}

func writeQuotedPrintable(w io.Writer, s string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(s)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, att attachmentData) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {att.contentType},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.name})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(att.data)
	for i := 0; i < len(encoded); i += base64LineLength {
		end := min(i+base64LineLength, len(encoded))
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// detectContentType picks a MIME type from the file extension
func detectContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
