package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/lfarias/mailkeep/internal/provider"
)

// parseMIMEBody extracts the text/plain body, text/html body and attachment
// filenames from a raw RFC 5322 message. A message that fails MIME parsing
// is treated as a single plain text body.
func parseMIMEBody(raw []byte) (textBody, htmlBody string, attachmentNames []string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
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
			if filename != "" {
				attachmentNames = append(attachmentNames, filename)
			}
		}
	}

	return textBody, htmlBody, attachmentNames
}

// buildMessage renders a send payload into RFC 5322 wire form.
func (a *Adapter) buildMessage(p *provider.SendPayload, msgID string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetMessageID(msgID)
	h.SetSubject(p.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: p.From}})
	h.SetAddressList("To", toAddressList(p.To))
	if len(p.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(p.Cc))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	var ph mail.InlineHeader
	ph.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(pw, p.Body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, ref := range p.Attachments {
		data, err := a.readAttachment(ref)
		if err != nil {
			return nil, err
		}
		var ah mail.AttachmentHeader
		ah.SetFilename(ref.Filename)
		if ref.MimeType != "" {
			ah.SetContentType(ref.MimeType, nil)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", ref.Filename, err)
		}
		if _, err := aw.Write(data); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", ref.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toAddressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, addr := range addrs {
		list = append(list, &mail.Address{Address: addr})
	}
	return list
}
