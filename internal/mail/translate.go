package mail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// ErrAttachmentTooLarge is returned when the decoded attachments together
// exceed the configured size limit.
var ErrAttachmentTooLarge = errors.New("message exceeds attachment size limit")

// Outgoing is a translated message ready for submission, together with the
// header sender used for alignment checks.
type Outgoing struct {
	From    string
	Message Message
}

// Translate parses a raw RFC 5322 message and produces the Graph message
// resource. rcptTos is the envelope recipient list; it is sliced into
// To/Cc/Bcc by the header address counts when those account for every
// envelope recipient, and carried whole as To otherwise (Bcc headers are
// usually stripped by the submitting client). limit caps the total decoded
// attachment size in bytes; zero means unlimited.
func Translate(raw []byte, rcptTos []string, limit int64) (*Outgoing, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	out := &Outgoing{}
	out.From = headerAddress(mr.Header, "From")

	subject, _ := mr.Header.Subject()
	out.Message.Subject = subject

	// The header split is only trusted when the To/Cc/Bcc counts line up
	// with the envelope; otherwise everyone goes in To. Either way the
	// envelope addresses are what gets submitted.
	toCount := len(headerAddresses(mr.Header, "To"))
	ccCount := len(headerAddresses(mr.Header, "Cc"))
	bccCount := len(headerAddresses(mr.Header, "Bcc"))
	if toCount+ccCount+bccCount == len(rcptTos) {
		out.Message.ToRecipients = toRecipients(rcptTos[:toCount])
		out.Message.CcRecipients = toRecipients(rcptTos[toCount : toCount+ccCount])
		out.Message.BccRecipients = toRecipients(rcptTos[toCount+ccCount:])
	} else {
		out.Message.ToRecipients = toRecipients(rcptTos)
		out.Message.CcRecipients = []Recipient{}
		out.Message.BccRecipients = []Recipient{}
	}

	var text, html string
	haveText := false
	var attachmentTotal int64

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading message part: %w", err)
		}

		switch h := p.Header.(type) {
		case *gomail.InlineHeader:
			ctype, _, err := h.ContentType()
			if err != nil {
				ctype = ""
			}
			rawContentID := strings.TrimSpace(h.Get("Content-Id"))
			contentID := stripContentID(rawContentID)

			switch {
			case ctype == "text/plain" && contentID == "":
				// First text/plain part wins.
				if !haveText {
					data, err := io.ReadAll(p.Body)
					if err != nil {
						return nil, fmt.Errorf("reading text body: %w", err)
					}
					text = string(data)
					haveText = true
				}
			case ctype == "text/html" && contentID == "":
				// Last text/html part wins.
				data, err := io.ReadAll(p.Body)
				if err != nil {
					return nil, fmt.Errorf("reading html body: %w", err)
				}
				html = string(data)
			case contentID != "":
				// Inline resource referenced from the HTML body.
				att, size, err := readAttachment(p.Body, rawContentID, ctype, contentID)
				if err != nil {
					return nil, err
				}
				attachmentTotal += size
				out.Message.Attachments = append(out.Message.Attachments, att)
			}
			// Anything else without a name or content ID is dropped.

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			ctype, _, err := h.ContentType()
			if err != nil {
				ctype = ""
			}
			rawContentID := strings.TrimSpace(h.Get("Content-Id"))
			if filename == "" {
				filename = rawContentID
			}
			att, size, err := readAttachment(p.Body, filename, ctype, stripContentID(rawContentID))
			if err != nil {
				return nil, err
			}
			attachmentTotal += size
			out.Message.Attachments = append(out.Message.Attachments, att)
		}
	}

	// The cap applies to the decoded attachments as a whole.
	if limit > 0 && attachmentTotal > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, attachmentTotal)
	}

	if html != "" {
		out.Message.Body = ItemBody{ContentType: "HTML", Content: html}
	} else {
		out.Message.Body = ItemBody{ContentType: "Text", Content: text}
	}
	return out, nil
}

// readAttachment decodes one attachment part into a fileAttachment resource
// and reports the decoded size.
func readAttachment(r io.Reader, name, ctype, contentID string) (FileAttachment, int64, error) {
	if name == "" {
		name = "attachment"
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return FileAttachment{}, 0, fmt.Errorf("reading attachment %s: %w", name, err)
	}

	return FileAttachment{
		ODataType:    fileAttachmentType,
		Name:         name,
		ContentType:  ctype,
		ContentBytes: base64.StdEncoding.EncodeToString(data),
		IsInline:     contentID != "",
		ContentID:    contentID,
	}, int64(len(data)), nil
}

// stripContentID removes the angle brackets around a Content-ID value.
func stripContentID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// headerAddress returns the first address in the named header, lowercased,
// or "" when absent or unparsable.
func headerAddress(h gomail.Header, name string) string {
	addrs := headerAddresses(h, name)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// headerAddresses returns the addresses in the named header, lowercased.
func headerAddresses(h gomail.Header, name string) []string {
	list, err := h.AddressList(name)
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}
