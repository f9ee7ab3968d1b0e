// Package mail translates RFC 5322 messages into the Graph sendMail JSON
// representation.
package mail

// EmailAddress is the Graph emailAddress resource.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Recipient is the Graph recipient resource.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// ItemBody is the Graph itemBody resource. ContentType is "Text" or "HTML".
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// FileAttachment is the Graph fileAttachment resource. ContentBytes is
// base64-encoded.
type FileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// Message is the Graph message resource as submitted to sendMail. The
// recipient slices are always non-nil so they serialize as JSON arrays.
type Message struct {
	Subject       string           `json:"subject"`
	Body          ItemBody         `json:"body"`
	ToRecipients  []Recipient      `json:"toRecipients"`
	CcRecipients  []Recipient      `json:"ccRecipients"`
	BccRecipients []Recipient      `json:"bccRecipients"`
	Attachments   []FileAttachment `json:"attachments,omitempty"`
}

// SendRequest is the body POSTed to the sendMail action.
type SendRequest struct {
	Message Message `json:"message"`
}

func toRecipients(addrs []string) []Recipient {
	out := make([]Recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Recipient{EmailAddress: EmailAddress{Address: a}})
	}
	return out
}
