// Package mailbox implements the upstream mailbox operations: submission,
// listing, retrieval, and deletion through the Graph API, with the
// store-and-forward fallback for submission.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mail"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/spool"
)

// listPageSize is the $top value for inbox pagination.
const listPageSize = 50

// Errors returned by mailbox operations.
var (
	// ErrSenderMismatch is returned when the envelope sender does not
	// match the message's From header.
	ErrSenderMismatch = errors.New("envelope sender does not match From header")

	// ErrModified is returned by Delete when the message changed upstream
	// since it was listed. The deletion is skipped, not failed.
	ErrModified = errors.New("message was modified and not deleted")

	// ErrUnavailable is returned by FetchRaw and Delete when the
	// reachability probe fails, so callers report a temporary failure
	// instead of waiting out the request timeout.
	ErrUnavailable = errors.New("upstream not reachable")
)

// AttachmentInfo identifies one attachment and its reported size.
type AttachmentInfo struct {
	ID   string
	Size int64
}

// MessageInfo describes one inbox message as seen by the retrieval pipeline.
// Size is the detail representation plus the attachment sizes, which tracks
// what a client will actually download.
type MessageInfo struct {
	ID          string
	Size        int64
	ETag        string
	Attachments []AttachmentInfo
}

// Ops bundles the Graph mailbox operations.
type Ops struct {
	client          *graph.Client
	spool           *spool.Spool
	metrics         metrics.Collector
	logger          *slog.Logger
	attachmentLimit int64
}

// Config holds configuration for creating Ops.
type Config struct {
	Client          *graph.Client
	Spool           *spool.Spool
	Metrics         metrics.Collector
	Logger          *slog.Logger
	AttachmentLimit int64 // total decoded attachment bytes per message, 0 = unlimited
}

// New creates mailbox Ops.
func New(cfg Config) *Ops {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Ops{
		client:          cfg.Client,
		spool:           cfg.Spool,
		metrics:         collector,
		logger:          logger,
		attachmentLimit: cfg.AttachmentLimit,
	}
}

func userPath(mailbox, rest string) string {
	return "/users/" + url.PathEscape(mailbox) + rest
}

// prepare translates the message and runs the checks every submission must
// pass: envelope/header sender alignment and the attachment size cap. The
// returned sender is the lowercased envelope address used for the Graph path.
func (o *Ops) prepare(mailFrom string, rcptTos []string, raw []byte) (string, *mail.Outgoing, error) {
	sender := strings.ToLower(mailFrom)

	out, err := mail.Translate(raw, rcptTos, o.attachmentLimit)
	if err != nil {
		return "", nil, err
	}
	if out.From != sender {
		o.logger.Error("envelope sender does not match From header",
			slog.String("mail_from", sender), slog.String("header_from", out.From))
		return "", nil, ErrSenderMismatch
	}
	return sender, out, nil
}

func (o *Ops) sendMail(ctx context.Context, sender string, out *mail.Outgoing) error {
	err := o.client.Post(ctx, userPath(sender, "/sendMail"),
		mail.SendRequest{Message: out.Message}, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return fmt.Errorf("sendMail: %w", err)
	}
	o.logger.Info("message sent", slog.String("from", sender))
	o.metrics.MessageSubmitted("sent")
	return nil
}

// Send translates, validates, and submits the message through sendMail.
// Failures surface directly; the spool worker relies on that to keep
// entries queued.
func (o *Ops) Send(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error {
	sender, out, err := o.prepare(mailFrom, rcptTos, raw)
	if err != nil {
		return err
	}
	return o.sendMail(ctx, sender, out)
}

// Submit is the store-and-forward entry point used by the submission
// pipeline. The message is validated before anything else; a sender
// mismatch or oversized attachment is rejected even when the upstream is
// down, so the spool only ever holds deliverable messages. After that,
// an unreachable upstream or a transient send failure queues the message
// and the submission still succeeds from the client's point of view.
func (o *Ops) Submit(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error {
	sender, out, err := o.prepare(mailFrom, rcptTos, raw)
	if err != nil {
		o.metrics.MessageSubmitted("rejected")
		return err
	}

	if !o.client.Reachable(ctx) {
		o.logger.Warn("upstream not reachable, queueing message")
		return o.enqueue(sender, rcptTos, raw)
	}

	err = o.sendMail(ctx, sender, out)
	if err == nil {
		return nil
	}
	if graph.IsTransient(err) {
		o.logger.Warn("transient upstream failure, queueing message",
			slog.String("error", err.Error()))
		return o.enqueue(sender, rcptTos, raw)
	}
	o.metrics.MessageSubmitted("rejected")
	return err
}

func (o *Ops) enqueue(mailFrom string, rcptTos []string, raw []byte) error {
	if _, err := o.spool.Enqueue(mailFrom, rcptTos, raw); err != nil {
		o.metrics.MessageSubmitted("rejected")
		return err
	}
	o.metrics.MessageSubmitted("spooled")
	return nil
}

// listResponse is one page of the inbox listing.
type listResponse struct {
	Value []struct {
		ID             string `json:"id"`
		ETag           string `json:"@odata.etag"`
		HasAttachments bool   `json:"hasAttachments"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type attachmentsResponse struct {
	Value []struct {
		ID   string `json:"id"`
		Size int64  `json:"size"`
	} `json:"value"`
}

// List enumerates the mailbox inbox. Each message's size is the length of
// its detail representation plus the sizes of its attachments. When the
// upstream is not reachable the maildrop is served empty rather than
// failing authentication.
func (o *Ops) List(ctx context.Context, mailbox string) ([]MessageInfo, error) {
	if !o.client.Reachable(ctx) {
		o.logger.Warn("upstream not reachable, serving empty maildrop",
			slog.String("mailbox", mailbox))
		return []MessageInfo{}, nil
	}

	var out []MessageInfo
	next := userPath(mailbox, fmt.Sprintf("/mailFolders/Inbox/messages?$top=%d", listPageSize))

	for next != "" {
		var page listResponse
		if err := o.client.GetJSON(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}

		for _, m := range page.Value {
			if m.ID == "" {
				continue
			}

			detail, err := o.fetch(ctx, userPath(mailbox, "/messages/"+url.PathEscape(m.ID)))
			if err != nil {
				return nil, fmt.Errorf("fetching message detail: %w", err)
			}
			info := MessageInfo{ID: m.ID, Size: int64(len(detail)), ETag: m.ETag}

			if m.HasAttachments {
				var atts attachmentsResponse
				attPath := userPath(mailbox, "/messages/"+url.PathEscape(m.ID)+"/attachments?$select=id,size")
				if err := o.client.GetJSON(ctx, attPath, &atts); err != nil {
					return nil, fmt.Errorf("listing attachments: %w", err)
				}
				for _, a := range atts.Value {
					if a.ID == "" {
						continue
					}
					info.Size += a.Size
					info.Attachments = append(info.Attachments, AttachmentInfo{ID: a.ID, Size: a.Size})
				}
			}

			out = append(out, info)
		}
		next = page.NextLink
	}
	return out, nil
}

// FetchRaw downloads the full MIME representation of a message.
func (o *Ops) FetchRaw(ctx context.Context, mailbox, id string) ([]byte, error) {
	if !o.client.Reachable(ctx) {
		return nil, ErrUnavailable
	}

	raw, err := o.fetch(ctx, userPath(mailbox, "/messages/"+url.PathEscape(id)+"/$value"))
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	o.metrics.MessageRetrieved(int64(len(raw)))
	return raw, nil
}

// fetch issues a GET and returns the raw body of a 200 response.
func (o *Ops) fetch(ctx context.Context, path string) ([]byte, error) {
	resp, err := o.client.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &graph.StatusError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

// Delete removes a message upstream, guarded by its ETag. A 412 means the
// message changed since it was listed; it stays and ErrModified is returned
// so the caller can log and move on.
func (o *Ops) Delete(ctx context.Context, mailbox, id, etag string) error {
	if !o.client.Reachable(ctx) {
		return ErrUnavailable
	}

	resp, err := o.client.Do(ctx, http.MethodDelete,
		userPath(mailbox, "/messages/"+url.PathEscape(id)), nil,
		map[string]string{"If-Match": etag})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		o.logger.Info("deleted message", slog.String("mailbox", mailbox), slog.String("id", id))
		return nil
	case http.StatusPreconditionFailed:
		return ErrModified
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &graph.StatusError{Status: resp.StatusCode, Body: body}
}
