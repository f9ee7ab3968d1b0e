package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mail"
	"github.com/infodancer/m365proxy/internal/spool"
)

type staticTokens struct{}

func (staticTokens) AccessToken(context.Context) (string, error) { return "tok", nil }

// testUpstream wires Ops to a fake Graph server. The handler sees every
// request except the unauthenticated HEAD /me reachability probe, which is
// answered with probeStatus.
func testUpstream(t *testing.T, probeStatus int, handler http.HandlerFunc) (*Ops, *spool.Spool, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/me" {
			w.WriteHeader(probeStatus)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := graph.NewClient(graph.ClientConfig{
		TokenSource: staticTokens{},
		BaseURL:     srv.URL,
	})
	sp, err := spool.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	return New(Config{Client: client, Spool: sp}), sp, srv.URL
}

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.net\r\n" +
	"Subject: hi\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body\r\n"

func TestSendPostsSendMail(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Message struct {
			Subject      string `json:"subject"`
			ToRecipients []any  `json:"toRecipients"`
		} `json:"message"`
	}
	ops, _, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := ops.Send(context.Background(), "alice@example.com", []string{"bob@example.net"}, []byte(testMessage))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/users/alice@example.com/sendMail" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Message.Subject != "hi" {
		t.Errorf("subject = %q", gotBody.Message.Subject)
	}
	if len(gotBody.Message.ToRecipients) != 1 {
		t.Errorf("toRecipients = %d, want 1", len(gotBody.Message.ToRecipients))
	}
}

func TestSendSenderMismatch(t *testing.T) {
	ops, _, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		t.Error("sendMail must not be called on a sender mismatch")
	})

	err := ops.Send(context.Background(), "mallory@example.com", []string{"bob@example.net"}, []byte(testMessage))
	if !errors.Is(err, ErrSenderMismatch) {
		t.Errorf("Send = %v, want ErrSenderMismatch", err)
	}
}

func TestSendLowercasesEnvelopeSender(t *testing.T) {
	var gotPath string
	ops, _, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})

	// Clients are free to use mixed case in MAIL FROM; the comparison with
	// the lowercased From header must still line up.
	err := ops.Send(context.Background(), "Alice@Example.COM", []string{"bob@example.net"}, []byte(testMessage))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/users/alice@example.com/sendMail" {
		t.Errorf("path = %q, want lowercased sender", gotPath)
	}
}

func TestSubmitQueuesWhenUnreachable(t *testing.T) {
	ops, sp, _ := testUpstream(t, http.StatusInternalServerError, func(w http.ResponseWriter, r *http.Request) {
		t.Error("sendMail must not be called when the probe fails")
	})

	err := ops.Submit(context.Background(), "alice@example.com", []string{"bob@example.net"}, []byte(testMessage))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d := sp.Depth(); d != 1 {
		t.Errorf("spool depth = %d, want 1", d)
	}
}

func TestSubmitRejectsMismatchWhenUnreachable(t *testing.T) {
	ops, sp, _ := testUpstream(t, http.StatusInternalServerError, func(w http.ResponseWriter, r *http.Request) {
		t.Error("sendMail must not be called on a sender mismatch")
	})

	// Validation runs before the reachability probe; a mismatched sender is
	// rejected rather than spooled where it could never be delivered.
	err := ops.Submit(context.Background(), "mallory@example.com", []string{"bob@example.net"}, []byte(testMessage))
	if !errors.Is(err, ErrSenderMismatch) {
		t.Errorf("Submit = %v, want ErrSenderMismatch", err)
	}
	if d := sp.Depth(); d != 0 {
		t.Errorf("spool depth = %d, want 0", d)
	}
}

func TestSubmitRejectsOversizedWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := graph.NewClient(graph.ClientConfig{TokenSource: staticTokens{}, BaseURL: srv.URL})
	sp, err := spool.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	ops := New(Config{Client: client, Spool: sp, AttachmentLimit: 4})

	msg := "From: alice@example.com\r\n" +
		"To: bob@example.net\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"big.bin\"\r\n" +
		"\r\n" +
		"0123456789\r\n"
	err = ops.Submit(context.Background(), "alice@example.com", []string{"bob@example.net"}, []byte(msg))
	if !errors.Is(err, mail.ErrAttachmentTooLarge) {
		t.Errorf("Submit = %v, want ErrAttachmentTooLarge", err)
	}
	if d := sp.Depth(); d != 0 {
		t.Errorf("spool depth = %d, want 0", d)
	}
}

func TestSubmitQueuesOnTransientError(t *testing.T) {
	ops, sp, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := ops.Submit(context.Background(), "alice@example.com", []string{"bob@example.net"}, []byte(testMessage))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d := sp.Depth(); d != 1 {
		t.Errorf("spool depth = %d, want 1", d)
	}
}

func TestSubmitPropagatesPermanentError(t *testing.T) {
	ops, sp, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	err := ops.Submit(context.Background(), "alice@example.com", []string{"bob@example.net"}, []byte(testMessage))
	var se *graph.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Errorf("Submit = %v, want StatusError 400", err)
	}
	if d := sp.Depth(); d != 0 {
		t.Errorf("spool depth = %d, want 0", d)
	}
}

func TestListPaginatesAndSumsSizes(t *testing.T) {
	var base string
	detail := `{"id": "msg-1", "subject": "x"}`
	ops, _, srvURL := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/users/u@x/mailFolders/Inbox/messages"):
			if r.URL.Query().Get("$top") == "50" {
				fmt.Fprintf(w, `{"value": [{"id": "msg-1", "@odata.etag": "W/\"1\"", "hasAttachments": true}],
					"@odata.nextLink": "%s/users/u@x/mailFolders/Inbox/messages?page=2"}`, base)
			} else {
				fmt.Fprint(w, `{"value": [{"id": "msg-2", "@odata.etag": "W/\"2\"", "hasAttachments": false}]}`)
			}
		case strings.HasSuffix(r.URL.Path, "/attachments"):
			fmt.Fprint(w, `{"value": [{"id": "att-1", "size": 100}, {"id": "att-2", "size": 50}]}`)
		case strings.HasPrefix(r.URL.Path, "/users/u@x/messages/"):
			fmt.Fprint(w, detail)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	// The paginated nextLink must be absolute, so capture the server URL.
	base = srvURL

	msgs, err := ops.List(context.Background(), "u@x")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("List = %d messages, want 2", len(msgs))
	}

	first := msgs[0]
	if first.ID != "msg-1" || first.ETag != `W/"1"` {
		t.Errorf("first = %+v", first)
	}
	wantSize := int64(len(detail)) + 150
	if first.Size != wantSize {
		t.Errorf("first.Size = %d, want %d (detail + attachments)", first.Size, wantSize)
	}
	if len(first.Attachments) != 2 || first.Attachments[0].ID != "att-1" {
		t.Errorf("first.Attachments = %+v", first.Attachments)
	}

	second := msgs[1]
	if second.ID != "msg-2" || second.Size != int64(len(detail)) || len(second.Attachments) != 0 {
		t.Errorf("second = %+v", second)
	}
}

func TestListEmptyWhenUnreachable(t *testing.T) {
	ops, _, _ := testUpstream(t, http.StatusInternalServerError, func(w http.ResponseWriter, r *http.Request) {
		t.Error("listing must not be attempted when the probe fails")
	})

	msgs, err := ops.List(context.Background(), "u@x")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("List = %d messages, want empty maildrop", len(msgs))
	}
}

func TestFetchRaw(t *testing.T) {
	ops, _, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/$value") {
			t.Errorf("path = %s, want $value suffix", r.URL.Path)
		}
		w.Write([]byte("raw mime"))
	})

	raw, err := ops.FetchRaw(context.Background(), "u@x", "msg-1")
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if string(raw) != "raw mime" {
		t.Errorf("raw = %q", raw)
	}
}

func TestFetchRawUnreachable(t *testing.T) {
	ops, _, _ := testUpstream(t, http.StatusInternalServerError, func(w http.ResponseWriter, r *http.Request) {
		t.Error("fetch must not be attempted when the probe fails")
	})

	if _, err := ops.FetchRaw(context.Background(), "u@x", "msg-1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("FetchRaw = %v, want ErrUnavailable", err)
	}
}

func TestDeleteUnreachable(t *testing.T) {
	ops, _, _ := testUpstream(t, http.StatusInternalServerError, func(w http.ResponseWriter, r *http.Request) {
		t.Error("delete must not be attempted when the probe fails")
	})

	if err := ops.Delete(context.Background(), "u@x", "msg-1", `W/"1"`); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Delete = %v, want ErrUnavailable", err)
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"deleted", http.StatusNoContent, nil},
		{"modified", http.StatusPreconditionFailed, ErrModified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIfMatch string
			ops, _, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
				gotIfMatch = r.Header.Get("If-Match")
				w.WriteHeader(tt.status)
			})

			err := ops.Delete(context.Background(), "u@x", "msg-1", `W/"1"`)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Delete = %v, want %v", err, tt.wantErr)
			}
			if gotIfMatch != `W/"1"` {
				t.Errorf("If-Match = %q", gotIfMatch)
			}
		})
	}
}

func TestDeleteUnexpectedStatus(t *testing.T) {
	ops, _, _ := testUpstream(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	err := ops.Delete(context.Background(), "u@x", "msg-1", `W/"1"`)
	var se *graph.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Errorf("Delete = %v, want StatusError 404", err)
	}
}
