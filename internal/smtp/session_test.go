package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/m365proxy/internal/mail"
	"github.com/infodancer/m365proxy/internal/mailbox"
)

type fakeChecker struct {
	username string
	password string
}

func (f *fakeChecker) Check(username, password string) bool {
	return username == f.username && password == f.password
}

type fakeSubmitter struct {
	err      error
	ctx      context.Context
	mailFrom string
	rcptTos  []string
	raw      []byte
	calls    int
}

func (f *fakeSubmitter) Submit(ctx context.Context, mailFrom string, rcptTos []string, raw []byte) error {
	f.calls++
	f.ctx = ctx
	f.mailFrom = mailFrom
	f.rcptTos = rcptTos
	f.raw = raw
	return f.err
}

func testBackend(sub *fakeSubmitter) *Backend {
	return NewBackend(BackendConfig{
		Creds:          &fakeChecker{username: "alice@example.com", password: "secret"},
		Submitter:      sub,
		Mailboxes:      []string{"alice@example.com"},
		AllowedDomains: []string{"example.org"},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testSession(b *Backend) *Session {
	return &Session{
		backend: b,
		logger:  b.logger,
	}
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("error %v is not an SMTPError", err)
	}
	return smtpErr.Code
}

func authenticate(t *testing.T, sess *Session) {
	t.Helper()
	if err := sess.checkCredentials("alice@example.com", "secret"); err != nil {
		t.Fatalf("checkCredentials: %v", err)
	}
}

func TestMailRequiresAuth(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))

	err := sess.Mail("alice@example.com", nil)
	if code := smtpCode(t, err); code != 530 {
		t.Errorf("code = %d, want 530", code)
	}
}

func TestMailRejectsUnknownSender(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))
	authenticate(t, sess)

	err := sess.Mail("mallory@example.com", nil)
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("code = %d, want 550", code)
	}
}

func TestMailAcceptsMailboxSenderCaseInsensitive(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))
	authenticate(t, sess)

	if err := sess.Mail("Alice@Example.COM", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
}

func TestRcptDomainAllowList(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))
	authenticate(t, sess)

	if err := sess.Rcpt("bob@example.org", nil); err != nil {
		t.Fatalf("allowed domain rejected: %v", err)
	}

	err := sess.Rcpt("bob@evil.example", nil)
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("code = %d, want 550", code)
	}

	err = sess.Rcpt("no-domain", nil)
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("code for bare name = %d, want 550", code)
	}
}

func TestRcptWildcardAllowsAll(t *testing.T) {
	b := NewBackend(BackendConfig{
		Creds:          &fakeChecker{username: "alice@example.com", password: "secret"},
		Submitter:      &fakeSubmitter{},
		Mailboxes:      []string{"alice@example.com"},
		AllowedDomains: []string{"*"},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sess := testSession(b)
	authenticate(t, sess)

	if err := sess.Rcpt("anyone@anywhere.example", nil); err != nil {
		t.Fatalf("wildcard rejected recipient: %v", err)
	}
}

func TestDataSubmitsMessage(t *testing.T) {
	sub := &fakeSubmitter{}
	sess := testSession(testBackend(sub))
	authenticate(t, sess)

	if err := sess.Mail("alice@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Rcpt("bob@example.org", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	raw := "From: alice@example.com\r\nTo: bob@example.org\r\n\r\nhi\r\n"
	if err := sess.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	if sub.calls != 1 {
		t.Fatalf("Submit calls = %d, want 1", sub.calls)
	}
	if sub.mailFrom != "alice@example.com" {
		t.Errorf("mailFrom = %q", sub.mailFrom)
	}
	if len(sub.rcptTos) != 1 || sub.rcptTos[0] != "bob@example.org" {
		t.Errorf("rcptTos = %v", sub.rcptTos)
	}
	if string(sub.raw) != raw {
		t.Errorf("raw = %q", sub.raw)
	}
}

func TestDataErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "sender mismatch", err: mailbox.ErrSenderMismatch, wantCode: 550},
		{name: "attachments too large", err: mail.ErrAttachmentTooLarge, wantCode: 552},
		{name: "upstream failure", err: errors.New("boom"), wantCode: 451},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.err}
			sess := testSession(testBackend(sub))
			authenticate(t, sess)
			sess.from = "alice@example.com"
			sess.recipients = []string{"bob@example.org"}

			err := sess.Data(strings.NewReader("From: alice@example.com\r\n\r\nhi\r\n"))
			if code := smtpCode(t, err); code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestDataUsesBackendContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &fakeSubmitter{}
	b := NewBackend(BackendConfig{
		Context:        ctx,
		Creds:          &fakeChecker{username: "alice@example.com", password: "secret"},
		Submitter:      sub,
		Mailboxes:      []string{"alice@example.com"},
		AllowedDomains: []string{"example.org"},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sess := testSession(b)
	authenticate(t, sess)
	sess.from = "alice@example.com"
	sess.recipients = []string{"bob@example.org"}

	if err := sess.Data(strings.NewReader("From: alice@example.com\r\n\r\nhi\r\n")); err != nil {
		t.Fatalf("Data: %v", err)
	}

	// Shutdown cancellation must reach in-flight submissions.
	cancel()
	if sub.ctx == nil || sub.ctx.Err() != context.Canceled {
		t.Error("submission not bound to the server context")
	}
}

func TestDataRequiresAuth(t *testing.T) {
	sub := &fakeSubmitter{}
	sess := testSession(testBackend(sub))

	err := sess.Data(strings.NewReader("hi\r\n"))
	if code := smtpCode(t, err); code != 530 {
		t.Errorf("code = %d, want 530", code)
	}
	if sub.calls != 0 {
		t.Errorf("Submit called %d times without auth", sub.calls)
	}
}

func TestReset(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))
	authenticate(t, sess)
	sess.from = "alice@example.com"
	sess.recipients = []string{"bob@example.org"}

	sess.Reset()
	if sess.from != "" || sess.recipients != nil {
		t.Errorf("state not cleared: from=%q recipients=%v", sess.from, sess.recipients)
	}
	if sess.authUser != "alice@example.com" {
		t.Error("RSET must not drop authentication")
	}
}

func TestAuthMechanisms(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))
	mechs := sess.AuthMechanisms()

	want := map[string]bool{"PLAIN": false, "LOGIN": false}
	for _, m := range mechs {
		if _, ok := want[m]; ok {
			want[m] = true
		}
	}
	for m, found := range want {
		if !found {
			t.Errorf("mechanism %s not advertised", m)
		}
	}
}

func TestAuthPlainServer(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))

	srv, err := sess.Auth("PLAIN")
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}

	_, done, err := srv.Next([]byte("\x00alice@example.com\x00secret"))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !done {
		t.Fatal("exchange not done")
	}
	if sess.authUser != "alice@example.com" {
		t.Errorf("authUser = %q", sess.authUser)
	}
}

func TestAuthPlainRejectsBadPassword(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))

	srv, err := sess.Auth("PLAIN")
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}

	_, _, err = srv.Next([]byte("\x00alice@example.com\x00wrong"))
	if err == nil {
		t.Fatal("bad password accepted")
	}
	if code := smtpCode(t, err); code != 535 {
		t.Errorf("code = %d, want 535", code)
	}
	if sess.authUser != "" {
		t.Errorf("authUser set after failure: %q", sess.authUser)
	}
}

func TestAuthLoginServer(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))

	srv, err := sess.Auth("LOGIN")
	if err != nil {
		t.Fatalf("Auth: %v", err)
	}

	challenge, done, err := srv.Next(nil)
	if err != nil || done {
		t.Fatalf("first step: challenge=%q done=%v err=%v", challenge, done, err)
	}
	if string(challenge) != "Username:" {
		t.Errorf("first challenge = %q", challenge)
	}

	challenge, done, err = srv.Next([]byte("alice@example.com"))
	if err != nil || done {
		t.Fatalf("second step: done=%v err=%v", done, err)
	}
	if string(challenge) != "Password:" {
		t.Errorf("second challenge = %q", challenge)
	}

	_, done, err = srv.Next([]byte("secret"))
	if err != nil {
		t.Fatalf("final step: %v", err)
	}
	if !done {
		t.Fatal("exchange not done")
	}
	if sess.authUser != "alice@example.com" {
		t.Errorf("authUser = %q", sess.authUser)
	}
}

func TestAuthUnknownMechanism(t *testing.T) {
	sess := testSession(testBackend(&fakeSubmitter{}))
	if _, err := sess.Auth("CRAM-MD5"); err == nil {
		t.Fatal("unknown mechanism accepted")
	}
}
