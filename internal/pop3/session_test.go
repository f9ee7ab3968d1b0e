package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"testing"

	"github.com/infodancer/m365proxy/internal/mailbox"
)

// fakeStore is an in-memory MessageStore for tests.
type fakeStore struct {
	messages []mailbox.MessageInfo
	bodies   map[string][]byte
	deleted  []string
	fetches  int

	listErr   error
	fetchErr  error
	deleteErr error
}

func newFakeStore(msgs ...mailbox.MessageInfo) *fakeStore {
	bodies := make(map[string][]byte)
	for _, m := range msgs {
		bodies[m.ID] = []byte(fmt.Sprintf("Subject: msg %s\r\n\r\nbody of %s\r\n", m.ID, m.ID))
	}
	return &fakeStore{messages: msgs, bodies: bodies}
}

func (f *fakeStore) List(ctx context.Context, mbox string) ([]mailbox.MessageInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages, nil
}

func (f *fakeStore) FetchRaw(ctx context.Context, mbox, id string) ([]byte, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	body, ok := f.bodies[id]
	if !ok {
		return nil, fmt.Errorf("no such message %q", id)
	}
	return body, nil
}

func (f *fakeStore) Delete(ctx context.Context, mbox, id, etag string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

// fakeChecker accepts a single username/password pair.
type fakeChecker struct {
	username string
	password string
}

func (f *fakeChecker) Check(username, password string) bool {
	return username == f.username && password == f.password
}

func testMessages() []mailbox.MessageInfo {
	return []mailbox.MessageInfo{
		{ID: "AAA", Size: 100, ETag: `W/"1"`},
		{ID: "BBB", Size: 200, ETag: `W/"2"`},
		{ID: "CCC", Size: 300, ETag: `W/"3"`},
	}
}

func authedSession(t *testing.T, store MessageStore) *Session {
	t.Helper()
	sess := NewSession(nil, false)
	if err := sess.InitializeMailbox(context.Background(), store, "alice@example.com"); err != nil {
		t.Fatalf("InitializeMailbox: %v", err)
	}
	return sess
}

func TestSessionStateMachine(t *testing.T) {
	sess := NewSession(nil, false)
	if sess.State() != StateAuthorization {
		t.Errorf("initial state = %v", sess.State())
	}
	if sess.IsAuthenticated() {
		t.Error("IsAuthenticated before login")
	}

	store := newFakeStore(testMessages()...)
	if err := sess.InitializeMailbox(context.Background(), store, "alice@example.com"); err != nil {
		t.Fatalf("InitializeMailbox: %v", err)
	}
	if sess.State() != StateTransaction {
		t.Errorf("state after login = %v", sess.State())
	}
	if !sess.IsAuthenticated() {
		t.Error("IsAuthenticated = false after login")
	}

	sess.EnterUpdate()
	if sess.State() != StateUpdate {
		t.Errorf("state after EnterUpdate = %v", sess.State())
	}
}

func TestSessionEnterUpdateRequiresTransaction(t *testing.T) {
	sess := NewSession(nil, false)
	sess.EnterUpdate()
	if sess.State() != StateAuthorization {
		t.Errorf("state = %v, want AUTHORIZATION", sess.State())
	}
}

func TestSessionCounts(t *testing.T) {
	sess := authedSession(t, newFakeStore(testMessages()...))

	if got := sess.MessageCount(); got != 3 {
		t.Errorf("MessageCount = %d, want 3", got)
	}
	if got := sess.TotalSize(); got != 600 {
		t.Errorf("TotalSize = %d, want 600", got)
	}

	if err := sess.MarkDeleted(2); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if got := sess.MessageCount(); got != 2 {
		t.Errorf("MessageCount after DELE = %d, want 2", got)
	}
	if got := sess.TotalSize(); got != 400 {
		t.Errorf("TotalSize after DELE = %d, want 400", got)
	}
}

func TestSessionDeletionKeepsNumbering(t *testing.T) {
	sess := authedSession(t, newFakeStore(testMessages()...))

	if err := sess.MarkDeleted(1); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	// Message 3 keeps its number even though message 1 is gone.
	msg, err := sess.GetMessage(3)
	if err != nil {
		t.Fatalf("GetMessage(3): %v", err)
	}
	if msg.ID != "CCC" {
		t.Errorf("message 3 = %q, want CCC", msg.ID)
	}

	if _, err := sess.GetMessage(1); err != ErrMessageDeleted {
		t.Errorf("GetMessage(1) err = %v, want ErrMessageDeleted", err)
	}

	all := sess.AllMessages()
	if len(all) != 2 {
		t.Fatalf("AllMessages = %d entries, want 2", len(all))
	}
	if all[0].MsgNum != 2 || all[1].MsgNum != 3 {
		t.Errorf("message numbers = %d,%d, want 2,3", all[0].MsgNum, all[1].MsgNum)
	}
}

func TestSessionGetMessageErrors(t *testing.T) {
	sess := NewSession(nil, false)
	if _, err := sess.GetMessage(1); err != ErrMailboxNotInitialized {
		t.Errorf("uninitialized err = %v", err)
	}

	sess = authedSession(t, newFakeStore(testMessages()...))
	for _, n := range []int{0, -1, 4} {
		if _, err := sess.GetMessage(n); err != ErrNoSuchMessage {
			t.Errorf("GetMessage(%d) err = %v, want ErrNoSuchMessage", n, err)
		}
	}
}

func TestSessionResetDeletions(t *testing.T) {
	sess := authedSession(t, newFakeStore(testMessages()...))
	_ = sess.MarkDeleted(1)
	_ = sess.MarkDeleted(3)
	if !sess.HasDeletions() {
		t.Fatal("HasDeletions = false")
	}

	sess.ResetDeletions()
	if sess.HasDeletions() {
		t.Error("HasDeletions = true after RSET")
	}
	if got := sess.MessageCount(); got != 3 {
		t.Errorf("MessageCount = %d, want 3", got)
	}
}

func TestSessionDoubleDelete(t *testing.T) {
	sess := authedSession(t, newFakeStore(testMessages()...))
	if err := sess.MarkDeleted(2); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if err := sess.MarkDeleted(2); err != ErrMessageDeleted {
		t.Errorf("second MarkDeleted err = %v, want ErrMessageDeleted", err)
	}
}

func TestSessionFetchBodyCaches(t *testing.T) {
	store := newFakeStore(testMessages()...)
	sess := authedSession(t, store)

	msg, err := sess.GetMessage(1)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}

	first, err := sess.FetchBody(context.Background(), msg)
	if err != nil {
		t.Fatalf("FetchBody: %v", err)
	}
	second, err := sess.FetchBody(context.Background(), msg)
	if err != nil {
		t.Fatalf("FetchBody (cached): %v", err)
	}
	if string(first) != string(second) {
		t.Error("cached body differs")
	}
	if store.fetches != 1 {
		t.Errorf("upstream fetches = %d, want 1", store.fetches)
	}
}

func TestSessionCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		tlsConfig *tls.Config
		isTLS     bool
		wantSTLS  bool
	}{
		{name: "plaintext with tls config", tlsConfig: &tls.Config{}, wantSTLS: true},
		{name: "plaintext without tls config", wantSTLS: false},
		{name: "already tls", tlsConfig: &tls.Config{}, isTLS: true, wantSTLS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := NewSession(tt.tlsConfig, tt.isTLS)
			caps := sess.Capabilities()
			hasSTLS := false
			for _, c := range caps {
				if c == "STLS" {
					hasSTLS = true
				}
			}
			if hasSTLS != tt.wantSTLS {
				t.Errorf("STLS advertised = %v, want %v", hasSTLS, tt.wantSTLS)
			}
		})
	}
}

func TestSessionDeletedMessages(t *testing.T) {
	sess := authedSession(t, newFakeStore(testMessages()...))
	_ = sess.MarkDeleted(1)
	_ = sess.MarkDeleted(3)

	ids := make(map[string]bool)
	for _, m := range sess.DeletedMessages() {
		ids[m.ID] = true
	}
	if !ids["AAA"] || !ids["CCC"] || ids["BBB"] {
		t.Errorf("deleted ids = %v", ids)
	}
}
