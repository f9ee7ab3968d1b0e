package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestEnqueueNaming(t *testing.T) {
	s := newTestSpool(t)

	for i, want := range []string{"mail_0000", "mail_0001", "mail_0002"} {
		name, err := s.Enqueue("a@x", []string{"b@y"}, []byte("msg"))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if name != want {
			t.Errorf("Enqueue %d = %q, want %q", i, name, want)
		}
	}
	if d := s.Depth(); d != 3 {
		t.Errorf("Depth = %d, want 3", d)
	}
}

func TestEnqueueSkipsExistingStem(t *testing.T) {
	s := newTestSpool(t)

	// A leftover mail_0000 pair from a previous run. The count-based index
	// would collide with it; the stem must advance past.
	if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("old")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("old2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Remove("mail_0000"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	name, err := s.Enqueue("a@x", []string{"b@y"}, []byte("new"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if name == "mail_0001" {
		t.Error("Enqueue reused an occupied stem")
	}
}

func TestEntriesRoundTrip(t *testing.T) {
	s := newTestSpool(t)

	if _, err := s.Enqueue("alice@example.com", []string{"bob@x", "carol@y"}, []byte("raw message")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("Entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.MailFrom != "alice@example.com" {
		t.Errorf("MailFrom = %q", e.MailFrom)
	}
	if len(e.RcptTos) != 2 || e.RcptTos[0] != "bob@x" {
		t.Errorf("RcptTos = %v", e.RcptTos)
	}
	if string(e.Raw) != "raw message" {
		t.Errorf("Raw = %q", e.Raw)
	}
}

func TestEntriesRemovesOrphanSidecar(t *testing.T) {
	s := newTestSpool(t)

	orphan := filepath.Join(s.Dir(), "mail_0007.meta.json")
	if err := os.WriteFile(orphan, []byte(`{"mail_from": "a@x", "rcpt_tos": ["b@y"]}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if entries := s.Entries(); len(entries) != 0 {
		t.Errorf("Entries = %d, want 0", len(entries))
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan sidecar not removed")
	}
}

func TestEntriesSortedOrder(t *testing.T) {
	s := newTestSpool(t)
	for range 3 {
		if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("m")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	entries := s.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name >= entries[i].Name {
			t.Errorf("entries out of order: %q before %q", entries[i-1].Name, entries[i].Name)
		}
	}
}

type recordingSender struct {
	sent []string
	fail map[string]bool
}

func (r *recordingSender) Send(_ context.Context, mailFrom string, _ []string, raw []byte) error {
	if r.fail[string(raw)] {
		return errors.New("send failed")
	}
	r.sent = append(r.sent, string(raw))
	return nil
}

func TestWorkerDrainRemovesSent(t *testing.T) {
	s := newTestSpool(t)
	if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("one")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("two")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sender := &recordingSender{}
	w := NewWorker(s, sender, time.Hour, nil)
	w.drain(context.Background())

	if len(sender.sent) != 2 {
		t.Errorf("sent = %v, want both messages", sender.sent)
	}
	if d := s.Depth(); d != 0 {
		t.Errorf("Depth after drain = %d, want 0", d)
	}
}

func TestWorkerDrainKeepsFailed(t *testing.T) {
	s := newTestSpool(t)
	if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("bad")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue("a@x", []string{"b@y"}, []byte("good")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sender := &recordingSender{fail: map[string]bool{"bad": true}}
	w := NewWorker(s, sender, time.Hour, nil)
	w.drain(context.Background())

	// The failed entry stays; the walk continues past it.
	if len(sender.sent) != 1 || sender.sent[0] != "good" {
		t.Errorf("sent = %v, want [good]", sender.sent)
	}
	if d := s.Depth(); d != 1 {
		t.Errorf("Depth after drain = %d, want 1", d)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	s := newTestSpool(t)
	w := NewWorker(s, &recordingSender{}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
