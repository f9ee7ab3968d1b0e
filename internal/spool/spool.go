// Package spool is the on-disk store-and-forward queue for messages accepted
// while the upstream mailbox is unavailable.
package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/infodancer/m365proxy/internal/metrics"
)

const (
	emlSuffix  = ".eml"
	metaSuffix = ".meta.json"
)

// meta is the sidecar envelope record stored next to each message file.
type meta struct {
	MailFrom string   `json:"mail_from"`
	RcptTos  []string `json:"rcpt_tos"`
}

// Entry is one queued message: the raw RFC 5322 bytes plus the envelope.
type Entry struct {
	Name     string // file stem, e.g. "mail_0004"
	MailFrom string
	RcptTos  []string
	Raw      []byte
}

// Spool persists queued messages as mail_NNNN.eml / mail_NNNN.meta.json
// pairs under a single directory. The meta file is written last and deleted
// first, so a message without its sidecar is never drained.
type Spool struct {
	dir     string
	logger  *slog.Logger
	metrics metrics.Collector

	mu sync.Mutex
}

// New creates a Spool over dir, creating the directory if needed.
func New(dir string, collector metrics.Collector, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	s := &Spool{dir: dir, logger: logger, metrics: collector}
	s.metrics.SpoolDepth(len(s.metaFiles()))
	return s, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// metaFiles lists the sidecar files in lexical order.
func (s *Spool) metaFiles() []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+metaSuffix))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// nextStem picks the next mail_NNNN stem. The index is the current sidecar
// count; if an earlier entry with that stem still exists the index advances
// past it.
func (s *Spool) nextStem() string {
	idx := len(s.metaFiles())
	for {
		stem := fmt.Sprintf("mail_%04d", idx)
		if _, err := os.Stat(filepath.Join(s.dir, stem+metaSuffix)); os.IsNotExist(err) {
			return stem
		}
		idx++
	}
}

// Enqueue stores a message and its envelope in the spool. The message file
// lands before the sidecar, so a crash between the two writes leaves an
// orphan that Drain cleans up rather than a half-readable entry.
func (s *Spool) Enqueue(mailFrom string, rcptTos []string, raw []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stem := s.nextStem()
	emlPath := filepath.Join(s.dir, stem+emlSuffix)
	metaPath := filepath.Join(s.dir, stem+metaSuffix)

	if err := os.WriteFile(emlPath, raw, 0o600); err != nil {
		return "", fmt.Errorf("writing spool message: %w", err)
	}
	metaData, err := json.Marshal(meta{MailFrom: mailFrom, RcptTos: rcptTos})
	if err != nil {
		_ = os.Remove(emlPath)
		return "", fmt.Errorf("encoding spool envelope: %w", err)
	}
	if err := os.WriteFile(metaPath, metaData, 0o600); err != nil {
		_ = os.Remove(emlPath)
		return "", fmt.Errorf("writing spool envelope: %w", err)
	}

	s.logger.Warn("queued message for later delivery", slog.String("name", stem))
	s.metrics.SpoolDepth(len(s.metaFiles()))
	return stem, nil
}

// Depth returns the number of queued messages.
func (s *Spool) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metaFiles())
}

// Entries loads every queued message in lexical order. Sidecars without a
// matching message file are removed as orphans; unreadable entries are
// skipped and logged.
func (s *Spool) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, metaPath := range s.metaFiles() {
		stem := strings.TrimSuffix(filepath.Base(metaPath), metaSuffix)
		emlPath := filepath.Join(s.dir, stem+emlSuffix)

		raw, err := os.ReadFile(emlPath)
		if err != nil {
			s.logger.Warn("missing message file for sidecar, removing",
				slog.String("name", stem))
			_ = os.Remove(metaPath)
			continue
		}

		metaData, err := os.ReadFile(metaPath)
		if err != nil {
			s.logger.Warn("unreadable spool sidecar", slog.String("name", stem))
			continue
		}
		var m meta
		if err := json.Unmarshal(metaData, &m); err != nil {
			s.logger.Warn("invalid spool sidecar", slog.String("name", stem))
			continue
		}

		out = append(out, Entry{Name: stem, MailFrom: m.MailFrom, RcptTos: m.RcptTos, Raw: raw})
	}
	return out
}

// Remove deletes a drained entry. The sidecar goes first so a crash between
// the deletes cannot resurrect the message.
func (s *Spool) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, name+metaSuffix)); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name+emlSuffix)); err != nil {
		return err
	}
	s.metrics.SpoolDepth(len(s.metaFiles()))
	return nil
}
