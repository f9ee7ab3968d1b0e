package pop3

import (
	"context"
	"crypto/tls"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/m365proxy/internal/mailbox"
)

// CredentialChecker verifies a username/password pair.
type CredentialChecker interface {
	Check(username, password string) bool
}

// MessageStore is the upstream mailbox as seen by the POP3 session.
type MessageStore interface {
	List(ctx context.Context, mbox string) ([]mailbox.MessageInfo, error)
	FetchRaw(ctx context.Context, mbox, id string) ([]byte, error)
	Delete(ctx context.Context, mbox, id, etag string) error
}

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state after QUIT from Transaction (for committing deletions).
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session represents a POP3 session with state tracking.
type Session struct {
	// State machine
	state     State
	tlsActive bool

	// Configuration
	tlsConfig *tls.Config

	// Authentication state
	username string
	store    MessageStore

	// SASL state (for multi-step authentication exchanges)
	saslServer sasl.Server // Active SASL server during exchange
	saslMech   string      // Current mechanism name
	saslUser   string      // Username captured by the SASL callback

	// Transaction state. Message numbers are 1-based positions in
	// messageList; deletion marks do not renumber.
	messageList []mailbox.MessageInfo
	deletedSet  map[int]bool
	bodyCache   map[string][]byte // message id -> raw MIME, per session
}

// NewSession creates a new POP3 session. tlsConfig enables STLS on
// plaintext listeners; isTLS marks connections that arrived over implicit
// TLS.
func NewSession(tlsConfig *tls.Config, isTLS bool) *Session {
	return &Session{
		state:     StateAuthorization,
		tlsActive: isTLS,
		tlsConfig: tlsConfig,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// SetTLSActive marks the connection as using TLS.
// Should be called after successful STLS upgrade.
func (s *Session) SetTLSActive() {
	s.tlsActive = true
}

// IsTLSActive returns true if TLS is currently active.
func (s *Session) IsTLSActive() bool {
	return s.tlsActive
}

// CanSTLS returns true if the STLS command is available.
func (s *Session) CanSTLS() bool {
	return s.state == StateAuthorization && !s.tlsActive && s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration for STLS.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetUsername stores the username from the USER command.
func (s *Session) SetUsername(username string) {
	s.username = username
}

// Username returns the stored username.
func (s *Session) Username() string {
	return s.username
}

// IsAuthenticated returns true if in StateTransaction or StateUpdate.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// EnterUpdate transitions to StateUpdate (called when QUIT is received in Transaction).
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// SetSASLServer sets the active SASL server for a multi-step exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none.
func (s *Session) SASLServer() sasl.Server {
	return s.saslServer
}

// SASLMech returns the current SASL mechanism name.
func (s *Session) SASLMech() string {
	return s.saslMech
}

// ClearSASL clears the SASL state after completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
	s.saslUser = ""
}

// IsSASLInProgress returns true if a SASL exchange is in progress.
func (s *Session) IsSASLInProgress() bool {
	return s.saslServer != nil
}

// Capabilities returns the list of capabilities for this session.
// STLS appears only while the upgrade is still possible.
func (s *Session) Capabilities() []string {
	caps := []string{"USER", "UIDL", "TOP", "PIPELINING"}
	if s.CanSTLS() {
		caps = append(caps, "STLS")
	}
	return caps
}

// InitializeMailbox lists the authenticated user's inbox and transitions to
// the transaction state. The listing is the session's fixed view; upstream
// changes are not observed until the next session.
func (s *Session) InitializeMailbox(ctx context.Context, store MessageStore, username string) error {
	messages, err := store.List(ctx, username)
	if err != nil {
		return err
	}

	s.username = username
	s.store = store
	s.messageList = messages
	s.deletedSet = make(map[int]bool)
	s.bodyCache = make(map[string][]byte)
	s.state = StateTransaction

	return nil
}

// MessageCount returns the count of non-deleted messages.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.messageList {
		if !s.deletedSet[i+1] {
			count++
		}
	}
	return count
}

// TotalSize returns the total size of non-deleted messages in bytes.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, msg := range s.messageList {
		if !s.deletedSet[i+1] {
			total += msg.Size
		}
	}
	return total
}

// GetMessage returns message info by 1-based message number.
// Returns an error if the message doesn't exist or is deleted.
func (s *Session) GetMessage(msgNum int) (*mailbox.MessageInfo, error) {
	if s.messageList == nil {
		return nil, ErrMailboxNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.messageList) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return &s.messageList[msgNum-1], nil
}

// FetchBody returns the raw MIME content of a message, fetching it upstream
// on first access and serving repeats from the session cache.
func (s *Session) FetchBody(ctx context.Context, msg *mailbox.MessageInfo) ([]byte, error) {
	if raw, ok := s.bodyCache[msg.ID]; ok {
		return raw, nil
	}
	raw, err := s.store.FetchRaw(ctx, s.username, msg.ID)
	if err != nil {
		return nil, err
	}
	s.bodyCache[msg.ID] = raw
	return raw, nil
}

// MarkDeleted marks a message for deletion by 1-based message number.
func (s *Session) MarkDeleted(msgNum int) error {
	if s.messageList == nil {
		return ErrMailboxNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.messageList) {
		return ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return ErrMessageDeleted
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeletions clears all deletion marks (RSET command).
func (s *Session) ResetDeletions() {
	s.deletedSet = make(map[int]bool)
}

// HasDeletions reports whether any messages are marked for deletion.
func (s *Session) HasDeletions() bool {
	return len(s.deletedSet) > 0
}

// DeletedMessages returns the messages marked for deletion.
func (s *Session) DeletedMessages() []mailbox.MessageInfo {
	var out []mailbox.MessageInfo
	for msgNum := range s.deletedSet {
		if msgNum >= 1 && msgNum <= len(s.messageList) {
			out = append(out, s.messageList[msgNum-1])
		}
	}
	return out
}

// Store returns the message store for this session.
func (s *Session) Store() MessageStore {
	return s.store
}

// AllMessages returns iterating info for all non-deleted messages (for
// LIST/UIDL). MsgNum is 1-based.
func (s *Session) AllMessages() []struct {
	MsgNum int
	Info   mailbox.MessageInfo
} {
	var result []struct {
		MsgNum int
		Info   mailbox.MessageInfo
	}
	for i, msg := range s.messageList {
		if !s.deletedSet[i+1] {
			result = append(result, struct {
				MsgNum int
				Info   mailbox.MessageInfo
			}{MsgNum: i + 1, Info: msg})
		}
	}
	return result
}
