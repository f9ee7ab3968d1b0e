package pop3

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// CAPA takes no arguments
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	return Response{
		OK:      true,
		Message: "Capability list follows",
		Lines:   sess.Capabilities(),
	}, nil
}

// stlsCommand implements the STLS command (RFC 2595).
type stlsCommand struct{}

func (s *stlsCommand) Name() string {
	return "STLS"
}

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// STLS takes no arguments
	if len(args) > 0 {
		return Response{OK: false, Message: "STLS command takes no arguments"}, nil
	}

	// STLS is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "TLS already active"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}

	// Return success - the handler will perform the TLS upgrade
	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// USER is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	// USER requires exactly one argument
	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	sess.SetUsername(username)

	return Response{OK: true, Message: "user accepted"}, nil
}

// passCommand implements the PASS command (RFC 1939).
type passCommand struct {
	creds CredentialChecker
	store MessageStore
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// PASS is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	// USER must have been called first
	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "invalid credentials", Disconnect: true}, nil
	}

	// PASS requires exactly one argument
	if len(args) != 1 {
		return Response{OK: false, Message: "invalid credentials", Disconnect: true}, nil
	}

	if !p.creds.Check(username, args[0]) {
		conn.Logger().Info("authentication failed", "username", username)
		return Response{OK: false, Message: "invalid credentials", Disconnect: true}, nil
	}

	if err := sess.InitializeMailbox(ctx, p.store, username); err != nil {
		conn.Logger().Error("failed to list mailbox", "username", username, "error", err.Error())
		return Response{OK: false, Message: "failed to list messages"}, nil
	}

	conn.Logger().Info("authentication successful",
		"username", username,
		"messages", sess.MessageCount(),
	)

	return Response{OK: true, Message: "auth successful"}, nil
}

// quitCommand implements the QUIT command (RFC 1939). The handler performs
// the deferred deletions when the session enters the UPDATE state.
type quitCommand struct{}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// QUIT takes no arguments
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	sess.EnterUpdate()

	return Response{OK: true, Message: "Bye", Disconnect: true}, nil
}

// authCommand implements the AUTH command (RFC 5034) with the PLAIN and
// LOGIN mechanisms.
type authCommand struct {
	creds CredentialChecker
	store MessageStore
}

func (a *authCommand) Name() string {
	return "AUTH"
}

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// AUTH is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) < 1 {
		return Response{OK: false, Message: "AUTH command requires a mechanism"}, nil
	}

	mech := strings.ToUpper(args[0])
	var server sasl.Server
	switch mech {
	case sasl.Plain:
		server = sasl.NewPlainServer(func(identity, username, password string) error {
			if !a.creds.Check(username, password) {
				return ErrAuthFailed
			}
			sess.saslUser = username
			return nil
		})
	case "LOGIN":
		server = newLoginServer(func(username, password string) error {
			if !a.creds.Check(username, password) {
				return ErrAuthFailed
			}
			sess.saslUser = username
			return nil
		})
	default:
		return Response{OK: false, Message: "unsupported AUTH method"}, nil
	}

	sess.SetSASLServer(mech, server)

	// An initial response may ride along with the AUTH command.
	if len(args) > 1 {
		return a.step(ctx, sess, conn, args[1])
	}

	challenge, done, err := server.Next(nil)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "invalid credentials", Disconnect: true}, nil
	}
	if done {
		return a.finish(ctx, sess, conn)
	}
	return Response{Continuation: true, Challenge: base64.StdEncoding.EncodeToString(challenge)}, nil
}

// ProcessSASLResponse handles one client line of an in-progress SASL
// exchange.
func (a *authCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	return a.step(ctx, sess, conn, strings.TrimSpace(line))
}

func (a *authCommand) step(ctx context.Context, sess *Session, conn ConnectionLogger, encoded string) (Response, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: fmt.Sprintf("AUTH %s failed", sess.SASLMech())}, nil
	}

	challenge, done, err := sess.SASLServer().Next(decoded)
	if err != nil {
		sess.ClearSASL()
		conn.Logger().Info("authentication failed", "mechanism", sess.SASLMech())
		return Response{OK: false, Message: "invalid credentials", Disconnect: true}, nil
	}
	if !done {
		return Response{Continuation: true, Challenge: base64.StdEncoding.EncodeToString(challenge)}, nil
	}
	return a.finish(ctx, sess, conn)
}

// finish completes a successful SASL exchange by loading the mailbox.
func (a *authCommand) finish(ctx context.Context, sess *Session, conn ConnectionLogger) (Response, error) {
	username := sess.saslUser
	sess.ClearSASL()

	if err := sess.InitializeMailbox(ctx, a.store, username); err != nil {
		conn.Logger().Error("failed to list mailbox", "username", username, "error", err.Error())
		return Response{OK: false, Message: "failed to list messages"}, nil
	}

	conn.Logger().Info("authentication successful",
		"username", username,
		"messages", sess.MessageCount(),
	)

	return Response{OK: true, Message: "authenticated"}, nil
}

// loginServer is a server for the obsolete LOGIN mechanism, still the only
// choice some legacy clients offer. The exchange is two prompts with
// base64-decoded replies.
type loginServer struct {
	authenticate func(username, password string) error
	username     string
	stage        int
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch s.stage {
	case 0:
		s.stage = 1
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		s.stage = 2
		return []byte("Password:"), false, nil
	case 2:
		s.stage = 3
		if err := s.authenticate(s.username, string(response)); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return nil, false, ErrAuthFailed
}

// RegisterAuthCommands registers all authentication-related commands.
func RegisterAuthCommands(creds CredentialChecker, store MessageStore) {
	RegisterCommand(&capaCommand{})
	RegisterCommand(&stlsCommand{})
	RegisterCommand(&userCommand{})
	RegisterCommand(&passCommand{creds: creds, store: store})
	RegisterCommand(&authCommand{creds: creds, store: store})
	RegisterCommand(&quitCommand{})
}
