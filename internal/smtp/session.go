package smtp

import (
	"errors"
	"io"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/infodancer/m365proxy/internal/mail"
	"github.com/infodancer/m365proxy/internal/mailbox"
)

// Session implements the go-smtp Session interface.
// It also implements AuthSession for AUTH support.
type Session struct {
	backend    *Backend
	conn       *smtp.Conn
	clientIP   string
	from       string
	recipients []string
	authUser   string
	logger     *slog.Logger
}

var errAuthRequired = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

var errAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

// AuthMechanisms returns the available authentication mechanisms.
// Implements smtp.AuthSession interface.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, "LOGIN"}
}

// Auth handles authentication.
// Implements smtp.AuthSession interface.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.checkCredentials(username, password)
		}), nil

	case "LOGIN":
		return newLoginServer(func(username, password string) error {
			return s.checkCredentials(username, password)
		}), nil

	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

func (s *Session) checkCredentials(username, password string) error {
	if !s.backend.creds.Check(username, password) {
		s.backend.collector.AuthAttempt("smtp", false)
		s.logger.Info("authentication failed", slog.String("username", username))
		return errAuthFailed
	}

	s.authUser = username
	s.backend.collector.AuthAttempt("smtp", true)
	s.logger.Debug("authentication successful", slog.String("username", username))
	return nil
}

// Mail handles the MAIL FROM command.
// Implements smtp.Session interface.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.collector.CommandProcessed("smtp", "MAIL")

	if s.authUser == "" {
		return errAuthRequired
	}

	if !s.backend.senderAllowed(from) {
		s.logger.Info("sender rejected", slog.String("from", from))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Sender not allowed",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt handles the RCPT TO command.
// Implements smtp.Session interface.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.collector.CommandProcessed("smtp", "RCPT")

	if s.authUser == "" {
		return errAuthRequired
	}

	if !s.backend.domainAllowed(to) {
		s.logger.Info("recipient rejected", slog.String("to", to))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Recipient domain not allowed",
		}
	}

	s.recipients = append(s.recipients, to)
	s.logger.Debug("RCPT TO", slog.String("to", to))
	return nil
}

// Data handles the DATA command and relays the message upstream.
// Implements smtp.Session interface.
func (s *Session) Data(r io.Reader) error {
	s.backend.collector.CommandProcessed("smtp", "DATA")

	if s.authUser == "" {
		return errAuthRequired
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		s.logger.Debug("failed to read message data", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	err = s.backend.submitter.Submit(s.backend.ctx, s.from, s.recipients, raw)
	if err != nil {
		s.logger.Info("submission failed",
			slog.String("from", s.from),
			slog.Int("size", len(raw)),
			slog.String("error", err.Error()),
		)

		switch {
		case errors.Is(err, mailbox.ErrSenderMismatch):
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 1},
				Message:      "MAIL FROM and From: header mismatch",
			}
		case errors.Is(err, mail.ErrAttachmentTooLarge):
			return &smtp.SMTPError{
				Code:         552,
				EnhancedCode: smtp.EnhancedCode{5, 3, 4},
				Message:      "Message exceeds attachment size limit",
			}
		default:
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Failed to send message",
			}
		}
	}

	s.logger.Info("message accepted",
		slog.String("from", s.from),
		slog.Int("recipients", len(s.recipients)),
		slog.Int("size", len(raw)),
	)
	return nil
}

// Reset is called when the client sends RSET.
// Implements smtp.Session interface.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
	s.logger.Debug("session reset")
}

// Logout is called when the client quits or the connection closes.
// Implements smtp.Session interface.
func (s *Session) Logout() error {
	s.backend.collector.ConnectionClosed("smtp")
	s.logger.Debug("session logout")
	return nil
}

// loginServer implements the obsolete LOGIN mechanism for clients that
// offer nothing newer.
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
	return nil, false, errAuthFailed
}
