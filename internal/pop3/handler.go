package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/m365proxy/internal/logging"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/server"
)

// Handler creates a POP3 protocol handler with the given configuration.
// tlsConfig enables STLS on plaintext listeners and may be nil.
func Handler(creds CredentialChecker, store MessageStore, tlsConfig *tls.Config, collector metrics.Collector) server.ConnectionHandler {
	// Register authentication commands with the credential checker and store
	RegisterAuthCommands(creds, store)
	// Register transaction commands
	RegisterTransactionCommands()

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, tlsConfig, collector)
	}
}

// handleConnection manages a single POP3 connection.
func handleConnection(ctx context.Context, conn *server.Connection, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	proto := "pop3"
	collector.ConnectionOpened(proto)
	defer collector.ConnectionClosed(proto)

	if conn.IsTLS() {
		collector.TLSEstablished(proto)
	}

	// Create session
	sess := NewSession(tlsConfig, conn.IsTLS())

	logger.Info("starting POP3 session",
		"state", sess.State().String(),
		"tls", sess.IsTLSActive(),
	)

	// Send greeting
	if _, err := conn.Writer().WriteString("+OK POP3 Proxy ready\r\n"); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	// Command loop
	for {
		// Check if context is cancelled
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		// Check if connection is closed
		if conn.IsClosed() {
			logger.Info("connection closed")
			return
		}

		// Set command timeout
		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		// Read command line
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		// Reset idle timeout after successful read
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		// Trim whitespace
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Check if SASL exchange is in progress
		if sess.IsSASLInProgress() {
			resp, ok := processSASLLine(ctx, sess, conn, logger, line)
			if !ok {
				sendError(conn, "Internal server error")
				continue
			}

			if _, err := conn.Writer().WriteString(resp.String()); err != nil {
				logger.Error("failed to send response", "error", err.Error())
				return
			}
			if err := conn.Flush(); err != nil {
				logger.Error("failed to flush response", "error", err.Error())
				return
			}

			// Record auth metrics if authentication completed
			if !resp.Continuation {
				collector.AuthAttempt(proto, resp.OK)
				collector.CommandProcessed(proto, "AUTH")
			}

			if resp.Disconnect {
				return
			}
			continue
		}

		// Parse command
		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sendError(conn, "Invalid command")
			continue
		}

		// Look up command
		cmd, ok := GetCommand(cmdName)
		if !ok {
			sendError(conn, "Unknown command")
			continue
		}

		logger.Debug("executing command",
			"command", cmdName,
			"args_count", len(args),
		)

		// Record command execution
		collector.CommandProcessed(proto, cmdName)

		// Execute command
		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error",
				"command", cmdName,
				"error", err.Error(),
			)
			sendError(conn, "Internal server error")
			continue
		}

		// Commit deferred deletions before saying goodbye. RSET is no
		// longer possible once the session has entered UPDATE.
		if cmdName == "QUIT" && sess.State() == StateUpdate {
			commitDeletions(ctx, sess, logger)
		}

		// Send response
		if _, err := conn.Writer().WriteString(resp.String()); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}
		if err := conn.Flush(); err != nil {
			logger.Error("failed to flush response", "error", err.Error())
			return
		}

		// Record auth metrics for PASS and AUTH commands
		if cmdName == "PASS" || (cmdName == "AUTH" && !resp.Continuation) {
			collector.AuthAttempt(proto, resp.OK)
		}

		// If STLS succeeded, upgrade the connection to TLS
		if cmdName == "STLS" && resp.OK {
			if err := upgradeToTLS(conn, sess); err != nil {
				logger.Error("TLS upgrade failed", "error", err.Error())
				return
			}
			collector.TLSEstablished(proto)
			logger.Info("TLS upgrade successful")
		}

		if resp.Disconnect {
			logger.Info("closing connection", "command", cmdName)
			return
		}
	}
}

// processSASLLine feeds one client line to the in-progress SASL exchange.
// The second return value is false when the AUTH command is missing from
// the registry, which should not happen.
func processSASLLine(ctx context.Context, sess *Session, conn *server.Connection, logger *slog.Logger, line string) (Response, bool) {
	authCmd, ok := GetCommand("AUTH")
	if !ok {
		logger.Error("AUTH command not registered")
		sess.ClearSASL()
		return Response{}, false
	}

	auth, ok := authCmd.(*authCommand)
	if !ok {
		logger.Error("AUTH command has wrong type")
		sess.ClearSASL()
		return Response{}, false
	}

	resp, err := auth.ProcessSASLResponse(ctx, sess, conn, line)
	if err != nil {
		logger.Error("SASL processing error", "error", err.Error())
		sess.ClearSASL()
		return Response{}, false
	}
	return resp, true
}

// commitDeletions deletes the messages marked during the session from the
// upstream mailbox. A message changed upstream since listing is skipped; any
// other failure is logged and the remaining deletions still run.
func commitDeletions(ctx context.Context, sess *Session, logger *slog.Logger) {
	store := sess.Store()
	if store == nil || !sess.HasDeletions() {
		return
	}

	deleted := 0
	for _, msg := range sess.DeletedMessages() {
		err := store.Delete(ctx, sess.Username(), msg.ID, msg.ETag)
		if err != nil {
			if errors.Is(err, mailbox.ErrModified) {
				logger.Warn("message changed upstream, skipping delete", "id", msg.ID)
				continue
			}
			logger.Error("failed to delete message", "id", msg.ID, "error", err.Error())
			continue
		}
		deleted++
	}
	if deleted > 0 {
		logger.Info("deleted messages", "count", deleted)
	}
}

// upgradeToTLS performs the TLS upgrade after STLS command.
func upgradeToTLS(conn *server.Connection, sess *Session) error {
	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}

	// Perform TLS upgrade on the connection
	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	// Update session state
	sess.SetTLSActive()

	return nil
}

// sendError sends an error response to the client.
func sendError(conn *server.Connection, message string) {
	resp := Response{OK: false, Message: message}
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
	_ = conn.Flush()
}
