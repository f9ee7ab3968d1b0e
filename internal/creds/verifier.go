// Package creds verifies client-presented credentials against the configured
// mailbox records.
package creds

import (
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/m365proxy/internal/config"
)

// Verifier checks username/password pairs against per-mailbox bcrypt hashes.
// The record set is immutable for the lifetime of the process.
type Verifier struct {
	mailboxes []config.Mailbox
	logger    *slog.Logger
}

// NewVerifier creates a Verifier over the configured mailbox records.
func NewVerifier(mailboxes []config.Mailbox, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{mailboxes: mailboxes, logger: logger}
}

// Check reports whether the given plaintext password matches the stored hash
// for username. Comparison of the address is case-insensitive; the hash
// comparison is constant-time via bcrypt. Results are never cached.
func (v *Verifier) Check(username, password string) bool {
	needle := strings.ToLower(username)
	for _, m := range v.mailboxes {
		if strings.ToLower(m.Username) != needle {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(m.Password), []byte(password)) == nil {
			v.logger.Info("credentials accepted", slog.String("username", needle))
			return true
		}
		v.logger.Warn("credentials rejected", slog.String("username", needle))
		return false
	}
	v.logger.Warn("credentials rejected", slog.String("username", needle))
	return false
}

// HashPassword hashes a plaintext password for storage in the config file.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
