// ABOUTME: End-to-end encryption setup for the Matrix transport
// ABOUTME: Opens the mautrix crypto store and resets it when the login device changes

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// CryptoManager owns the crypto helper for the process lifetime.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// cryptoDBPath returns the crypto store location for an account. account is
// the configured user id or username so the path is known before login.
func cryptoDBPath(dataDir, account string) string {
	return filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(account)))
}

// SetupCrypto enables E2EE on a logged-in client. A recovery key, when
// given, is used for cross-signing verification; failure there only warns.
func SetupCrypto(ctx context.Context, client *mautrix.Client, account, recoveryKey, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	logger = logger.With("component", "crypto")

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := cryptoDBPath(dataDir, account)
	logger.Info("setting up encryption", "db", dbPath)

	if mismatch, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if mismatch {
		logger.Warn("device ID mismatch detected, resetting crypto database")
		if err := removeCryptoDB(dbPath); err != nil {
			return nil, err
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, deriveStoreKey(account), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	cm := &CryptoManager{helper: helper, logger: logger}

	if recoveryKey != "" {
		if machine := helper.Machine(); machine == nil {
			logger.Warn("crypto machine not initialized, skipping cross-signing")
		} else if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			logger.Warn("failed to verify with recovery key", "error", err)
		} else {
			logger.Info("device verified with recovery key")
		}
	}

	return cm, nil
}

// Close cleans up crypto resources.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

func removeCryptoDB(dbPath string) error {
	if err := os.Remove(dbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing old crypto database: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// checkDeviceIDMismatch reports whether an existing crypto database belongs
// to a different device than the current login.
func checkDeviceIDMismatch(dbPath, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	// mautrix keeps the account in crypto_account
	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return storedDeviceID != currentDeviceID, nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @claude:matrix.org -> claude_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_':
			result = append(result, c)
		case c == ':':
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey creates a deterministic store encryption key per account.
func deriveStoreKey(account string) []byte {
	h := sha256.Sum256([]byte("coven-projects-crypto:" + account))
	return h[:]
}
