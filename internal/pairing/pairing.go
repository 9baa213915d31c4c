// Package pairing implements the "pairing" DM policy: unknown senders receive
// a one-time code by email and are admitted once an operator approves it.
package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"mailbridge/internal/store"
)

// ApprovedMessage is mailed to a sender once their code is approved.
const (
	ApprovedSubject = "Access Approved"
	ApprovedMessage = "Your access has been approved. You can now message this inbox and the agent will reply."
)

var ErrUnknownCode = errors.New("unknown or expired pairing code")

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "pairing requests and paired senders",
		SQL: `
		CREATE TABLE IF NOT EXISTS pairing_requests (
			account_id  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			code        TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			PRIMARY KEY (account_id, sender)
		);
		CREATE INDEX IF NOT EXISTS idx_pairing_code ON pairing_requests(code);

		CREATE TABLE IF NOT EXISTS paired_senders (
			account_id  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			paired_at   INTEGER NOT NULL,
			expires_at  INTEGER,
			PRIMARY KEY (account_id, sender)
		);
		`,
	},
}

// Config configures the pairing service.
type Config struct {
	Path    string        // sqlite file
	CodeTTL time.Duration // default 24h
	TTLDays int           // 0 = pairings never expire
	Logger  *slog.Logger
}

// Service manages pending pairing codes and approved senders.
type Service struct {
	db      *sqlx.DB
	codeTTL time.Duration
	ttlDays int
	logger  *slog.Logger
	now     func() time.Time
}

// Request is one pending pairing.
type Request struct {
	AccountID string    `db:"account_id" json:"accountId"`
	Sender    string    `db:"sender" json:"sender"`
	Code      string    `db:"code" json:"code"`
	CreatedAt time.Time `db:"-" json:"createdAt"`
	ExpiresAt time.Time `db:"-" json:"expiresAt"`

	CreatedAtMs int64 `db:"created_at" json:"-"`
	ExpiresAtMs int64 `db:"expires_at" json:"-"`
}

func Open(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 24 * time.Hour
	}
	db, err := store.Open(cfg.Path, migrations, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	return &Service{
		db:      db,
		codeTTL: cfg.CodeTTL,
		ttlDays: cfg.TTLDays,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

func (ps *Service) Close() error { return ps.db.Close() }

// IsPaired reports whether sender has an unexpired pairing for the account.
func (ps *Service) IsPaired(ctx context.Context, accountID, sender string) (bool, error) {
	var count int
	err := ps.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM paired_senders
		WHERE account_id = ? AND sender = ? AND (expires_at IS NULL OR expires_at > ?)`,
		accountID, normalize(sender), ps.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return count > 0, nil
}

// Challenge returns the pending code for sender, creating one when none is
// live. created is false when an existing code was reused, so callers mail
// each code only once.
func (ps *Service) Challenge(ctx context.Context, accountID, sender string) (code string, created bool, err error) {
	sender = normalize(sender)
	now := ps.now()

	var existing Request
	err = ps.db.GetContext(ctx, &existing, `
		SELECT account_id, sender, code, created_at, expires_at FROM pairing_requests
		WHERE account_id = ? AND sender = ?`, accountID, sender)
	switch {
	case err == nil && existing.ExpiresAtMs > now.UnixMilli():
		return existing.Code, false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("load pairing request: %w", err)
	}

	code = generateSecureCode(6)
	_, err = ps.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pairing_requests (account_id, sender, code, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		accountID, sender, code, now.UnixMilli(), now.Add(ps.codeTTL).UnixMilli(),
	)
	if err != nil {
		return "", false, fmt.Errorf("store pairing request: %w", err)
	}
	ps.logger.Info("pairing code generated", "account", accountID, "sender", sender)
	return code, true, nil
}

// Approve pairs the sender that holds code and returns the request.
func (ps *Service) Approve(ctx context.Context, code string) (*Request, error) {
	code = strings.TrimSpace(code)
	now := ps.now()

	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var req Request
	err = tx.GetContext(ctx, &req, `
		SELECT account_id, sender, code, created_at, expires_at FROM pairing_requests
		WHERE code = ? AND expires_at > ?`, code, now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("load pairing request: %w", err)
	}

	var expiresAt *int64
	if ps.ttlDays > 0 {
		ms := now.AddDate(0, 0, ps.ttlDays).UnixMilli()
		expiresAt = &ms
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO paired_senders (account_id, sender, paired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		req.AccountID, req.Sender, now.UnixMilli(), expiresAt,
	); err != nil {
		return nil, fmt.Errorf("pair sender: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pairing_requests WHERE account_id = ? AND sender = ?",
		req.AccountID, req.Sender,
	); err != nil {
		return nil, fmt.Errorf("clear pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	req.fill()
	ps.logger.Info("sender paired", "account", req.AccountID, "sender", req.Sender)
	return &req, nil
}

// Pending lists live pairing requests, oldest first.
func (ps *Service) Pending(ctx context.Context) ([]Request, error) {
	var out []Request
	err := ps.db.SelectContext(ctx, &out, `
		SELECT account_id, sender, code, created_at, expires_at FROM pairing_requests
		WHERE expires_at > ? ORDER BY created_at ASC`, ps.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	for i := range out {
		out[i].fill()
	}
	return out, nil
}

// Revoke removes a sender's pairing.
func (ps *Service) Revoke(ctx context.Context, accountID, sender string) error {
	_, err := ps.db.ExecContext(ctx,
		"DELETE FROM paired_senders WHERE account_id = ? AND sender = ?",
		accountID, normalize(sender),
	)
	if err != nil {
		return fmt.Errorf("revoke pairing: %w", err)
	}
	return nil
}

// CleanExpired removes expired pending codes.
func (ps *Service) CleanExpired(ctx context.Context) (int64, error) {
	res, err := ps.db.ExecContext(ctx, "DELETE FROM pairing_requests WHERE expires_at <= ?", ps.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("clean pairing requests: %w", err)
	}
	return res.RowsAffected()
}

func (r *Request) fill() {
	r.CreatedAt = time.UnixMilli(r.CreatedAtMs)
	r.ExpiresAt = time.UnixMilli(r.ExpiresAtMs)
}

func normalize(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

// generateSecureCode generates a cryptographically random numeric code.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}

// ChallengeText is the body mailed to a sender that must pair first.
func ChallengeText(code string) string {
	return "This inbox only answers approved senders.\n\n" +
		"Your pairing code is: " + code + "\n\n" +
		"Ask the operator to approve it with:\n\n    mailbridge pairing approve " + code
}
