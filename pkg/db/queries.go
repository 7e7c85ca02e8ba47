// Package db is the durable state store: tracked wallets with their fill
// cursors, encrypted credentials and the append-only operation log.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whale-core/pkg/errs"
)

var (
	ErrChatIDRequired = errors.New("chat_id is required")
	ErrNotFound       = &errs.Error{Kind: errs.KindNotFound, Op: "db", Detail: "record not found"}
)

// NormalizeAddress lower-cases and trims an address so one wallet maps to one key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ----------------------------------------
// Tracked wallets
// ----------------------------------------

// AddWallet tracks address for chatID. The cursor starts at the current time
// so fills made before tracking are not reported. Adding an already tracked
// wallet is a no-op: the existing record is returned with created=false.
func (d *Database) AddWallet(ctx context.Context, chatID int64, address string, threshold decimal.Decimal) (*TrackedWallet, bool, error) {
	if chatID == 0 {
		return nil, false, ErrChatIDRequired
	}
	address = NormalizeAddress(address)
	now := d.nowMillis()
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO tracked_wallets (chat_id, address, threshold_usd, cursor_time, cursor_tid, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(chat_id, address) DO NOTHING
	`, chatID, address, threshold.String(), now, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert wallet: %w", err)
	}
	n, _ := res.RowsAffected()
	w, err := d.GetWallet(ctx, chatID, address)
	if err != nil {
		return nil, false, err
	}
	return w, n > 0, nil
}

// GetWallet loads one tracked wallet.
func (d *Database) GetWallet(ctx context.Context, chatID int64, address string) (*TrackedWallet, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT chat_id, address, threshold_usd, order_threshold_usd, cursor_time, cursor_tid, created_at, updated_at
		FROM tracked_wallets
		WHERE chat_id = ? AND address = ?
	`, chatID, NormalizeAddress(address))
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListWallets returns the wallets tracked by chatID ordered by creation.
func (d *Database) ListWallets(ctx context.Context, chatID int64) ([]TrackedWallet, error) {
	if chatID == 0 {
		return nil, ErrChatIDRequired
	}
	return d.queryWallets(ctx, `
		SELECT chat_id, address, threshold_usd, order_threshold_usd, cursor_time, cursor_tid, created_at, updated_at
		FROM tracked_wallets
		WHERE chat_id = ?
		ORDER BY created_at, address
	`, chatID)
}

// ListAllWallets returns every tracked wallet, used to resume monitoring on start.
func (d *Database) ListAllWallets(ctx context.Context) ([]TrackedWallet, error) {
	return d.queryWallets(ctx, `
		SELECT chat_id, address, threshold_usd, order_threshold_usd, cursor_time, cursor_tid, created_at, updated_at
		FROM tracked_wallets
		ORDER BY chat_id, created_at, address
	`)
}

// RemoveWallet deletes a tracked wallet. Removing an unknown wallet returns ErrNotFound.
func (d *Database) RemoveWallet(ctx context.Context, chatID int64, address string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM tracked_wallets WHERE chat_id = ? AND address = ?`,
		chatID, NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("delete wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreshold changes the notional threshold of one wallet.
func (d *Database) SetThreshold(ctx context.Context, chatID int64, address string, threshold decimal.Decimal) error {
	if threshold.IsNegative() {
		return errs.New(errs.KindInvalidSize, "set threshold", "threshold must not be negative")
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE tracked_wallets SET threshold_usd = ?, updated_at = ?
		WHERE chat_id = ? AND address = ?
	`, threshold.String(), d.nowMillis(), chatID, NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("update threshold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOrderThreshold changes the notional at which placed or canceled orders
// of one wallet are reported. A null threshold falls back to the fill
// threshold.
func (d *Database) SetOrderThreshold(ctx context.Context, chatID int64, address string, threshold decimal.NullDecimal) error {
	var value any
	if threshold.Valid {
		if threshold.Decimal.IsNegative() {
			return errs.New(errs.KindInvalidSize, "set order threshold", "threshold must not be negative")
		}
		value = threshold.Decimal.String()
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE tracked_wallets SET order_threshold_usd = ?, updated_at = ?
		WHERE chat_id = ? AND address = ?
	`, value, d.nowMillis(), chatID, NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("update order threshold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceCursor moves the wallet cursor forward to (fillTime, tid). The write
// is conditional so the cursor never moves backwards; advanced reports whether
// the row changed. A missing wallet returns ErrNotFound.
func (d *Database) AdvanceCursor(ctx context.Context, chatID int64, address string, fillTime, tid int64) (bool, error) {
	address = NormalizeAddress(address)
	res, err := d.DB.ExecContext(ctx, `
		UPDATE tracked_wallets SET cursor_time = ?, cursor_tid = ?, updated_at = ?
		WHERE chat_id = ? AND address = ?
		  AND (cursor_time < ? OR (cursor_time = ? AND cursor_tid < ?))
	`, fillTime, tid, d.nowMillis(), chatID, address, fillTime, fillTime, tid)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := d.GetWallet(ctx, chatID, address); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Database) queryWallets(ctx context.Context, query string, args ...any) ([]TrackedWallet, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var out []TrackedWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(s scanner) (*TrackedWallet, error) {
	var (
		w                TrackedWallet
		threshold        string
		orderThreshold   sql.NullString
		created, updated int64
	)
	if err := s.Scan(&w.ChatID, &w.Address, &threshold, &orderThreshold, &w.CursorTime, &w.CursorTID, &created, &updated); err != nil {
		return nil, err
	}
	th, err := decimal.NewFromString(threshold)
	if err != nil {
		return nil, fmt.Errorf("parse threshold %q: %w", threshold, err)
	}
	w.ThresholdUSD = th
	if orderThreshold.Valid {
		oth, err := decimal.NewFromString(orderThreshold.String)
		if err != nil {
			return nil, fmt.Errorf("parse order threshold %q: %w", orderThreshold.String, err)
		}
		w.OrderThresholdUSD = decimal.NewNullDecimal(oth)
	}
	w.CreatedAt = time.UnixMilli(created)
	w.UpdatedAt = time.UnixMilli(updated)
	return &w, nil
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// PutCredential stores or replaces the credential of a chat.
func (d *Database) PutCredential(ctx context.Context, c Credential) error {
	if c.ChatID == 0 {
		return ErrChatIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO credentials (chat_id, address, ciphertext, key_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			address = excluded.address,
			ciphertext = excluded.ciphertext,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at
	`, c.ChatID, NormalizeAddress(c.Address), c.Ciphertext, c.KeyVersion, d.nowMillis())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential loads the credential of a chat.
func (d *Database) GetCredential(ctx context.Context, chatID int64) (*Credential, error) {
	var (
		c       Credential
		updated int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT chat_id, address, ciphertext, key_version, updated_at
		FROM credentials WHERE chat_id = ?
	`, chatID).Scan(&c.ChatID, &c.Address, &c.Ciphertext, &c.KeyVersion, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}

// ListCredentials returns every stored credential, used for key rotation.
func (d *Database) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT chat_id, address, ciphertext, key_version, updated_at
		FROM credentials ORDER BY chat_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var (
			c       Credential
			updated int64
		)
		if err := rows.Scan(&c.ChatID, &c.Address, &c.Ciphertext, &c.KeyVersion, &updated); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.UpdatedAt = time.UnixMilli(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes the credential of a chat. Deleting a missing
// credential is not an error.
func (d *Database) DeleteCredential(ctx context.Context, chatID int64) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM credentials WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// ----------------------------------------
// Operation log
// ----------------------------------------

// AppendOperation records an execution attempt. Rows are never updated.
func (d *Database) AppendOperation(ctx context.Context, op Operation) error {
	if op.ID == "" {
		return errors.New("operation id is required")
	}
	created := d.nowMillis()
	if !op.CreatedAt.IsZero() {
		created = op.CreatedAt.UnixMilli()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO operation_log (id, chat_id, kind, coin, is_buy, size, price, order_id, success, error_kind, detail, instance_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.ChatID, op.Kind, op.Coin, boolInt(op.IsBuy), op.Size, op.Price, op.OrderID,
		boolInt(op.Success), op.ErrorKind, op.Detail, op.InstanceID, created)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// ListOperations returns the newest operations of a chat, newest first.
func (d *Database) ListOperations(ctx context.Context, chatID int64, limit int) ([]Operation, error) {
	if chatID == 0 {
		return nil, ErrChatIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, chat_id, kind, coin, is_buy, size, price, order_id, success, error_kind, detail, instance_id, created_at
		FROM operation_log
		WHERE chat_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var (
			op             Operation
			isBuy, success int
			created        int64
		)
		if err := rows.Scan(&op.ID, &op.ChatID, &op.Kind, &op.Coin, &isBuy, &op.Size, &op.Price, &op.OrderID,
			&success, &op.ErrorKind, &op.Detail, &op.InstanceID, &created); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.IsBuy = isBuy == 1
		op.Success = success == 1
		op.CreatedAt = time.UnixMilli(created)
		out = append(out, op)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
