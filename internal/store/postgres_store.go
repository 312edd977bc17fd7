package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/migrations"
	"github.com/pressly/goose/v3"
)

// PostgresStore persists ledger state in PostgreSQL.
//
// Amounts are NUMERIC(78,0) and cross the driver as decimal text. Rows an
// operation touches are locked for the rest of its transaction: channels by
// SELECT … FOR UPDATE, balances and sender indexes by transaction-scoped
// advisory locks (their rows may not exist yet).
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies all pending embedded migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, p.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("store: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	tx := &postgresTx{tx: sqlTx}
	defer func() {
		tx.done = true
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if cerr := sqlTx.Commit(); cerr != nil {
		err = fmt.Errorf("%w: %v", ErrCommit, cerr)
		return err
	}
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context, account string) (*uint256.Int, error) {
	return queryBalance(ctx, p.db, account, false)
}

func (p *PostgresStore) Channel(ctx context.Context, id string) (*channels.Channel, error) {
	return queryChannel(ctx, p.db, id, false)
}

func (p *PostgresStore) SenderChannels(ctx context.Context, sender string, from uint64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = channels.DefaultPageSize
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT channel_id FROM sender_channels
		WHERE sender = $1 AND position >= $2
		ORDER BY position
		LIMIT $3`, sender, int64(from), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Totals reads both sums from one snapshot.
func (p *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Totals{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var t Totals
	var balances, locked string
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0)::TEXT, COUNT(*) FROM balances`,
	).Scan(&balances, &t.Accounts); err != nil {
		return Totals{}, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(value), 0)::TEXT, COUNT(*) FROM channels WHERE status = 'open'`,
	).Scan(&locked, &t.OpenChannels); err != nil {
		return Totals{}, err
	}
	if t.Balances, err = amount.Parse(balances); err != nil {
		return Totals{}, fmt.Errorf("store: balance total %q: %w", balances, err)
	}
	if t.Locked, err = amount.Parse(locked); err != nil {
		return Totals{}, fmt.Errorf("store: locked total %q: %w", locked, err)
	}
	return t, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryBalance(ctx context.Context, q queryer, account string, forUpdate bool) (*uint256.Int, error) {
	query := `SELECT balance::TEXT FROM balances WHERE account = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var s string
	err := q.QueryRowContext(ctx, query, account).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return amount.Zero(), nil
	}
	if err != nil {
		return nil, err
	}
	return amount.Parse(s)
}

func queryChannel(ctx context.Context, q queryer, id string, forUpdate bool) (*channels.Channel, error) {
	query := `
		SELECT id, seq, sender, recipient, value::TEXT, expiration, replica_id,
		       nonce, status, close_reason, created_at, updated_at
		FROM channels WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		ch          channels.Channel
		seq, nonce  int64
		value       string
		status      string
		closeReason string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&ch.ID, &seq, &ch.Sender, &ch.Recipient, &value, &ch.Expiration, &ch.ReplicaID,
		&nonce, &status, &closeReason, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channels.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ch.Value, err = amount.Parse(value); err != nil {
		return nil, fmt.Errorf("store: channel %s value %q: %w", id, value, err)
	}
	ch.Seq = uint64(seq)
	ch.Nonce = uint64(nonce)
	ch.Status = channels.Status(status)
	ch.CloseReason = channels.CloseReason(closeReason)
	return &ch, nil
}

// postgresTx implements Tx over one sql.Tx.
type postgresTx struct {
	tx   *sql.Tx
	done bool
}

func (t *postgresTx) lock(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (t *postgresTx) Balance(ctx context.Context, account string) (*uint256.Int, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.lock(ctx, balanceKey(account)); err != nil {
		return nil, err
	}
	return queryBalance(ctx, t.tx, account, true)
}

func (t *postgresTx) SetBalance(ctx context.Context, account string, balance *uint256.Int) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (account, balance, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), $3)
		ON CONFLICT (account) DO UPDATE
		SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		account, balance.Dec(), time.Now().UTC())
	return err
}

func (t *postgresTx) NextChannelSeq(ctx context.Context) (uint64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	var seq int64
	if err := t.tx.QueryRowContext(ctx, `SELECT nextval('channel_seq')`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (t *postgresTx) InsertChannel(ctx context.Context, ch *channels.Channel) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO channels (
			id, seq, sender, recipient, value, expiration, replica_id,
			nonce, status, close_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, $8, $9, $10, $11, $12)`,
		ch.ID, int64(ch.Seq), ch.Sender, ch.Recipient, ch.Value.Dec(), ch.Expiration, ch.ReplicaID,
		int64(ch.Nonce), string(ch.Status), string(ch.CloseReason), ch.CreatedAt, ch.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return channels.ErrDuplicateChannel
	}
	return err
}

func (t *postgresTx) Channel(ctx context.Context, id string) (*channels.Channel, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return queryChannel(ctx, t.tx, id, true)
}

func (t *postgresTx) UpdateChannel(ctx context.Context, ch *channels.Channel) error {
	if t.done {
		return ErrTxDone
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE channels SET
			value = $1::NUMERIC(78,0), expiration = $2, nonce = $3,
			status = $4, close_reason = $5, updated_at = $6
		WHERE id = $7`,
		ch.Value.Dec(), ch.Expiration, int64(ch.Nonce),
		string(ch.Status), string(ch.CloseReason), ch.UpdatedAt,
		ch.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return channels.ErrNotFound
	}
	return nil
}

func (t *postgresTx) AppendSenderChannel(ctx context.Context, sender, channelID string) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.lock(ctx, "i:"+sender); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sender_channels (sender, position, channel_id)
		SELECT $1, COALESCE(MAX(position) + 1, 0), $2
		FROM sender_channels WHERE sender = $1`,
		sender, channelID)
	return err
}
