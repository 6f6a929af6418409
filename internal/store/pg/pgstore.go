package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"aarna.eco/internal/host"
	"aarna.eco/internal/ids"
	"aarna.eco/internal/ledger"
	"aarna.eco/internal/registry"
)

const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
)

// ErrConflict reports that a concurrent writer won a serializable transaction.
var ErrConflict = errors.New("pg: serialization conflict, retry")

// Store keeps the ledger and the contract state in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ host.Backend = (*Store)(nil)

func Open(dsn string, maxOpen int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) beginSerializable(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// Fund credits native currency. Replays with the same key return the original transaction.
func (s *Store) Fund(ctx context.Context, to ledger.Address, amount uint64, idemKey string) (ledger.Transaction, error) {
	if to == "" {
		return ledger.Transaction{}, ledger.ErrInvalidAddress
	}
	if amount == 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		row := tx.QueryRowContext(ctx, selectTransactions+` where idempotency_key=$1`, idemKey)
		t, err := scanTransaction(row)
		if err == nil {
			return t, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, err
		}
	}
	if err := credit(ctx, tx, to, ledger.NativeAsset, amount); err != nil {
		return ledger.Transaction{}, err
	}
	t := ledger.Transaction{
		Kind:           ledger.OpFund,
		Receiver:       to,
		Asset:          ledger.NativeAsset,
		Amount:         amount,
		IdempotencyKey: idemKey,
	}
	if t, err = insertTransaction(ctx, tx, t); err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, mapCommitErr(err)
	}
	return t, nil
}

func (s *Store) Balance(ctx context.Context, addr ledger.Address, asset ledger.AssetID) (uint64, error) {
	if asset != ledger.NativeAsset {
		ok, err := assetExists(ctx, s.db, asset)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ledger.ErrUnknownAsset
		}
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `
		select amount::text from ledger_balances where address=$1 and asset=$2
	`, string(addr), int64(asset)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseAmount(raw)
}

func (s *Store) Asset(ctx context.Context, id ledger.AssetID) (ledger.AssetParams, error) {
	var (
		p     ledger.AssetParams
		total string
	)
	err := s.db.QueryRowContext(ctx, `
		select total::text, decimals, default_frozen, unit_name, name, url,
		       manager, reserve, freeze, clawback, creator
		from ledger_assets where id=$1
	`, int64(id)).Scan(&total, &p.Decimals, &p.DefaultFrozen, &p.UnitName, &p.Name, &p.URL,
		&p.Manager, &p.Reserve, &p.Freeze, &p.Clawback, &p.Creator)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.AssetParams{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.AssetParams{}, err
	}
	if p.Total, err = parseAmount(total); err != nil {
		return ledger.AssetParams{}, err
	}
	return p, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectTransactions+`
		where sequence > $1
		order by sequence asc
		limit $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		res  []ledger.Transaction
		last uint64
	)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
		last = t.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, last, nil
}

// LoadState reads the contract globals and slot rows.
func (s *Store) LoadState(ctx context.Context) (registry.Snapshot, error) {
	var (
		snap   registry.Snapshot
		asset  int64
		issued string
	)
	err := s.db.QueryRowContext(ctx, `
		select self, admin, validator, asset_id, total_credits_issued::text
		from contract_state where id=1
	`).Scan(&snap.Self, &snap.Admin, &snap.Validator, &asset, &issued)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Snapshot{}, host.ErrNotDeployed
	}
	if err != nil {
		return registry.Snapshot{}, err
	}
	snap.Asset = registry.AssetID(asset)
	if snap.TotalCreditsIssued, err = parseAmount(issued); err != nil {
		return registry.Snapshot{}, err
	}

	prows, err := s.db.QueryContext(ctx, `
		select submitter, name, location, ecosystem, cid, status, credits::text
		from contract_projects order by idx asc
	`)
	if err != nil {
		return registry.Snapshot{}, err
	}
	defer prows.Close()
	snap.Projects = []registry.Project{}
	for prows.Next() {
		var (
			p       registry.Project
			status  string
			credits string
		)
		if err := prows.Scan(&p.Submitter, &p.Name, &p.Location, &p.Ecosystem, &p.CID, &status, &credits); err != nil {
			return registry.Snapshot{}, err
		}
		if err := p.Status.UnmarshalText([]byte(status)); err != nil {
			return registry.Snapshot{}, err
		}
		if p.Credits, err = parseAmount(credits); err != nil {
			return registry.Snapshot{}, err
		}
		snap.Projects = append(snap.Projects, p)
	}
	if err := prows.Err(); err != nil {
		return registry.Snapshot{}, err
	}

	lrows, err := s.db.QueryContext(ctx, `
		select seller, amount::text, price_per_unit::text, active
		from contract_listings order by idx asc
	`)
	if err != nil {
		return registry.Snapshot{}, err
	}
	defer lrows.Close()
	snap.Listings = []registry.Listing{}
	for lrows.Next() {
		var (
			l             registry.Listing
			amount, price string
		)
		if err := lrows.Scan(&l.Seller, &amount, &price, &l.Active); err != nil {
			return registry.Snapshot{}, err
		}
		if l.Amount, err = parseAmount(amount); err != nil {
			return registry.Snapshot{}, err
		}
		if l.PricePerUnit, err = parseAmount(price); err != nil {
			return registry.Snapshot{}, err
		}
		snap.Listings = append(snap.Listings, l)
	}
	if err := lrows.Err(); err != nil {
		return registry.Snapshot{}, err
	}
	return snap, nil
}

// Begin opens the serializable transaction one contract call runs in.
func (s *Store) Begin(ctx context.Context) (host.Tx, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// --- helpers ---

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const selectTransactions = `
	select id, created_at, kind, sender, receiver, asset, amount::text,
	       coalesce(created_asset, 0), coalesce(idempotency_key, ''), sequence
	from ledger_transactions`

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t                      ledger.Transaction
		kind, amount           string
		asset, created, seqRaw int64
	)
	if err := row.Scan(&t.ID, &t.CreatedAt, &kind, &t.Sender, &t.Receiver, &asset, &amount, &created, &t.IdempotencyKey, &seqRaw); err != nil {
		return ledger.Transaction{}, err
	}
	v, err := parseAmount(amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Kind = ledger.OpKind(kind)
	t.Asset = ledger.AssetID(asset)
	t.Amount = v
	t.CreatedAsset = ledger.AssetID(created)
	t.Sequence = uint64(seqRaw)
	return t, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t ledger.Transaction) (ledger.Transaction, error) {
	t.ID = ids.New()
	t.CreatedAt = time.Now().UTC()
	var created any
	if t.CreatedAsset != 0 {
		created = int64(t.CreatedAsset)
	}
	var seq int64
	err := tx.QueryRowContext(ctx, `
		insert into ledger_transactions(id, created_at, kind, sender, receiver, asset, amount, created_asset, idempotency_key)
		values ($1,$2,$3,$4,$5,$6,$7::numeric,$8,nullif($9,''))
		returning sequence
	`, t.ID, t.CreatedAt, string(t.Kind), string(t.Sender), string(t.Receiver), int64(t.Asset),
		formatAmount(t.Amount), created, t.IdempotencyKey).Scan(&seq)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Sequence = uint64(seq)
	return t, nil
}

// credit adds amount and fails with ErrBalanceOverflow past uint64.
func credit(ctx context.Context, tx *sql.Tx, addr ledger.Address, asset ledger.AssetID, amount uint64) error {
	var raw string
	err := tx.QueryRowContext(ctx, `
		insert into ledger_balances(address, asset, amount) values ($1,$2,$3::numeric)
		on conflict (address, asset) do update set amount = ledger_balances.amount + excluded.amount
		returning amount::text
	`, string(addr), int64(asset), formatAmount(amount)).Scan(&raw)
	if err != nil {
		return err
	}
	if _, err := parseAmount(raw); err != nil {
		return ledger.ErrBalanceOverflow
	}
	return nil
}

// debit subtracts amount or fails with ErrInsufficientFunds.
func debit(ctx context.Context, tx *sql.Tx, addr ledger.Address, asset ledger.AssetID, amount uint64) error {
	res, err := tx.ExecContext(ctx, `
		update ledger_balances set amount = amount - $3::numeric
		where address=$1 and asset=$2 and amount >= $3::numeric
	`, string(addr), int64(asset), formatAmount(amount))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

func assetExists(ctx context.Context, q queryer, id ledger.AssetID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `select 1 from ledger_assets where id=$1`, int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Amounts travel as decimal text: database/sql rejects uint64 values above MaxInt64.
func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pg: amount %q out of range: %w", s, err)
	}
	return v, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func mapCommitErr(err error) error {
	switch pgCode(err) {
	case pgErrSerializationFailure:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
