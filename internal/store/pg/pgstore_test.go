package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"aarna.eco/internal/host"
	"aarna.eco/internal/ledger"
	"aarna.eco/internal/registry"
)

var txColumns = []string{"id", "created_at", "kind", "sender", "receiver", "asset", "amount", "created_asset", "idempotency_key", "sequence"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadStateNotDeployed(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from contract_state").
		WillReturnRows(sqlmock.NewRows([]string{"self", "admin", "validator", "asset_id", "total_credits_issued"}))

	if _, err := s.LoadState(context.Background()); !errors.Is(err, host.ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
	expectMet(t, mock)
}

func TestLoadState(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from contract_state").
		WillReturnRows(sqlmock.NewRows([]string{"self", "admin", "validator", "asset_id", "total_credits_issued"}).
			AddRow("APP", "ADMIN", "VALIDATOR", int64(1001), "500"))
	mock.ExpectQuery("from contract_projects").
		WillReturnRows(sqlmock.NewRows([]string{"submitter", "name", "location", "ecosystem", "cid", "status", "credits"}).
			AddRow("DEV", "MangroveRestore", "BayArea", "mangrove", "cid123", "issued", "500").
			AddRow("DEV", "Peatland", "North", "peat", "cid9", "pending", "0"))
	mock.ExpectQuery("from contract_listings").
		WillReturnRows(sqlmock.NewRows([]string{"seller", "amount", "price_per_unit", "active"}).
			AddRow("DEV", "200", "10", true))

	snap, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if snap.Asset != 1001 || snap.TotalCreditsIssued != 500 || snap.Admin != "ADMIN" {
		t.Fatalf("unexpected globals: %+v", snap)
	}
	if len(snap.Projects) != 2 || snap.Projects[0].Status != registry.StatusIssued || snap.Projects[1].Status != registry.StatusPending {
		t.Fatalf("unexpected projects: %+v", snap.Projects)
	}
	if len(snap.Listings) != 1 || !snap.Listings[0].Active || snap.Listings[0].PricePerUnit != 10 {
		t.Fatalf("unexpected listings: %+v", snap.Listings)
	}
	if _, err := registry.Restore(registry.DefaultConfig(), snap); err != nil {
		t.Fatalf("loaded snapshot does not restore: %v", err)
	}
	expectMet(t, mock)
}

func TestBuyBatchCommitsWithState(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	// buyer pays the contract
	mock.ExpectExec("update ledger_balances set amount").
		WithArgs("BUYER", int64(0), "2000").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into ledger_balances").
		WithArgs("APP", int64(0), "2000").WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("2000"))
	mock.ExpectQuery("insert into ledger_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(41)))
	// escrow released to the buyer
	mock.ExpectQuery("select 1 from ledger_assets").
		WithArgs(int64(1001)).WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("update ledger_balances set amount").
		WithArgs("APP", int64(1001), "200").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into ledger_balances").
		WithArgs("BUYER", int64(1001), "200").WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("200"))
	mock.ExpectQuery("insert into ledger_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(42)))
	mock.ExpectExec("release savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into contract_state").
		WithArgs("APP", "ADMIN", "VALIDATOR", int64(1001), "500").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into contract_listings").
		WithArgs(0, "DEV", "200", "10", false).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := tx.Apply(ctx,
		ledger.Op{Kind: ledger.OpPayment, Sender: "BUYER", Receiver: "APP", Amount: 2000},
		ledger.Op{Kind: ledger.OpAssetTransfer, Sender: "APP", Receiver: "BUYER", Asset: 1001, Amount: 200},
	)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 2 || out[0].Sequence != 41 || out[1].Sequence != 42 {
		t.Fatalf("unexpected transactions: %+v", out)
	}
	snap := registry.Snapshot{
		Self: "APP", Admin: "ADMIN", Validator: "VALIDATOR", Asset: 1001, TotalCreditsIssued: 500,
		Listings: []registry.Listing{{Seller: "DEV", Amount: 200, PricePerUnit: 10, Active: false}},
	}
	if err := tx.SaveState(ctx, snap); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	expectMet(t, mock)
}

func TestApplyInsufficientFundsRollsBackSavepoint(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update ledger_balances set amount").
		WithArgs("BUYER", int64(0), "2000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("rollback to savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err = tx.Apply(ctx, ledger.Op{Kind: ledger.OpPayment, Sender: "BUYER", Receiver: "APP", Amount: 2000})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("second Rollback should be a no-op: %v", err)
	}
	expectMet(t, mock)
}

func TestApplyRejectsInvalidOpBeforeSQL(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectExec("savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("rollback to savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, _ := s.Begin(ctx)
	_, err := tx.Apply(ctx, ledger.Op{Kind: ledger.OpAssetTransfer, Sender: "DEV", Receiver: "APP", Asset: 1001})
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_ = tx.Rollback()
	expectMet(t, mock)
}

func TestCreateAssetCreditsCreator(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectExec("savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("insert into ledger_assets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1001)))
	mock.ExpectQuery("insert into ledger_balances").
		WithArgs("APP", int64(1001), "10000000").WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("10000000"))
	mock.ExpectQuery("insert into ledger_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectExec("release savepoint apply_batch").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, _ := s.Begin(ctx)
	out, err := tx.Apply(ctx, ledger.Op{
		Kind:   ledger.OpAssetConfig,
		Sender: "APP",
		Params: &ledger.AssetParams{Total: 10_000_000, UnitName: "AARNA", Manager: "APP"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].CreatedAsset != 1001 || out[0].Amount != 10_000_000 {
		t.Fatalf("unexpected transaction: %+v", out[0])
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	expectMet(t, mock)
}

func TestCreditOverflow(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into ledger_balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("18446744073709551616"))
	mock.ExpectRollback()

	if _, err := s.Fund(ctx, "DEV", 1, ""); !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	expectMet(t, mock)
}

func TestFundReplaysIdempotencyKey(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("from ledger_transactions").
		WithArgs("seed-1").
		WillReturnRows(sqlmock.NewRows(txColumns).
			AddRow("tx-1", created, "fund", "", "DEV", int64(0), "5000", int64(0), "seed-1", int64(3)))
	mock.ExpectRollback()

	tx, err := s.Fund(context.Background(), "DEV", 5000, "seed-1")
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if tx.ID != "tx-1" || tx.Sequence != 3 || tx.Kind != ledger.OpFund || tx.Amount != 5000 {
		t.Fatalf("unexpected replay: %+v", tx)
	}
	expectMet(t, mock)
}

func TestBalanceOfUnknownAsset(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select 1 from ledger_assets").
		WithArgs(int64(77)).WillReturnRows(sqlmock.NewRows([]string{"one"}))
	if _, err := s.Balance(context.Background(), "DEV", 77); !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}

	mock.ExpectQuery("from ledger_balances").
		WithArgs("NOBODY", int64(0)).WillReturnRows(sqlmock.NewRows([]string{"amount"}))
	bal, err := s.Balance(context.Background(), "NOBODY", ledger.NativeAsset)
	if err != nil || bal != 0 {
		t.Fatalf("expected zero balance, got %d, %v", bal, err)
	}
	expectMet(t, mock)
}

func TestListTransactions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from ledger_transactions").
		WithArgs(int64(5), 2).
		WillReturnRows(sqlmock.NewRows(txColumns).
			AddRow("a", now, "payment", "BUYER", "APP", int64(0), "2000", int64(0), "", int64(6)).
			AddRow("b", now, "asset_transfer", "APP", "BUYER", int64(1001), "200", int64(0), "", int64(7)))

	txs, next, err := s.ListTransactions(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 2 || next != 7 || txs[1].Asset != 1001 {
		t.Fatalf("unexpected page: %+v next=%d", txs, next)
	}
	expectMet(t, mock)
}

func TestCommitConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})

	tx, _ := s.Begin(context.Background())
	if err := tx.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectMet(t, mock)
}
