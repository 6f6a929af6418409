package pg

import (
	"context"
	"database/sql"
	"fmt"

	"aarna.eco/internal/ledger"
	"aarna.eco/internal/registry"
)

// Tx is one contract call: ledger ops and the state write share a
// serializable SQL transaction.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Apply runs ops inside a savepoint so a failed batch leaves earlier
// batches of the same Tx intact.
func (t *Tx) Apply(ctx context.Context, ops ...ledger.Op) ([]ledger.Transaction, error) {
	if t.done {
		return nil, ledger.ErrTxDone
	}
	if _, err := t.tx.ExecContext(ctx, `savepoint apply_batch`); err != nil {
		return nil, err
	}
	out, err := t.apply(ctx, ops)
	if err != nil {
		if _, rerr := t.tx.ExecContext(ctx, `rollback to savepoint apply_batch`); rerr != nil {
			return nil, fmt.Errorf("%w (rollback to savepoint: %v)", err, rerr)
		}
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, `release savepoint apply_batch`); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tx) apply(ctx context.Context, ops []ledger.Op) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		rec := ledger.Transaction{Kind: op.Kind, Sender: op.Sender, Receiver: op.Receiver, Asset: op.Asset, Amount: op.Amount}
		switch op.Kind {
		case ledger.OpAssetConfig:
			id, err := t.createAsset(ctx, op.Sender, *op.Params)
			if err != nil {
				return nil, err
			}
			rec.Asset = id
			rec.Amount = op.Params.Total
			rec.CreatedAsset = id
		default:
			if op.Kind == ledger.OpAssetTransfer {
				ok, err := assetExists(ctx, t.tx, op.Asset)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, ledger.ErrUnknownAsset
				}
			}
			if err := debit(ctx, t.tx, op.Sender, op.Asset, op.Amount); err != nil {
				return nil, err
			}
			if err := credit(ctx, t.tx, op.Receiver, op.Asset, op.Amount); err != nil {
				return nil, err
			}
		}
		rec, err := insertTransaction(ctx, t.tx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *Tx) createAsset(ctx context.Context, creator ledger.Address, p ledger.AssetParams) (ledger.AssetID, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		insert into ledger_assets(id, total, decimals, default_frozen, unit_name, name, url,
		                          manager, reserve, freeze, clawback, creator)
		select coalesce(max(id), $1 - 1) + 1, $2::numeric, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		from ledger_assets
		returning id
	`, int64(ledger.FirstAssetID), formatAmount(p.Total), int64(p.Decimals), p.DefaultFrozen,
		p.UnitName, p.Name, p.URL, string(p.Manager), string(p.Reserve), string(p.Freeze),
		string(p.Clawback), string(creator)).Scan(&id)
	if err != nil {
		return 0, err
	}
	asset := ledger.AssetID(id)
	if err := credit(ctx, t.tx, creator, asset, p.Total); err != nil {
		return 0, err
	}
	return asset, nil
}

// SaveState writes the globals row and upserts every slot row.
func (t *Tx) SaveState(ctx context.Context, snap registry.Snapshot) error {
	if t.done {
		return ledger.ErrTxDone
	}
	if _, err := t.tx.ExecContext(ctx, `
		insert into contract_state(id, self, admin, validator, asset_id, total_credits_issued, updated_at)
		values (1, $1, $2, $3, $4, $5::numeric, now())
		on conflict (id) do update set
			admin = excluded.admin,
			validator = excluded.validator,
			asset_id = excluded.asset_id,
			total_credits_issued = excluded.total_credits_issued,
			updated_at = excluded.updated_at
	`, string(snap.Self), string(snap.Admin), string(snap.Validator), int64(snap.Asset),
		formatAmount(snap.TotalCreditsIssued)); err != nil {
		return fmt.Errorf("save contract globals: %w", err)
	}
	for i, p := range snap.Projects {
		if _, err := t.tx.ExecContext(ctx, `
			insert into contract_projects(idx, submitter, name, location, ecosystem, cid, status, credits)
			values ($1, $2, $3, $4, $5, $6, $7, $8::numeric)
			on conflict (idx) do update set status = excluded.status, credits = excluded.credits
		`, i, string(p.Submitter), p.Name, p.Location, p.Ecosystem, p.CID, p.Status.String(),
			formatAmount(p.Credits)); err != nil {
			return fmt.Errorf("save project %d: %w", i, err)
		}
	}
	for i, l := range snap.Listings {
		if _, err := t.tx.ExecContext(ctx, `
			insert into contract_listings(idx, seller, amount, price_per_unit, active)
			values ($1, $2, $3::numeric, $4::numeric, $5)
			on conflict (idx) do update set active = excluded.active
		`, i, string(l.Seller), formatAmount(l.Amount), formatAmount(l.PricePerUnit), l.Active); err != nil {
			return fmt.Errorf("save listing %d: %w", i, err)
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	if t.done {
		return ledger.ErrTxDone
	}
	t.done = true
	return mapCommitErr(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
