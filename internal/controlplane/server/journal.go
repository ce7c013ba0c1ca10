package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
)

// tsLayout 定宽 UTC 时间，保证按文本排序即按时间排序
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// OnSnapshot 实现 execution.Observer：每次快照 upsert 到 trade_attempts。
// 同一 attempt 的快照可能乱序到达（后台确认与主流程并发），只接受更新的快照。
func (s *Server) OnSnapshot(snap execution.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.upsertAttempt(ctx, snap); err != nil {
		log.WithError(err).WithField("attempt", snap.AttemptID).Warn("journal write failed")
	}
}

func walletKey(hex string) string { return strings.ToLower(hex) }

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Server) upsertAttempt(ctx context.Context, snap execution.Snapshot) error {
	params, err := json.Marshal(snap.Params)
	if err != nil {
		return err
	}
	full, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	var kind, msg, field *string
	if snap.Error != nil {
		kind = nullString(string(snap.Error.Kind))
		msg = nullString(snap.Error.Message)
		field = nullString(snap.Error.Field)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO trade_attempts (
  id, wallet, pair_id, params_json, state, error_kind, error_message, error_field,
  tx_id, tx_hash, needs_approval, late_confirmed, snapshot_json, created_at, updated_at, updated_ns
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state,
  error_kind=excluded.error_kind,
  error_message=excluded.error_message,
  error_field=excluded.error_field,
  tx_id=excluded.tx_id,
  tx_hash=excluded.tx_hash,
  needs_approval=excluded.needs_approval,
  late_confirmed=excluded.late_confirmed,
  snapshot_json=excluded.snapshot_json,
  updated_at=excluded.updated_at,
  updated_ns=excluded.updated_ns
WHERE excluded.updated_ns >= trade_attempts.updated_ns
`,
		snap.AttemptID, walletKey(snap.Wallet.Hex()), snap.Params.PairID, string(params), string(snap.State),
		kind, msg, field, nullString(snap.TxID), nullString(snap.TxHash),
		boolToInt(snap.NeedsApproval), boolToInt(snap.LateConfirmed), string(full),
		snap.CreatedAt.UTC().Format(tsLayout), snap.UpdatedAt.UTC().Format(tsLayout),
		snap.UpdatedAt.UnixNano(),
	)
	return err
}

// getAttemptSnapshot 返回最近一次落库的快照；不存在时返回 nil, nil
func (s *Server) getAttemptSnapshot(ctx context.Context, id string) (*execution.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM trade_attempts WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap execution.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Server) listAttempts(ctx context.Context, wallet string, limit int) ([]AttemptRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, wallet, pair_id, state, error_kind, error_message, tx_id, tx_hash,
       needs_approval, late_confirmed, created_at, updated_at
FROM trade_attempts
WHERE wallet=?
ORDER BY created_at DESC
LIMIT ?
`, walletKey(wallet), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			rec                  AttemptRecord
			state                string
			kind, msg            sql.NullString
			txID, txHash         sql.NullString
			approval, late       int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Wallet, &rec.PairID, &state, &kind, &msg, &txID, &txHash,
			&approval, &late, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.State = domain.TradeState(state)
		rec.ErrorKind = fromNull(kind)
		rec.ErrorMessage = fromNull(msg)
		rec.TxID = fromNull(txID)
		rec.TxHash = fromNull(txHash)
		rec.NeedsApproval = approval != 0
		rec.LateConfirmed = late != 0
		rec.CreatedAt, _ = time.Parse(tsLayout, createdAt)
		rec.UpdatedAt, _ = time.Parse(tsLayout, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// unsettledWallets 仍可能有待确认仓位的钱包：pendingConfirmation，
// 或确认超时且尚未后台确认，且最近 since 内有更新
func (s *Server) unsettledWallets(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT wallet FROM trade_attempts
WHERE updated_ns >= ?
  AND (state='pendingConfirmation'
       OR (state='failed' AND error_kind='ConfirmationTimeout' AND late_confirmed=0))
`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
