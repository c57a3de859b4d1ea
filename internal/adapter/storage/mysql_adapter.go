package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

// Quantity columns are DECIMAL(20,4), the scale domain.QuantityScale
// validates input against, so stored values equal the acknowledged ones.
var schema = []string{`
	CREATE TABLE IF NOT EXISTS items (
		id             VARCHAR(191)   NOT NULL PRIMARY KEY,
		name           VARCHAR(255)   NOT NULL DEFAULT '',
		unit           VARCHAR(64)    NOT NULL DEFAULT '',
		supplier       VARCHAR(255)   NOT NULL DEFAULT '',
		category       VARCHAR(128)   NOT NULL DEFAULT '',
		brand          VARCHAR(128)   NOT NULL DEFAULT '',
		quantity       DECIMAL(20,4)  NOT NULL DEFAULT 0,
		sequence       BIGINT UNSIGNED NOT NULL DEFAULT 0,
		last_unit_cost DECIMAL(20,4)  NULL,
		active         BOOLEAN        NOT NULL DEFAULT TRUE,
		created_at     DATETIME(6)    NOT NULL,
		updated_at     DATETIME(6)    NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS deltas (
		item_id         VARCHAR(191)   NOT NULL,
		sequence        BIGINT UNSIGNED NOT NULL,
		change_qty      DECIMAL(20,4)  NOT NULL,
		quantity_after  DECIMAL(20,4)  NOT NULL,
		source          VARCHAR(32)    NOT NULL,
		idempotency_key VARCHAR(191)   NOT NULL,
		occurred_at     DATETIME(6)    NOT NULL,
		unit_cost       DECIMAL(20,4)  NULL,
		note            VARCHAR(255)   NOT NULL DEFAULT '',
		applied_at      DATETIME(6)    NOT NULL,
		PRIMARY KEY (item_id, sequence),
		UNIQUE KEY uq_deltas_idempotency (item_id, idempotency_key),
		KEY idx_deltas_occurred (item_id, occurred_at)
	)`, `
	CREATE TABLE IF NOT EXISTS snapshots (
		id             VARCHAR(191) NOT NULL PRIMARY KEY,
		reference_time DATETIME(6)  NOT NULL,
		counts         JSON         NOT NULL,
		ingested_at    DATETIME(6)  NOT NULL,
		status         VARCHAR(16)  NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS reconciliation_results (
		snapshot_id         VARCHAR(191)   NOT NULL,
		item_id             VARCHAR(191)   NOT NULL,
		position            INT            NOT NULL,
		expected            DECIMAL(20,4)  NOT NULL,
		counted             DECIMAL(20,4)  NOT NULL,
		variance            DECIMAL(20,4)  NOT NULL,
		classification      VARCHAR(16)    NOT NULL,
		correction_sequence BIGINT UNSIGNED NOT NULL DEFAULT 0,
		PRIMARY KEY (snapshot_id, item_id)
	)`,
}

type itemRow struct {
	ID           string              `db:"id"`
	Name         string              `db:"name"`
	Unit         string              `db:"unit"`
	Supplier     string              `db:"supplier"`
	Category     string              `db:"category"`
	Brand        string              `db:"brand"`
	Quantity     decimal.Decimal     `db:"quantity"`
	Sequence     uint64              `db:"sequence"`
	LastUnitCost decimal.NullDecimal `db:"last_unit_cost"`
	Active       bool                `db:"active"`
	CreatedAt    time.Time           `db:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

func (r itemRow) toDomain() domain.Item {
	item := domain.Item{
		ID:        r.ID,
		Name:      r.Name,
		Unit:      r.Unit,
		Supplier:  r.Supplier,
		Category:  r.Category,
		Brand:     r.Brand,
		Quantity:  r.Quantity,
		Sequence:  r.Sequence,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastUnitCost.Valid {
		c := r.LastUnitCost.Decimal
		item.LastUnitCost = &c
	}
	return item
}

func newItemRow(item domain.Item) itemRow {
	return itemRow{
		ID:           item.ID,
		Name:         item.Name,
		Unit:         item.Unit,
		Supplier:     item.Supplier,
		Category:     item.Category,
		Brand:        item.Brand,
		Quantity:     item.Quantity,
		Sequence:     item.Sequence,
		LastUnitCost: nullDecimal(item.LastUnitCost),
		Active:       item.Active,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

type deltaRow struct {
	ItemID         string              `db:"item_id"`
	Sequence       uint64              `db:"sequence"`
	Change         decimal.Decimal     `db:"change_qty"`
	QuantityAfter  decimal.Decimal     `db:"quantity_after"`
	Source         string              `db:"source"`
	IdempotencyKey string              `db:"idempotency_key"`
	OccurredAt     time.Time           `db:"occurred_at"`
	UnitCost       decimal.NullDecimal `db:"unit_cost"`
	Note           string              `db:"note"`
	AppliedAt      time.Time           `db:"applied_at"`
}

func (r deltaRow) toDomain() domain.AppliedDelta {
	d := domain.AppliedDelta{
		Delta: domain.Delta{
			ItemID:         r.ItemID,
			Change:         r.Change,
			Source:         domain.Source(r.Source),
			IdempotencyKey: r.IdempotencyKey,
			OccurredAt:     r.OccurredAt,
			Note:           r.Note,
		},
		Sequence:      r.Sequence,
		QuantityAfter: r.QuantityAfter,
		AppliedAt:     r.AppliedAt,
	}
	if r.UnitCost.Valid {
		c := r.UnitCost.Decimal
		d.UnitCost = &c
	}
	return d
}

type snapshotRow struct {
	ID            string    `db:"id"`
	ReferenceTime time.Time `db:"reference_time"`
	Counts        []byte    `db:"counts"`
	IngestedAt    time.Time `db:"ingested_at"`
	Status        string    `db:"status"`
}

type countJSON struct {
	ItemID  string          `json:"item_id"`
	Counted decimal.Decimal `json:"counted"`
}

func (r snapshotRow) toDomain() (domain.CountSnapshot, error) {
	var counts []countJSON
	if err := json.Unmarshal(r.Counts, &counts); err != nil {
		return domain.CountSnapshot{}, fmt.Errorf("decode counts: %w", err)
	}
	s := domain.CountSnapshot{
		ID:            r.ID,
		ReferenceTime: r.ReferenceTime,
		IngestedAt:    r.IngestedAt,
		Status:        domain.SnapshotStatus(r.Status),
		Counts:        make([]domain.Count, len(counts)),
	}
	for i, c := range counts {
		s.Counts[i] = domain.Count{ItemID: c.ItemID, Counted: c.Counted}
	}
	return s, nil
}

type resultRow struct {
	SnapshotID         string          `db:"snapshot_id"`
	ItemID             string          `db:"item_id"`
	Position           int             `db:"position"`
	Expected           decimal.Decimal `db:"expected"`
	Counted            decimal.Decimal `db:"counted"`
	Variance           decimal.Decimal `db:"variance"`
	Classification     string          `db:"classification"`
	CorrectionSequence uint64          `db:"correction_sequence"`
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// MySQLAdapter stores the ledger in MySQL. Row locks on items serialize
// writers across processes; within one process the delta lanes already do.
type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) Close() error {
	return m.db.Close()
}

const insertItem = `
	INSERT INTO items (id, name, unit, supplier, category, brand, quantity, sequence,
		last_unit_cost, active, created_at, updated_at)
	VALUES (:id, :name, :unit, :supplier, :category, :brand, :quantity, :sequence,
		:last_unit_cost, :active, :created_at, :updated_at)`

func (m *MySQLAdapter) RegisterItem(ctx context.Context, item domain.Item) error {
	_, err := m.db.NamedExecContext(ctx, insertItem, newItemRow(item))
	if isDuplicateEntry(err) {
		return domain.ErrItemExists
	}
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var row itemRow
	err := m.db.GetContext(ctx, &row, `SELECT * FROM items WHERE id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	item := row.toDomain()
	return &item, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	var rows []itemRow
	if err := m.db.SelectContext(ctx, &rows, `SELECT * FROM items ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	items := make([]domain.Item, len(rows))
	for i, r := range rows {
		items[i] = r.toDomain()
	}
	return items, nil
}

func (m *MySQLAdapter) SetActive(ctx context.Context, itemID string, active bool) error {
	result, err := m.db.ExecContext(ctx,
		`UPDATE items SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), itemID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := m.GetItem(ctx, itemID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLAdapter) ApplyDelta(ctx context.Context, d domain.Delta) (domain.AppliedDelta, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (id, quantity, sequence, active, created_at, updated_at)
		VALUES (?, 0, 0, TRUE, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`, d.ItemID, now, now)
	if err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("ensure item: %w", err)
	}

	var item itemRow
	if err := tx.GetContext(ctx, &item, `SELECT * FROM items WHERE id = ? FOR UPDATE`, d.ItemID); err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("lock item: %w", err)
	}

	var prior deltaRow
	err = tx.GetContext(ctx, &prior,
		`SELECT * FROM deltas WHERE item_id = ? AND idempotency_key = ?`,
		d.ItemID, d.IdempotencyKey,
	)
	if err == nil {
		return prior.toDomain(), domain.ErrDuplicateDelta
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.AppliedDelta{}, fmt.Errorf("check idempotency: %w", err)
	}

	row := deltaRow{
		ItemID:         d.ItemID,
		Sequence:       item.Sequence + 1,
		Change:         d.Change,
		QuantityAfter:  item.Quantity.Add(d.Change),
		Source:         string(d.Source),
		IdempotencyKey: d.IdempotencyKey,
		OccurredAt:     d.OccurredAt.UTC(),
		UnitCost:       nullDecimal(d.UnitCost),
		Note:           d.Note,
		AppliedAt:      now,
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO deltas (item_id, sequence, change_qty, quantity_after, source,
			idempotency_key, occurred_at, unit_cost, note, applied_at)
		VALUES (:item_id, :sequence, :change_qty, :quantity_after, :source,
			:idempotency_key, :occurred_at, :unit_cost, :note, :applied_at)`, row)
	if err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("insert delta: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE items
		SET quantity = ?, sequence = ?, last_unit_cost = COALESCE(?, last_unit_cost), updated_at = ?
		WHERE id = ?`,
		row.QuantityAfter, row.Sequence, row.UnitCost, now, d.ItemID,
	)
	if err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("update item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("commit: %w", err)
	}
	return row.toDomain(), nil
}

func (m *MySQLAdapter) FindDelta(ctx context.Context, itemID, idempotencyKey string) (*domain.AppliedDelta, error) {
	var row deltaRow
	err := m.db.GetContext(ctx, &row,
		`SELECT * FROM deltas WHERE item_id = ? AND idempotency_key = ?`,
		itemID, idempotencyKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeltaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delta: %w", err)
	}
	d := row.toDomain()
	return &d, nil
}

func (m *MySQLAdapter) DeltasAfter(ctx context.Context, itemID string, t time.Time) ([]domain.AppliedDelta, error) {
	var rows []deltaRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT * FROM deltas WHERE item_id = ? AND occurred_at > ? ORDER BY sequence`,
		itemID, t.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	out := make([]domain.AppliedDelta, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (m *MySQLAdapter) QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error) {
	if _, err := m.GetItem(ctx, itemID); err != nil {
		return nil, err
	}

	conditions := []string{"item_id = ?"}
	args := []any{itemID}
	if !from.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		conditions = append(conditions, "occurred_at < ?")
		args = append(args, to.UTC())
	}

	var rows []deltaRow
	query := "SELECT * FROM deltas WHERE " + strings.Join(conditions, " AND ") + " ORDER BY sequence"
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := make([]domain.CostHistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain().HistoryEntry()
	}
	return out, nil
}

func (m *MySQLAdapter) CreateSnapshot(ctx context.Context, s domain.CountSnapshot) (*domain.CountSnapshot, error) {
	counts := make([]countJSON, len(s.Counts))
	for i, c := range s.Counts {
		counts[i] = countJSON{ItemID: c.ItemID, Counted: c.Counted}
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("encode counts: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT IGNORE INTO snapshots (id, reference_time, counts, ingested_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.ReferenceTime.UTC(), raw, s.IngestedAt.UTC(), string(s.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return m.GetSnapshot(ctx, s.ID)
}

func (m *MySQLAdapter) GetSnapshot(ctx context.Context, snapshotID string) (*domain.CountSnapshot, error) {
	var row snapshotRow
	err := m.db.GetContext(ctx, &row, `SELECT * FROM snapshots WHERE id = ?`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	s, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MySQLAdapter) SetSnapshotStatus(ctx context.Context, snapshotID string, status domain.SnapshotStatus) error {
	result, err := m.db.ExecContext(ctx, `UPDATE snapshots SET status = ? WHERE id = ?`, string(status), snapshotID)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := m.GetSnapshot(ctx, snapshotID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLAdapter) SaveResult(ctx context.Context, r domain.ReconciliationResult) error {
	s, err := m.GetSnapshot(ctx, r.SnapshotID)
	if err != nil {
		return err
	}
	position := -1
	for i, c := range s.Counts {
		if c.ItemID == r.ItemID {
			position = i
			break
		}
	}

	_, err = m.db.NamedExecContext(ctx, `
		INSERT INTO reconciliation_results (snapshot_id, item_id, position, expected, counted,
			variance, classification, correction_sequence)
		VALUES (:snapshot_id, :item_id, :position, :expected, :counted,
			:variance, :classification, :correction_sequence)
		ON DUPLICATE KEY UPDATE
			expected = VALUES(expected),
			counted = VALUES(counted),
			variance = VALUES(variance),
			classification = VALUES(classification),
			correction_sequence = VALUES(correction_sequence)`,
		resultRow{
			SnapshotID:         r.SnapshotID,
			ItemID:             r.ItemID,
			Position:           position,
			Expected:           r.Expected,
			Counted:            r.Counted,
			Variance:           r.Variance,
			Classification:     string(r.Classification),
			CorrectionSequence: r.CorrectionSequence,
		},
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Results(ctx context.Context, snapshotID string) ([]domain.ReconciliationResult, error) {
	if _, err := m.GetSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	var rows []resultRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT * FROM reconciliation_results WHERE snapshot_id = ? ORDER BY position`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	out := make([]domain.ReconciliationResult, len(rows))
	for i, r := range rows {
		out[i] = domain.ReconciliationResult{
			SnapshotID:         r.SnapshotID,
			ItemID:             r.ItemID,
			Expected:           r.Expected,
			Counted:            r.Counted,
			Variance:           r.Variance,
			Classification:     domain.Classification(r.Classification),
			CorrectionSequence: r.CorrectionSequence,
		}
	}
	return out, nil
}
