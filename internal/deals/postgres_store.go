package deals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists deals in PostgreSQL. Mutations lock the deal row
// with SELECT ... FOR UPDATE for the duration of the transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var dealColumnNames = []string{
	"id", "transaction_id", "buyer_id", "seller_id", "listing_id", "title", "platform",
	"price", "escrow_fee", "currency", "status",
	"buyer_agreed", "buyer_agreed_at", "seller_agreed", "seller_agreed_at",
	"transaction_fee_paid", "transaction_fee_paid_at", "fee_paid_by", "fee_rail", "fee_reference",
	"fee_pending_rail", "fee_pending_reference", "fee_pending_payer", "fee_pending_checkout_url", "fee_requested_at",
	"fee_superseded_requests",
	"agent_notified", "agent_notified_at",
	"seller_gave_rights", "seller_gave_rights_at",
	"seller_made_primary_owner", "seller_made_primary_owner_at",
	"buyer_paid_seller", "buyer_paid_seller_at",
	"seller_confirmed_payment", "seller_confirmed_payment_at",
	"holding_period_elapsed", "holding_period_elapsed_at",
	"holding_period_started_at", "holding_period_expires_at",
	"created_at", "updated_at",
}

var (
	dealColumns = strings.Join(dealColumnNames, ", ")
	insertDeal  = buildInsert()
	updateDeal  = buildUpdate()
)

func buildInsert() string {
	ph := make([]string, len(dealColumnNames))
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return `INSERT INTO deals (` + dealColumns + `) VALUES (` + strings.Join(ph, ", ") + `)`
}

// Every column but id is rewritten; immutable ones are written back unchanged.
func buildUpdate() string {
	sets := make([]string, 0, len(dealColumnNames)-1)
	for i, col := range dealColumnNames[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	return `UPDATE deals SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
}

// dealValues returns d's fields in dealColumnNames order.
func dealValues(d *Deal) ([]any, error) {
	var pendingRail, pendingRef, pendingPayer, pendingURL sql.NullString
	var requestedAt sql.NullTime
	var superseded []byte
	if pf := d.PendingFee; pf != nil {
		pendingRail = sql.NullString{String: pf.Rail, Valid: true}
		pendingRef = sql.NullString{String: pf.Reference, Valid: true}
		pendingPayer = sql.NullString{String: string(pf.Payer), Valid: true}
		pendingURL = nullString(pf.CheckoutURL)
		requestedAt = sql.NullTime{Time: pf.RequestedAt, Valid: true}
		if len(pf.Superseded) > 0 {
			var err error
			if superseded, err = json.Marshal(pf.Superseded); err != nil {
				return nil, fmt.Errorf("encode superseded fee requests: %w", err)
			}
		}
	}
	return []any{
		d.ID, d.TransactionID, d.BuyerID, d.SellerID, d.ListingID, d.Title, string(d.Platform),
		d.Price, d.EscrowFee, d.Currency, string(d.Status),
		d.BuyerAgreed, nullTime(d.BuyerAgreedAt), d.SellerAgreed, nullTime(d.SellerAgreedAt),
		d.TransactionFeePaid, nullTime(d.TransactionFeePaidAt), string(d.FeePaidBy), d.FeeRail, d.FeeReference,
		pendingRail, pendingRef, pendingPayer, pendingURL, requestedAt,
		superseded,
		d.AgentNotified, nullTime(d.AgentNotifiedAt),
		d.SellerGaveRights, nullTime(d.SellerGaveRightsAt),
		d.SellerMadePrimaryOwner, nullTime(d.SellerMadePrimaryOwnerAt),
		d.BuyerPaidSeller, nullTime(d.BuyerPaidSellerAt),
		d.SellerConfirmedPayment, nullTime(d.SellerConfirmedPaymentAt),
		d.HoldingPeriodElapsed, nullTime(d.HoldingPeriodElapsedAt),
		nullTime(d.HoldingPeriodStartedAt), nullTime(d.HoldingPeriodExpiresAt),
		d.CreatedAt, d.UpdatedAt,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(sc scanner) (*Deal, error) {
	d := &Deal{}
	var (
		platform, status, feePaidBy                       string
		pendingRail, pendingRef, pendingPayer, pendingURL sql.NullString
		requestedAt                                       sql.NullTime
		superseded                                        []byte
		buyerAgreedAt, sellerAgreedAt, feePaidAt          sql.NullTime
		agentNotifiedAt, rightsAt, ownerAt                sql.NullTime
		paidSellerAt, confirmedAt, elapsedAt              sql.NullTime
		holdStartedAt, holdExpiresAt                      sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &d.TransactionID, &d.BuyerID, &d.SellerID, &d.ListingID, &d.Title, &platform,
		&d.Price, &d.EscrowFee, &d.Currency, &status,
		&d.BuyerAgreed, &buyerAgreedAt, &d.SellerAgreed, &sellerAgreedAt,
		&d.TransactionFeePaid, &feePaidAt, &feePaidBy, &d.FeeRail, &d.FeeReference,
		&pendingRail, &pendingRef, &pendingPayer, &pendingURL, &requestedAt,
		&superseded,
		&d.AgentNotified, &agentNotifiedAt,
		&d.SellerGaveRights, &rightsAt,
		&d.SellerMadePrimaryOwner, &ownerAt,
		&d.BuyerPaidSeller, &paidSellerAt,
		&d.SellerConfirmedPayment, &confirmedAt,
		&d.HoldingPeriodElapsed, &elapsedAt,
		&holdStartedAt, &holdExpiresAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Platform = Platform(platform)
	d.Status = Status(status)
	d.FeePaidBy = Role(feePaidBy)
	d.BuyerAgreedAt = timePtr(buyerAgreedAt)
	d.SellerAgreedAt = timePtr(sellerAgreedAt)
	d.TransactionFeePaidAt = timePtr(feePaidAt)
	d.AgentNotifiedAt = timePtr(agentNotifiedAt)
	d.SellerGaveRightsAt = timePtr(rightsAt)
	d.SellerMadePrimaryOwnerAt = timePtr(ownerAt)
	d.BuyerPaidSellerAt = timePtr(paidSellerAt)
	d.SellerConfirmedPaymentAt = timePtr(confirmedAt)
	d.HoldingPeriodElapsedAt = timePtr(elapsedAt)
	d.HoldingPeriodStartedAt = timePtr(holdStartedAt)
	d.HoldingPeriodExpiresAt = timePtr(holdExpiresAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	if pendingRail.Valid {
		d.PendingFee = &PendingFee{
			Rail:        pendingRail.String,
			Reference:   pendingRef.String,
			Payer:       Role(pendingPayer.String),
			CheckoutURL: pendingURL.String,
			RequestedAt: requestedAt.Time.UTC(),
		}
		if len(superseded) > 0 {
			if err := json.Unmarshal(superseded, &d.PendingFee.Superseded); err != nil {
				return nil, fmt.Errorf("decode superseded fee requests: %w", err)
			}
		}
	}
	return d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Deal, audit []AuditEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	values, err := dealValues(d)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertDeal, values...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "deals_transaction_id_key" {
			return ErrDuplicateTransactionID
		}
		return fmt.Errorf("insert deal: %w", err)
	}
	for i, m := range d.PaymentMethods {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deal_payment_methods (deal_id, method, position) VALUES ($1, $2, $3)`,
			d.ID, string(m), i,
		); err != nil {
			return fmt.Errorf("insert payment method: %w", err)
		}
	}
	if err := insertAudit(ctx, tx, d.ID, audit); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDealNotFound
	}
	return getDeal(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (*Deal, error) {
	return getDeal(ctx, p.db, `WHERE transaction_id = $1`, transactionID)
}

func getDeal(ctx context.Context, q queryer, where string, arg any) (*Deal, error) {
	d, err := scanDeal(q.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}
	methods, err := loadPaymentMethods(ctx, q, d.ID)
	if err != nil {
		return nil, err
	}
	d.PaymentMethods = methods[d.ID]
	return d, nil
}

func loadPaymentMethods(ctx context.Context, q queryer, ids ...string) (map[string][]PaymentMethod, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT deal_id, method FROM deal_payment_methods
		WHERE deal_id = ANY($1::uuid[])
		ORDER BY deal_id, position`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]PaymentMethod, len(ids))
	for rows.Next() {
		var id, method string
		if err := rows.Scan(&id, &method); err != nil {
			return nil, err
		}
		out[id] = append(out[id], PaymentMethod(method))
	}
	return out, rows.Err()
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Deal, error) {
	var (
		conds []string
		args  []any
	)
	if f.PartyID != "" {
		args = append(args, f.PartyID)
		conds = append(conds, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d::uuid)", len(args)-1, len(args)))
	}
	query := `SELECT ` + dealColumns + ` FROM deals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Deal
	var ids []string
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	methods, err := loadPaymentMethods(ctx, p.db, ids...)
	if err != nil {
		return nil, err
	}
	for _, d := range result {
		d.PaymentMethods = methods[d.ID]
	}
	return result, nil
}

func (p *PostgresStore) History(ctx context.Context, dealID string) ([]AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, action_type, acting_party_id, description, occurred_at
		FROM deal_history WHERE deal_id = $1 ORDER BY id`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.DealID, &e.Action, &e.ActorID, &e.Description, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Deal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDealNotFound
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := getDeal(ctx, tx, `WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	before := d.Clone()

	change, err := fn(d)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return before, nil
	}

	if ev := change.Event; ev != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO payment_webhook_events (provider, event_id, deal_id, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, event_id) DO NOTHING`,
			ev.Provider, ev.EventID, id, ev.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("record payment event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrDuplicateEvent
		}
	}

	values, err := dealValues(d)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, updateDeal, values...)
	if err != nil {
		return nil, fmt.Errorf("update deal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDealNotFound
	}
	if err := insertAudit(ctx, tx, id, change.Audit); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deal %s: %w", id, err)
	}
	return d, nil
}

func (p *PostgresStore) EventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID,
	).Scan(&exists)
	return exists, err
}

func insertAudit(ctx context.Context, q queryer, dealID string, entries []AuditEntry) error {
	for _, e := range entries {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO deal_history (deal_id, action_type, acting_party_id, description, occurred_at)
			VALUES ($1, $2, $3, $4, $5)`,
			dealID, e.Action, e.ActorID, e.Description, e.OccurredAt,
		); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ Store = (*PostgresStore)(nil)
