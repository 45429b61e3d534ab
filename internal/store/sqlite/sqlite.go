// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/luxbot/vipgate/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements the store.Driver interface using SQLite via GORM.
type Driver struct {
	dataDir string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}

	return &Driver{
		dataDir: cfg.DataDir,
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init initializes the SQLite database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	dbPath := filepath.Join(d.dataDir, "vipgate.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	d.db = db

	// AutoMigrate creates/updates tables based on model structs
	if err := db.AutoMigrate(
		&store.MembershipRecord{},
		&store.InviteTicket{},
		&store.CreatorConfig{},
		&store.PaymentEventRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MembershipStore implementation

// CreateMembership creates a new membership record.
func (d *Driver) CreateMembership(ctx context.Context, rec *store.MembershipRecord) error {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetMembership retrieves a membership record by its (group, subscriber) key.
func (d *Driver) GetMembership(ctx context.Context, groupID, subscriberID string) (*store.MembershipRecord, error) {
	var rec store.MembershipRecord
	result := d.db.WithContext(ctx).First(&rec, "group_id = ? AND subscriber_id = ?", groupID, subscriberID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return &rec, nil
}

// GetMembershipByPayerRef retrieves a membership record by its external payer reference.
func (d *Driver) GetMembershipByPayerRef(ctx context.Context, payerRef string) (*store.MembershipRecord, error) {
	var rec store.MembershipRecord
	result := d.db.WithContext(ctx).First(&rec, "external_payer_ref = ?", payerRef)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return &rec, nil
}

// UpdateMembership writes a record with compare-and-set on Version.
// The row is only written when the stored version matches rec.Version; a
// concurrent writer in between yields store.ErrConflict.
func (d *Driver) UpdateMembership(ctx context.Context, rec *store.MembershipRecord) error {
	result := d.db.WithContext(ctx).Model(&store.MembershipRecord{}).
		Where("group_id = ? AND subscriber_id = ? AND version = ?", rec.GroupID, rec.SubscriberID, rec.Version).
		Updates(map[string]any{
			"username":           rec.Username,
			"creator_id":         rec.CreatorID,
			"paid_until":         rec.PaidUntil,
			"active":             rec.Active,
			"payment_confirmed":  rec.PaymentConfirmed,
			"last_reminder_kind": rec.LastReminderKind,
			"last_reminder_at":   rec.LastReminderAt,
			"external_payer_ref": rec.ExternalPayerRef,
			"updated_at":         rec.UpdatedAt,
			"version":            rec.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrConflict
	}
	rec.Version++
	return nil
}

// ListMemberships returns membership records, optionally scoped to a group.
func (d *Driver) ListMemberships(ctx context.Context, groupID string) ([]*store.MembershipRecord, error) {
	var recs []*store.MembershipRecord
	query := d.db.WithContext(ctx)
	if groupID != "" {
		query = query.Where("group_id = ?", groupID)
	}
	result := query.Find(&recs)
	if result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

// TicketStore implementation

// CreateTicket records a newly issued invite ticket.
func (d *Driver) CreateTicket(ctx context.Context, ticket *store.InviteTicket) error {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ticket)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

// GetTicket retrieves a ticket by token.
func (d *Driver) GetTicket(ctx context.Context, token string) (*store.InviteTicket, error) {
	var ticket store.InviteTicket
	result := d.db.WithContext(ctx).First(&ticket, "token = ?", token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return &ticket, nil
}

// LatestOpenTicket returns the most recently issued unconsumed, unexpired
// ticket for (groupID, subscriberID).
func (d *Driver) LatestOpenTicket(ctx context.Context, groupID, subscriberID string, now int64) (*store.InviteTicket, error) {
	var ticket store.InviteTicket
	result := d.db.WithContext(ctx).
		Where("group_id = ? AND subscriber_id = ? AND consumed = ? AND expires_at > ?", groupID, subscriberID, false, now).
		Order("issued_at DESC").
		First(&ticket)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return &ticket, nil
}

// ConsumeTicket atomically spends a ticket for the presenting subscriber.
// The conditional UPDATE is the check-and-set: it only matches an unconsumed,
// unexpired ticket that is unbound or bound to this subscriber, and binds
// wildcard tickets in the same statement. Exactly one of two racing calls can
// see RowsAffected == 1.
func (d *Driver) ConsumeTicket(ctx context.Context, token, subscriberID string, now int64) (*store.InviteTicket, error) {
	result := d.db.WithContext(ctx).Model(&store.InviteTicket{}).
		Where("token = ? AND consumed = ? AND expires_at > ? AND (subscriber_id = '' OR subscriber_id = ?)",
			token, false, now, subscriberID).
		Updates(map[string]any{
			"subscriber_id": subscriberID,
			"consumed":      true,
			"consumed_by":   subscriberID,
			"consumed_at":   now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Diagnose the rejection for the caller.
		ticket, err := d.GetTicket(ctx, token)
		if err != nil {
			return nil, err
		}
		switch {
		case ticket.Consumed:
			return nil, store.ErrTicketConsumed
		case ticket.ExpiresAt <= now:
			return nil, store.ErrTicketExpired
		default:
			return nil, store.ErrTicketMismatch
		}
	}
	return d.GetTicket(ctx, token)
}

// ListTickets returns tickets for a group, or all tickets when groupID is empty.
func (d *Driver) ListTickets(ctx context.Context, groupID string) ([]*store.InviteTicket, error) {
	var tickets []*store.InviteTicket
	query := d.db.WithContext(ctx)
	if groupID != "" {
		query = query.Where("group_id = ?", groupID)
	}
	result := query.Find(&tickets)
	if result.Error != nil {
		return nil, result.Error
	}
	return tickets, nil
}

// CreatorStore implementation

// UpsertCreator creates or replaces a creator configuration.
func (d *Driver) UpsertCreator(ctx context.Context, cfg *store.CreatorConfig) error {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "creator_id"}},
		UpdateAll: true,
	}).Create(cfg)
	return result.Error
}

// GetCreator retrieves a creator configuration by id.
func (d *Driver) GetCreator(ctx context.Context, creatorID string) (*store.CreatorConfig, error) {
	var cfg store.CreatorConfig
	result := d.db.WithContext(ctx).First(&cfg, "creator_id = ?", creatorID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return &cfg, nil
}

// GetCreatorByGroup retrieves the creator configuration owning a group.
func (d *Driver) GetCreatorByGroup(ctx context.Context, groupID string) (*store.CreatorConfig, error) {
	var cfg store.CreatorConfig
	result := d.db.WithContext(ctx).First(&cfg, "group_id = ?", groupID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return &cfg, nil
}

// PaymentEventStore implementation

func (d *Driver) SeenPaymentEvent(ctx context.Context, eventID string) (bool, error) {
	var count int64
	result := d.db.WithContext(ctx).Model(&store.PaymentEventRecord{}).
		Where("event_id = ?", eventID).Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}

// RecordPaymentEvent inserts the event identity; first write wins.
// A replayed event id leaves the existing row untouched and returns
// applied=false.
func (d *Driver) RecordPaymentEvent(ctx context.Context, ev *store.PaymentEventRecord) (bool, error) {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Compile-time interface checks
var _ store.Driver = (*Driver)(nil)
var _ store.MembershipStore = (*Driver)(nil)
var _ store.TicketStore = (*Driver)(nil)
var _ store.CreatorStore = (*Driver)(nil)
var _ store.PaymentEventStore = (*Driver)(nil)
