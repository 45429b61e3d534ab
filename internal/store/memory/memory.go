// Package memory implements an in-memory persistence driver.
// It backs tests and the dev mode; semantics match the sqlite driver,
// including compare-and-set on membership records and atomic ticket
// consumption.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/luxbot/vipgate/internal/store"
)

func init() {
	store.Register("memory", NewDriver)
}

type membershipKey struct {
	groupID      string
	subscriberID string
}

// Driver implements the store interfaces over mutex-guarded maps.
type Driver struct {
	mu          sync.Mutex
	closed      bool
	memberships map[membershipKey]*store.MembershipRecord
	tickets     map[string]*store.InviteTicket
	creators    map[string]*store.CreatorConfig
	events      map[string]*store.PaymentEventRecord
}

// NewDriver creates a new in-memory driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	return &Driver{
		memberships: make(map[membershipKey]*store.MembershipRecord),
		tickets:     make(map[string]*store.InviteTicket),
		creators:    make(map[string]*store.CreatorConfig),
		events:      make(map[string]*store.PaymentEventRecord),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return "memory" }

// Init is a no-op for the memory driver.
func (d *Driver) Init(ctx context.Context) error { return nil }

// Close marks the driver closed.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// MembershipStore implementation

func (d *Driver) CreateMembership(ctx context.Context, rec *store.MembershipRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	key := membershipKey{rec.GroupID, rec.SubscriberID}
	if _, ok := d.memberships[key]; ok {
		return store.ErrAlreadyExists
	}
	cp := *rec
	d.memberships[key] = &cp
	return nil
}

func (d *Driver) GetMembership(ctx context.Context, groupID, subscriberID string) (*store.MembershipRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	rec, ok := d.memberships[membershipKey{groupID, subscriberID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (d *Driver) GetMembershipByPayerRef(ctx context.Context, payerRef string) (*store.MembershipRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	for _, rec := range d.memberships {
		if rec.ExternalPayerRef != "" && rec.ExternalPayerRef == payerRef {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (d *Driver) UpdateMembership(ctx context.Context, rec *store.MembershipRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	key := membershipKey{rec.GroupID, rec.SubscriberID}
	current, ok := d.memberships[key]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != rec.Version {
		return store.ErrConflict
	}
	cp := *rec
	cp.Version++
	d.memberships[key] = &cp
	rec.Version = cp.Version
	return nil
}

func (d *Driver) ListMemberships(ctx context.Context, groupID string) ([]*store.MembershipRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	recs := make([]*store.MembershipRecord, 0, len(d.memberships))
	for _, rec := range d.memberships {
		if groupID != "" && rec.GroupID != groupID {
			continue
		}
		cp := *rec
		recs = append(recs, &cp)
	}
	return recs, nil
}

// TicketStore implementation

func (d *Driver) CreateTicket(ctx context.Context, ticket *store.InviteTicket) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	if _, ok := d.tickets[ticket.Token]; ok {
		return store.ErrAlreadyExists
	}
	cp := *ticket
	d.tickets[ticket.Token] = &cp
	return nil
}

func (d *Driver) GetTicket(ctx context.Context, token string) (*store.InviteTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	ticket, ok := d.tickets[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ticket
	return &cp, nil
}

func (d *Driver) LatestOpenTicket(ctx context.Context, groupID, subscriberID string, now int64) (*store.InviteTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	var open []*store.InviteTicket
	for _, t := range d.tickets {
		if t.GroupID == groupID && t.SubscriberID == subscriberID && !t.Consumed && t.ExpiresAt > now {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(open, func(i, j int) bool { return open[i].IssuedAt > open[j].IssuedAt })
	cp := *open[0]
	return &cp, nil
}

func (d *Driver) ConsumeTicket(ctx context.Context, token, subscriberID string, now int64) (*store.InviteTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	ticket, ok := d.tickets[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch {
	case ticket.Consumed:
		return nil, store.ErrTicketConsumed
	case ticket.ExpiresAt <= now:
		return nil, store.ErrTicketExpired
	case ticket.SubscriberID != "" && ticket.SubscriberID != subscriberID:
		return nil, store.ErrTicketMismatch
	}

	ticket.SubscriberID = subscriberID
	ticket.Consumed = true
	ticket.ConsumedBy = subscriberID
	ticket.ConsumedAt = now
	cp := *ticket
	return &cp, nil
}

func (d *Driver) ListTickets(ctx context.Context, groupID string) ([]*store.InviteTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	tickets := make([]*store.InviteTicket, 0, len(d.tickets))
	for _, t := range d.tickets {
		if groupID != "" && t.GroupID != groupID {
			continue
		}
		cp := *t
		tickets = append(tickets, &cp)
	}
	return tickets, nil
}

// CreatorStore implementation

func (d *Driver) UpsertCreator(ctx context.Context, cfg *store.CreatorConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	cp := *cfg
	d.creators[cfg.CreatorID] = &cp
	return nil
}

func (d *Driver) GetCreator(ctx context.Context, creatorID string) (*store.CreatorConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	cfg, ok := d.creators[creatorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (d *Driver) GetCreatorByGroup(ctx context.Context, groupID string) (*store.CreatorConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}

	for _, cfg := range d.creators {
		if cfg.GroupID == groupID {
			cp := *cfg
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// PaymentEventStore implementation

func (d *Driver) SeenPaymentEvent(ctx context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, store.ErrClosed
	}

	_, ok := d.events[eventID]
	return ok, nil
}

func (d *Driver) RecordPaymentEvent(ctx context.Context, ev *store.PaymentEventRecord) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, store.ErrClosed
	}

	if _, ok := d.events[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	d.events[ev.EventID] = &cp
	return true, nil
}

// Compile-time interface checks
var _ store.Driver = (*Driver)(nil)
var _ store.MembershipStore = (*Driver)(nil)
var _ store.TicketStore = (*Driver)(nil)
var _ store.CreatorStore = (*Driver)(nil)
var _ store.PaymentEventStore = (*Driver)(nil)
