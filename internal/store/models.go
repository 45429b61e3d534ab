package store

// Reminder kinds recorded on a membership record. Within one expiry cycle
// the kind only moves forward (none -> five_day -> one_day); it resets to
// none when a payment pushes the expiry back beyond the five-day boundary.
const (
	ReminderNone    = "none"
	ReminderFiveDay = "five_day"
	ReminderOneDay  = "one_day"
)

// MembershipRecord is the per-subscriber entitlement state within one group.
// Records are never deleted; expired records persist for audit and future
// re-extension.
type MembershipRecord struct {
	GroupID      string `json:"group_id" gorm:"primaryKey"`
	SubscriberID string `json:"subscriber_id" gorm:"primaryKey"`

	// Username is the subscriber's display handle, kept for group mentions.
	Username string `json:"username"`

	// CreatorID binds the record to the creator whose deep link first
	// brought the subscriber in.
	CreatorID string `json:"creator_id" gorm:"index"`

	// PaidUntil is the entitlement expiry as unix seconds; 0 means no
	// payment has ever backed this record.
	PaidUntil int64 `json:"paid_until"`

	// Active mirrors "paid_until is in the future" as of the last write
	// that touched it, kept for fast external-state queries.
	Active bool `json:"active"`

	// PaymentConfirmed is true only while an unexpired payment backs the
	// membership. A cancellation clears it without touching PaidUntil.
	PaymentConfirmed bool `json:"payment_confirmed"`

	LastReminderKind string `json:"last_reminder_kind"`
	LastReminderAt   int64  `json:"last_reminder_at"`

	// ExternalPayerRef correlates replayed payment events that carry no
	// subscriber identity (e.g. a processor customer id).
	ExternalPayerRef string `json:"external_payer_ref" gorm:"index"`

	// Version is the optimistic concurrency counter checked by
	// UpdateMembership.
	Version int64 `json:"version"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Lapsed reports whether the record should be routed to expiry enforcement:
// no future entitlement and no active payment backing it.
func (r *MembershipRecord) Lapsed(now int64) bool {
	return r.PaidUntil <= now && !r.PaymentConfirmed
}

// InviteTicket is a single-use, time-limited admission credential.
// Consumed transitions false -> true exactly once; consumed or expired
// tickets are permanently invalid. Tickets are never deleted (audit trail).
type InviteTicket struct {
	// Token is the invite link token handed to the subscriber.
	Token   string `json:"token" gorm:"primaryKey"`
	GroupID string `json:"group_id" gorm:"index"`

	// URL is the full shareable invite link the token came from.
	URL string `json:"url"`

	// SubscriberID is empty for tickets issued without a pre-bound
	// identity; it is set on first consumption.
	SubscriberID string `json:"subscriber_id" gorm:"index"`

	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Consumed   bool   `json:"consumed"`
	ConsumedBy string `json:"consumed_by"`
	ConsumedAt int64  `json:"consumed_at"`
}

// CreatorConfig is the explicit, defaulted configuration for one creator's
// restricted group. All fields are named; absent values take the defaults
// applied by ApplyDefaults.
type CreatorConfig struct {
	CreatorID  string `json:"creator_id" gorm:"primaryKey"`
	GroupID    string `json:"group_id" gorm:"index"`
	GroupTitle string `json:"group_title"`

	// ExtensionDays is the entitlement length granted per payment when the
	// payment event itself carries none.
	ExtensionDays int `json:"extension_days"`

	// InviteTTLHours bounds how long an issued invite link stays valid.
	InviteTTLHours int `json:"invite_ttl_hours"`

	// RequireConsent gates admission behind the age/rules consent flow.
	RequireConsent bool `json:"require_consent"`

	WelcomeText string `json:"welcome_text"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Defaults for CreatorConfig fields left unset.
const (
	DefaultExtensionDays  = 30
	DefaultInviteTTLHours = 24
)

// ApplyDefaults fills unset numeric fields with their defaults.
func (c *CreatorConfig) ApplyDefaults() {
	if c.ExtensionDays <= 0 {
		c.ExtensionDays = DefaultExtensionDays
	}
	if c.InviteTTLHours <= 0 {
		c.InviteTTLHours = DefaultInviteTTLHours
	}
}

// PaymentEventRecord is the dedup ledger entry for one processed payment
// event. The primary key on EventID makes replay detection a first-write-wins
// insert.
type PaymentEventRecord struct {
	EventID     string `json:"event_id" gorm:"primaryKey"`
	PayerRef    string `json:"payer_ref" gorm:"index"`
	Kind        string `json:"kind"`
	ProcessedAt int64  `json:"processed_at"`
}
