package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/luxbot/vipgate/internal/logutil"
)

// Message texts sent by the engine. Copy is deliberately plain.
const (
	TextReminderFiveDay = "Your membership expires in 5 days. Renew to keep access."
	TextReminderOneDay  = "Your membership expires tomorrow. Renew to keep access."
	TextExpired         = "Your membership has expired and access was removed. You can rejoin any time with a new payment."
)

// Dispatcher delivers engine notifications. Delivery is best effort: a
// direct message is tried first, then the group chat; failures are logged
// and never propagated, so a refused DM cannot block a state transition.
type Dispatcher struct {
	transport GroupTransport
	logger    *slog.Logger
	timeout   time.Duration
}

func NewDispatcher(transport GroupTransport, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		transport: transport,
		logger:    logutil.NoopIfNil(logger),
		timeout:   timeout,
	}
}

// Notify sends text to the subscriber, falling back to the group chat when
// the direct message fails. username is used to address the group fallback;
// it may be empty.
func (d *Dispatcher) Notify(ctx context.Context, subscriberID, username, fallbackGroupID, text string) {
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.transport.SendDirect(dctx, subscriberID, text)
	if err == nil {
		return
	}
	d.logger.Warn("direct message failed",
		"subscriber_id", subscriberID,
		"error", err)

	if fallbackGroupID == "" {
		return
	}

	groupText := text
	if username != "" {
		groupText = fmt.Sprintf("@%s %s", username, text)
	}

	gctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.transport.SendToGroup(gctx, fallbackGroupID, groupText); err != nil {
		d.logger.Warn("group fallback message failed",
			"group_id", fallbackGroupID,
			"subscriber_id", subscriberID,
			"error", err)
	}
}
