package transport

import (
	"context"
	"strings"

	"remindbot/pkg/logx"
)

// Console is a dry-run Messenger that logs deliveries instead of sending
// them. It keeps cmd/bot runnable without a chat backend; the production
// adapter replaces it at wiring time.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{log: log}
}

func (c *Console) FetchUser(ctx context.Context, userID string) (Handle, error) {
	return consoleHandle{kind: "user", id: userID, log: c.log}, nil
}

func (c *Console) FetchChannel(ctx context.Context, channelID string) (Handle, error) {
	return consoleHandle{kind: "channel", id: channelID, log: c.log}, nil
}

func (c *Console) FetchRoleMembers(ctx context.Context, guildID, roleID string) ([]Handle, error) {
	// No membership source in dry-run mode; deliver to the role as a whole.
	return []Handle{consoleHandle{kind: "role", id: roleID, log: c.log}}, nil
}

type consoleHandle struct {
	kind string
	id   string
	log  logx.Logger
}

func (h consoleHandle) ID() string { return h.id }

func (h consoleHandle) Send(ctx context.Context, m Message) error {
	h.log.Info("delivery (dry-run)",
		logx.String("target_kind", h.kind),
		logx.String("target", h.id),
		logx.String("subject", m.Subject),
		logx.String("category", m.Category),
		logx.Time("due", m.Due),
		logx.String("mentions", strings.Join(m.Mentions, ",")),
	)
	return nil
}
