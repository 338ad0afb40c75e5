// Package resolver expands stored assignments into concrete delivery
// targets. Role membership is read at delivery time, so changes between
// reminder creation and delivery are honored.
package resolver

import (
	"context"

	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type Resolver struct {
	msgr transport.Messenger
	log  logx.Logger
}

func New(msgr transport.Messenger, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{msgr: msgr, log: log}
}

// Resolve turns one assignment into delivery handles: a user maps to one
// handle, a role fans out to its current members. An unknown assignee type
// cannot normally reach this point (the repository rejects it at write
// time); if it does, that is a bug, logged loudly and aborted.
func (r *Resolver) Resolve(ctx context.Context, guildID string, asg reminder.Assignment) ([]transport.Handle, error) {
	switch asg.Assignee.Type {
	case reminder.AssigneeUser:
		h, err := r.msgr.FetchUser(ctx, asg.Assignee.ID)
		if err != nil {
			return nil, err
		}
		return []transport.Handle{h}, nil
	case reminder.AssigneeRole:
		return r.msgr.FetchRoleMembers(ctx, guildID, asg.Assignee.ID)
	default:
		err := &reminder.InvariantViolationError{
			Msg: "unknown assignee type " + string(asg.Assignee.Type) + " reached resolution",
		}
		r.log.Error("assignment resolution hit invalid type",
			logx.String("guild", guildID),
			logx.Int64("reminder", asg.ReminderID),
			logx.String("assignment", asg.ID),
			logx.Err(err),
		)
		return nil, err
	}
}
