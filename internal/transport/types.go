// Package transport defines the messaging collaborator the reminder core
// dispatches through. The core never implements delivery itself; a real
// chat adapter satisfies Messenger, and tests substitute stubs.
package transport

import (
	"context"
	"time"
)

// Message is the payload handed to a handle for delivery.
type Message struct {
	Subject  string
	Category string
	Content  string
	Due      time.Time
	// Mentions carries user ids to address in channel deliveries.
	Mentions []string
}

// Handle is an addressable delivery target (a user's DM or a channel).
type Handle interface {
	ID() string
	Send(ctx context.Context, m Message) error
}

// Messenger resolves ids into delivery handles.
type Messenger interface {
	FetchUser(ctx context.Context, userID string) (Handle, error)
	FetchChannel(ctx context.Context, channelID string) (Handle, error)
	FetchRoleMembers(ctx context.Context, guildID, roleID string) ([]Handle, error)
}
