package resolver

import (
	"context"
	"errors"
	"testing"

	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type fakeMessenger struct {
	members map[string][]string
}

func (f *fakeMessenger) FetchUser(ctx context.Context, userID string) (transport.Handle, error) {
	return fakeHandle(userID), nil
}

func (f *fakeMessenger) FetchChannel(ctx context.Context, channelID string) (transport.Handle, error) {
	return fakeHandle(channelID), nil
}

func (f *fakeMessenger) FetchRoleMembers(ctx context.Context, guildID, roleID string) ([]transport.Handle, error) {
	var out []transport.Handle
	for _, id := range f.members[roleID] {
		out = append(out, fakeHandle(id))
	}
	return out, nil
}

type fakeHandle string

func (h fakeHandle) ID() string                                      { return string(h) }
func (h fakeHandle) Send(ctx context.Context, m transport.Message) error { return nil }

func TestResolveUser(t *testing.T) {
	r := New(&fakeMessenger{}, logx.Nop())

	handles, err := r.Resolve(context.Background(), "g", reminder.Assignment{
		ID: "a1", ReminderID: 1, Assignee: reminder.User("u42"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(handles) != 1 || handles[0].ID() != "u42" {
		t.Fatalf("expected single user handle, got %v", handles)
	}
}

func TestResolveRoleFansOut(t *testing.T) {
	msgr := &fakeMessenger{members: map[string][]string{"ops": {"u1", "u2"}}}
	r := New(msgr, logx.Nop())

	handles, err := r.Resolve(context.Background(), "g", reminder.Assignment{
		ID: "a1", ReminderID: 1, Assignee: reminder.Role("ops"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("expected 2 member handles, got %d", len(handles))
	}
}

func TestResolveUnknownTypeIsInvariantViolation(t *testing.T) {
	r := New(&fakeMessenger{}, logx.Nop())

	_, err := r.Resolve(context.Background(), "g", reminder.Assignment{
		ID: "a1", ReminderID: 1,
		Assignee: reminder.Assignee{Type: reminder.AssigneeType("ghost"), ID: "x"},
	})
	var iv *reminder.InvariantViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
}
