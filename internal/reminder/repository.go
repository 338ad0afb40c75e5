package reminder

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

// Repository implements all reminder and assignment operations for one guild
// at a time. Every method takes the guild id and resolves the store through
// the manager on each call; no handle is ever cached here.
type Repository struct {
	stores *storage.Manager
	log    logx.Logger
}

func NewRepository(stores *storage.Manager, log logx.Logger) *Repository {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Repository{stores: stores, log: log}
}

func validateMerged(r *Reminder) error {
	var fields []string
	if strings.TrimSpace(r.Subject) == "" {
		fields = append(fields, "subject")
	}
	if strings.TrimSpace(r.Category) == "" {
		fields = append(fields, "category")
	}
	if r.When.IsZero() {
		fields = append(fields, "whenDatetime")
	}
	if !r.Method.Valid() {
		fields = append(fields, "notificationMethod")
	}
	if r.Method == MethodChannel && strings.TrimSpace(r.ChannelID) == "" {
		fields = append(fields, "channelId")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Create validates the draft, assigns a guild-local id, and stores the
// reminder as ACTIVE with a zero attempt count.
func (r *Repository) Create(ctx context.Context, guildID string, d Draft) (int64, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return 0, err
	}

	rem := Reminder{
		GuildID:   guildID,
		Subject:   d.Subject,
		Category:  d.Category,
		Content:   d.Content,
		ChannelID: d.ChannelID,
		When:      d.When,
		Method:    d.Method,
		Status:    StatusActive,
	}
	if rem.Method == "" {
		rem.Method = MethodDM
	}
	if err := validateMerged(&rem); err != nil {
		return 0, err
	}

	res, err := st.DB().ExecContext(ctx,
		`INSERT INTO reminders(guild_id, subject, category, content, channel_id, when_at, notify_method, status, attempt_count, created_at)
		 VALUES(?,?,?,?,?,?,?,?,0,?)`,
		guildID, rem.Subject, rem.Category, rem.Content, rem.ChannelID,
		rem.When.UTC().UnixMilli(), string(rem.Method), string(StatusActive),
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.log.Debug("reminder created",
		logx.String("guild", guildID), logx.Int64("id", id), logx.Time("when", rem.When))
	return id, nil
}

const reminderCols = `id, guild_id, subject, category, content, channel_id, when_at, notify_method, status, attempt_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (*Reminder, error) {
	var (
		rem       Reminder
		whenMS    int64
		createdMS int64
		method    string
		status    string
	)
	err := sc.Scan(&rem.ID, &rem.GuildID, &rem.Subject, &rem.Category, &rem.Content,
		&rem.ChannelID, &whenMS, &method, &status, &rem.AttemptCount, &createdMS)
	if err != nil {
		return nil, err
	}
	rem.When = time.UnixMilli(whenMS).UTC()
	rem.CreatedAt = time.UnixMilli(createdMS).UTC()
	rem.Method = Method(method)
	rem.Status = Status(status)
	return &rem, nil
}

// GetByID returns (nil, nil) when the id is absent in that guild.
func (r *Repository) GetByID(ctx context.Context, guildID string, id int64) (*Reminder, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return nil, err
	}
	row := st.DB().QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	rem, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rem.GuildID != guildID {
		// The denormalized back-reference exists exactly for this check.
		return nil, invariantf("reminder %d in store for guild %s carries guild %s", id, guildID, rem.GuildID)
	}
	return rem, nil
}

// Update merges the patch into the stored record and re-validates the result.
func (r *Repository) Update(ctx context.Context, guildID string, id int64, p Patch) (*Reminder, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return nil, err
	}

	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	rem, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.Subject != nil {
		rem.Subject = *p.Subject
	}
	if p.Category != nil {
		rem.Category = *p.Category
	}
	if p.Content != nil {
		rem.Content = *p.Content
	}
	if p.ChannelID != nil {
		rem.ChannelID = *p.ChannelID
	}
	if p.When != nil {
		rem.When = *p.When
	}
	if p.Method != nil {
		rem.Method = *p.Method
	}
	if err := validateMerged(rem); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE reminders SET subject=?, category=?, content=?, channel_id=?, when_at=?, notify_method=? WHERE id=?`,
		rem.Subject, rem.Category, rem.Content, rem.ChannelID,
		rem.When.UTC().UnixMilli(), string(rem.Method), id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rem, nil
}

// Delete removes the reminder and cascades its assignments.
// Returns false (not an error) when the id did not exist.
func (r *Repository) Delete(ctx context.Context, guildID string, id int64) (bool, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return false, err
	}

	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE reminder_id = ?`, id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the guild's reminders in insertion order, optionally narrowed
// to those with a user assignment matching the filter.
func (r *Repository) List(ctx context.Context, guildID string, f ListFilter) ([]Reminder, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if f.AssigneeUserID != "" {
		rows, err = st.DB().QueryContext(ctx,
			`SELECT `+prefixedReminderCols("r")+` FROM reminders r
			 JOIN assignments a ON a.reminder_id = r.id
			 WHERE a.assignee_type = ? AND a.assignee_id = ?
			 ORDER BY r.id`,
			string(AssigneeUser), f.AssigneeUserID)
	} else {
		rows, err = st.DB().QueryContext(ctx,
			`SELECT `+reminderCols+` FROM reminders ORDER BY id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

// Search matches term as a case-insensitive literal substring of subject or
// content. LIKE metacharacters in the term are escaped, never interpreted.
// An empty term matches everything.
func (r *Repository) Search(ctx context.Context, guildID, term string) ([]Reminder, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return nil, err
	}

	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	rows, err := st.DB().QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE lower(subject) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\'
		 ORDER BY id`,
		pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

// Due returns ACTIVE reminders whose due instant is at or before now.
func (r *Repository) Due(ctx context.Context, guildID string, now time.Time) ([]Reminder, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return nil, err
	}
	rows, err := st.DB().QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE status = ? AND when_at <= ? ORDER BY when_at, id`,
		string(StatusActive), now.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

// AddAssignment binds an assignee to a reminder. Duplicate bindings are
// idempotent: the existing assignment id is returned, no second delivery
// target is ever created.
func (r *Repository) AddAssignment(ctx context.Context, guildID string, reminderID int64, a Assignee) (string, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return "", err
	}

	var fields []string
	if !a.Type.Valid() {
		fields = append(fields, "assigneeType")
	}
	if strings.TrimSpace(a.ID) == "" {
		fields = append(fields, "assigneeId")
	}
	if len(fields) > 0 {
		return "", &ValidationError{Fields: fields}
	}

	var exists int
	err = st.DB().QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ?`, reminderID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ValidationError{Fields: []string{"reminderId"}}
	}
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	res, err := st.DB().ExecContext(ctx,
		`INSERT INTO assignments(id, reminder_id, assignee_type, assignee_id, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(reminder_id, assignee_type, assignee_id) DO NOTHING`,
		id, reminderID, string(a.Type), a.ID, time.Now().UTC().UnixMilli())
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		// Duplicate; hand back the assignment that already exists.
		err = st.DB().QueryRowContext(ctx,
			`SELECT id FROM assignments WHERE reminder_id = ? AND assignee_type = ? AND assignee_id = ?`,
			reminderID, string(a.Type), a.ID).Scan(&id)
		if err != nil {
			return "", err
		}
	}
	return id, nil
}

// ListAssignments returns all delivery bindings for one reminder.
func (r *Repository) ListAssignments(ctx context.Context, guildID string, reminderID int64) ([]Assignment, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return nil, err
	}
	rows, err := st.DB().QueryContext(ctx,
		`SELECT id, reminder_id, assignee_type, assignee_id, created_at
		 FROM assignments WHERE reminder_id = ? ORDER BY created_at, id`,
		reminderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			asg       Assignment
			typ       string
			createdMS int64
		)
		if err := rows.Scan(&asg.ID, &asg.ReminderID, &typ, &asg.Assignee.ID, &createdMS); err != nil {
			return nil, err
		}
		asg.Assignee.Type = AssigneeType(typ)
		asg.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, asg)
	}
	return out, rows.Err()
}

// Stats is a pure aggregate; no side effects.
func (r *Repository) Stats(ctx context.Context, guildID string) (Stats, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	err = st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'ACTIVE' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'PROCESSED' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		 FROM reminders`).Scan(&s.Total, &s.Active, &s.Processed, &s.Failed)
	return s, err
}

// MarkProcessed moves an ACTIVE reminder to its terminal success state.
func (r *Repository) MarkProcessed(ctx context.Context, guildID string, id int64) error {
	return r.setTerminal(ctx, guildID, id, StatusProcessed)
}

// MarkFailed moves an ACTIVE reminder to FAILED immediately (permanent
// delivery failure; the retry budget is not consumed further).
func (r *Repository) MarkFailed(ctx context.Context, guildID string, id int64) error {
	return r.setTerminal(ctx, guildID, id, StatusFailed)
}

func (r *Repository) setTerminal(ctx context.Context, guildID string, id int64, to Status) error {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return err
	}
	res, err := st.DB().ExecContext(ctx,
		`UPDATE reminders SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(StatusActive))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAttemptFailure increments the attempt count after a transient
// delivery failure and flips the reminder to FAILED exactly when the budget
// is exhausted. It reports whether the reminder is now terminal.
func (r *Repository) RecordAttemptFailure(ctx context.Context, guildID string, id int64, maxAttempts int) (bool, error) {
	st, err := r.stores.GetOrCreate(guildID)
	if err != nil {
		return false, err
	}
	var status string
	err = st.DB().QueryRowContext(ctx,
		`UPDATE reminders
		 SET attempt_count = attempt_count + 1,
		     status = CASE WHEN attempt_count + 1 >= ? THEN 'FAILED' ELSE status END
		 WHERE id = ? AND status = 'ACTIVE'
		 RETURNING status`,
		maxAttempts, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return Status(status) == StatusFailed, nil
}

func collectReminders(rows *sql.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rem)
	}
	return out, rows.Err()
}

func prefixedReminderCols(alias string) string {
	cols := strings.Split(reminderCols, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// escapeLike makes term safe as a literal inside a LIKE pattern.
func escapeLike(term string) string {
	var b strings.Builder
	for _, r := range term {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
