package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"agentchat/internal/bus"
	"agentchat/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite. Inserts are fanned out
// to subscribers through an ordered event queue after the row is committed.
type SQLiteStore struct {
	db     *sql.DB
	events *bus.EventBus
	queue  *bus.Queue
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	events := bus.NewEventBus(logger)
	return &SQLiteStore{
		db:     db,
		events: events,
		queue:  bus.NewQueue(events, 256, logger),
		logger: logger,
		now:    time.Now,
	}, nil
}

const messageColumns = `id, conversation_id, sender_id, role, content, status, kind, task_id, task_payload, created_at`

// --- Messages ---

func (s *SQLiteStore) Append(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	msg = prepareInsert(msg, s.now())
	payload, err := encodePayload(msg.TaskPayload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	created := toUnix(msg.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, string(msg.Role), msg.Content,
		string(msg.Status), string(msg.Kind), msg.TaskID, payload, created,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?`,
		created, msg.ConversationID, created,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.queue.Publish(bus.Event{
		Type:    bus.MessageTopic(msg.ConversationID),
		Source:  "sqlite",
		Payload: msg,
	})
	return &msg, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs := []domain.Message{*m}
	if err := s.loadAttachments(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *SQLiteStore) ListSince(ctx context.Context, conversationID, afterID string) ([]domain.Message, error) {
	var afterSeq int64
	if afterID != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE id = ? AND conversation_id = ?`, afterID, conversationID,
		).Scan(&afterSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND seq > ?
		 ORDER BY created_at, seq`,
		conversationID, afterSeq,
	)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *SQLiteStore) ListByKind(ctx context.Context, conversationIDs []string, kinds ...domain.MessageKind) ([]domain.Message, error) {
	if len(conversationIDs) == 0 || len(kinds) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(conversationIDs)+len(kinds))
	for _, id := range conversationIDs {
		args = append(args, id)
	}
	for _, k := range kinds {
		args = append(args, string(k))
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id IN (`+placeholders(len(conversationIDs))+`)
		   AND kind IN (`+placeholders(len(kinds))+`)
		 ORDER BY created_at DESC, seq DESC`,
		args...,
	)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, conversationIDs []string) ([]domain.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		args = append(args, id)
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id IN (`+placeholders(len(conversationIDs))+`)
		   AND role = 'user'
		   AND kind IN ('message', 'task_approval')
		   AND (UPPER(LTRIM(content)) LIKE 'APPROVED:%' OR UPPER(LTRIM(content)) LIKE 'REJECTED:%')
		 ORDER BY created_at DESC, seq DESC`,
		args...,
	)
}

// TaskMessages also matches a proposal whose own id is the task id, for
// proposals stored without one.
func (s *SQLiteStore) TaskMessages(ctx context.Context, taskID string) ([]domain.Message, error) {
	if taskID == "" {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE task_id = ? OR (id = ? AND kind = 'task_proposal')
		 ORDER BY created_at, seq`,
		taskID, taskID,
	)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SubscribeInserts(conversationID string, onInsert func(domain.Message)) domain.Unsubscribe {
	cancel := s.events.Subscribe(bus.MessageTopic(conversationID), func(e bus.Event) {
		if m, ok := e.Payload.(domain.Message); ok {
			onInsert(m)
		}
	})
	return domain.Unsubscribe(cancel)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// --- Attachments ---

func (s *SQLiteStore) AddAttachment(ctx context.Context, att domain.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, message_id, filename, mime_type, size_bytes, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.MessageID, att.Filename, att.MimeType, att.SizeBytes, att.StoragePath, toUnix(att.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) DeleteAttachments(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE message_id = ?`, messageID)
	return err
}

// loadAttachments fills Attachments on file rows in place.
func (s *SQLiteStore) loadAttachments(ctx context.Context, msgs []domain.Message) error {
	var ids []any
	index := make(map[string]int)
	for i, m := range msgs {
		if m.Kind == domain.KindFile {
			ids = append(ids, m.ID)
			index[m.ID] = i
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, filename, mime_type, size_bytes, storage_path, created_at
		 FROM attachments WHERE message_id IN (`+placeholders(len(ids))+`)
		 ORDER BY created_at, id`, ids...,
	)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.Attachment
		var created int64
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StoragePath, &created); err != nil {
			return err
		}
		a.CreatedAt = fromUnix(created)
		i := index[a.MessageID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	return rows.Err()
}

// --- Conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	conv = prepareConversation(conv, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, counterpart_id, counterpart_kind, counterpart_name, agent_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CounterpartID, string(conv.CounterpartKind),
		conv.CounterpartName, conv.AgentURL, toUnix(conv.CreatedAt), toUnix(conv.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &conv, nil
}

const conversationColumns = `id, user_id, title, counterpart_id, counterpart_kind, counterpart_name, agent_url, created_at, updated_at`

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = ? ORDER BY updated_at DESC, id`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmts := []string{
		`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- Liveness ---

func (s *SQLiteStore) Liveness(ctx context.Context, counterpartIDs []string) (map[string]domain.LivenessRecord, error) {
	out := make(map[string]domain.LivenessRecord)
	if len(counterpartIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(counterpartIDs))
	for i, id := range counterpartIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT counterpart_id, status, updated_at FROM observability
		 WHERE counterpart_id IN (`+placeholders(len(args))+`)`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.LivenessRecord
		var status string
		var updated int64
		if err := rows.Scan(&r.CounterpartID, &status, &updated); err != nil {
			return nil, err
		}
		r.Status = domain.LivenessStatus(status)
		r.UpdatedAt = fromUnix(updated)
		out[r.CounterpartID] = r
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReportLiveness(ctx context.Context, rec domain.LivenessRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observability (counterpart_id, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(counterpart_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		rec.CounterpartID, string(rec.Status), toUnix(rec.UpdatedAt),
	)
	return err
}

// Close drains pending insert notifications and closes the database.
func (s *SQLiteStore) Close() error {
	s.queue.Close()
	return s.db.Close()
}
