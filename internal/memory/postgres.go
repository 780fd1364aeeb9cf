package memory

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentchat/internal/bus"
	"agentchat/internal/domain"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

const notifyChannel = "message_inserted"

// PostgresStore implements domain.Store on PostgreSQL. Insert notifications
// come from a database trigger, so every process sharing the database sees
// every insert.
type PostgresStore struct {
	Pool   *pgxpool.Pool
	events *bus.EventBus
	logger *slog.Logger
	now    func() time.Time

	listenOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

var _ domain.Store = (*PostgresStore)(nil)

// OpenPostgres opens a connection pool and runs migrations. dsn may be empty
// to use DATABASE_URL.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		Pool:   pool,
		events: bus.NewEventBus(logger),
		logger: logger,
		now:    time.Now,
		ctx:    lctx,
		cancel: cancel,
	}
	if err := s.Migrate(ctx); err != nil {
		cancel()
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *PostgresStore) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type mig struct {
		version   int
		name, sql string
	}
	var migs []mig
	files, err := pgMigrationsFS.ReadDir("pgmigrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := pgMigrationsFS.ReadFile("pgmigrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		s.logger.Info("applying migration", "version", m.version, "file", m.name)
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`,
			m.version, time.Now().Unix(),
		); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the notification listener and closes the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.Pool.Close()
	return nil
}

const pgMessageColumns = `id, conversation_id, sender_id, role, content, status, kind, task_id, task_payload, created_at`

// --- Messages ---

func (s *PostgresStore) Append(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	msg = prepareInsert(msg, s.now())
	payload, err := encodePayload(msg.TaskPayload)
	if err != nil {
		return nil, err
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (`+pgMessageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, msg.SenderID, string(msg.Role), msg.Content,
		string(msg.Status), string(msg.Kind), msg.TaskID, jsonArg(payload), msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2 AND updated_at < $1`,
		msg.CreatedAt, msg.ConversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	msgs, err := s.queryMessages(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *PostgresStore) ListSince(ctx context.Context, conversationID, afterID string) ([]domain.Message, error) {
	var afterSeq int64
	if afterID != "" {
		err := s.Pool.QueryRow(ctx,
			`SELECT seq FROM messages WHERE id = $1 AND conversation_id = $2`, afterID, conversationID,
		).Scan(&afterSeq)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = $1 AND seq > $2
		 ORDER BY created_at, seq`,
		conversationID, afterSeq,
	)
}

func (s *PostgresStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *PostgresStore) ListByKind(ctx context.Context, conversationIDs []string, kinds ...domain.MessageKind) ([]domain.Message, error) {
	if len(conversationIDs) == 0 || len(kinds) == 0 {
		return nil, nil
	}
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = ANY($1) AND kind = ANY($2)
		 ORDER BY created_at DESC, seq DESC`,
		conversationIDs, ks,
	)
}

func (s *PostgresStore) ListDecisions(ctx context.Context, conversationIDs []string) ([]domain.Message, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = ANY($1)
		   AND role = 'user'
		   AND kind IN ('message', 'task_approval')
		   AND (LTRIM(content) ILIKE 'APPROVED:%' OR LTRIM(content) ILIKE 'REJECTED:%')
		 ORDER BY created_at DESC, seq DESC`,
		conversationIDs,
	)
}

func (s *PostgresStore) TaskMessages(ctx context.Context, taskID string) ([]domain.Message, error) {
	if taskID == "" {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE task_id = $1 OR (id = $1 AND kind = 'task_proposal')
		 ORDER BY created_at, seq`,
		taskID,
	)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	_, err := s.Pool.Exec(ctx, `UPDATE messages SET status = $1 WHERE id = $2`, string(status), id)
	return err
}

// DeleteMessage relies on ON DELETE CASCADE for attachment rows.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SubscribeInserts(conversationID string, onInsert func(domain.Message)) domain.Unsubscribe {
	s.listenOnce.Do(func() {
		s.wg.Add(1)
		go s.listen()
	})
	cancel := s.events.Subscribe(bus.MessageTopic(conversationID), func(e bus.Event) {
		if m, ok := e.Payload.(domain.Message); ok {
			onInsert(m)
		}
	})
	return domain.Unsubscribe(cancel)
}

// listen holds one pooled connection in LISTEN mode and re-reads each
// notified row before fanning it out. It reconnects until Close.
func (s *PostgresStore) listen() {
	defer s.wg.Done()
	backoff := time.Second
	for {
		err := s.listenOnceConn()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("postgres listener disconnected", "err", err, "retry_in", backoff)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *PostgresStore) listenOnceConn() error {
	conn, err := s.Pool.Acquire(s.ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(s.ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(s.ctx)
		if err != nil {
			return err
		}
		msg, err := s.GetMessage(s.ctx, n.Payload)
		if err != nil {
			s.logger.Warn("notified message unreadable", "id", n.Payload, "err", err)
			continue
		}
		if msg == nil {
			continue
		}
		s.events.Emit(bus.Event{
			Type:    bus.MessageTopic(msg.ConversationID),
			Source:  "postgres",
			Payload: *msg,
		})
	}
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role, status, kind string
		var payload []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Content,
			&status, &kind, &m.TaskID, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Status = domain.MessageStatus(status)
		m.Kind = domain.MessageKind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		if m.TaskPayload, err = decodePayload(string(payload)); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
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

func (s *PostgresStore) AddAttachment(ctx context.Context, att domain.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = s.now()
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO attachments (id, message_id, filename, mime_type, size_bytes, storage_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		att.ID, att.MessageID, att.Filename, att.MimeType, att.SizeBytes, att.StoragePath, att.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteAttachments(ctx context.Context, messageID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM attachments WHERE message_id = $1`, messageID)
	return err
}

func (s *PostgresStore) loadAttachments(ctx context.Context, msgs []domain.Message) error {
	var ids []string
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
	rows, err := s.Pool.Query(ctx,
		`SELECT id, message_id, filename, mime_type, size_bytes, storage_path, created_at
		 FROM attachments WHERE message_id = ANY($1) ORDER BY created_at, id`, ids,
	)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StoragePath, &a.CreatedAt); err != nil {
			return err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		i := index[a.MessageID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	return rows.Err()
}

// --- Conversations ---

const pgConversationColumns = `id, user_id, title, counterpart_id, counterpart_kind, counterpart_name, agent_url, created_at, updated_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, conv domain.Conversation) (*domain.Conversation, error) {
	conv = prepareConversation(conv, s.now())
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO conversations (`+pgConversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conv.ID, conv.UserID, conv.Title, conv.CounterpartID, string(conv.CounterpartKind),
		conv.CounterpartName, conv.AgentURL, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	convs, err := s.queryConversations(ctx, `SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	return &convs[0], nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC, id`, userID)
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) queryConversations(ctx context.Context, query string, args ...any) ([]domain.Conversation, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var kind string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CounterpartID, &kind,
			&c.CounterpartName, &c.AgentURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.CounterpartKind = domain.CounterpartKind(kind)
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Liveness ---

func (s *PostgresStore) Liveness(ctx context.Context, counterpartIDs []string) (map[string]domain.LivenessRecord, error) {
	out := make(map[string]domain.LivenessRecord)
	if len(counterpartIDs) == 0 {
		return out, nil
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT counterpart_id, status, updated_at FROM observability WHERE counterpart_id = ANY($1)`, counterpartIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.LivenessRecord
		var status string
		if err := rows.Scan(&r.CounterpartID, &status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.LivenessStatus(status)
		r.UpdatedAt = r.UpdatedAt.UTC()
		out[r.CounterpartID] = r
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReportLiveness(ctx context.Context, rec domain.LivenessRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO observability (counterpart_id, status, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (counterpart_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		rec.CounterpartID, string(rec.Status), rec.UpdatedAt,
	)
	return err
}

// jsonArg maps an empty payload to SQL NULL.
func jsonArg(payload string) any {
	if payload == "" {
		return nil
	}
	return []byte(payload)
}
