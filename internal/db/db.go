// Package db is the relational store for guideline documents and
// conversations. The RAG core only reads from it; the CLI seeds it.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"guideline-rag/internal/config"
	"guideline-rag/internal/helper"
	"guideline-rag/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            string                     `bun:"id,pk"`
	URL           string                     `bun:"url,notnull"`
	MetadataMap   map[string]json.RawMessage `bun:"metadata_map,type:jsonb"`
	CreatedAt     time.Time                  `bun:"created_at,notnull,default:current_timestamp"`
}

type Conversation struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`
	ID            string    `bun:"id,pk"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

type ConversationDocument struct {
	bun.BaseModel  `bun:"table:conversation_documents,alias:cd"`
	ConversationID string `bun:"conversation_id,pk"`
	DocumentID     string `bun:"document_id,pk"`
}

type Message struct {
	bun.BaseModel  `bun:"table:messages,alias:m"`
	ID             string    `bun:"id,pk"`
	ConversationID string    `bun:"conversation_id,notnull"`
	Role           string    `bun:"role,notnull"`
	Content        string    `bun:"content"`
	Status         string    `bun:"status,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

func (d Document) toModel() models.Document {
	return models.Document{ID: d.ID, URL: d.URL, MetadataMap: d.MetadataMap}
}

func documentRow(d models.Document) Document {
	return Document{ID: d.ID, URL: d.URL, MetadataMap: d.MetadataMap}
}

func (m Message) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           models.MessageRole(m.Role),
		Content:        m.Content,
		Status:         models.MessageStatus(m.Status),
		CreatedAt:      m.CreatedAt,
	}
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with the configured driver: bun's pgdriver by
// default, lib/pq when driver is "pq".
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database dsn is empty")
	}
	dsn := cfg.DSN
	if !strings.Contains(dsn, "sslmode=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "sslmode=disable"
	}

	switch cfg.Driver {
	case "pq":
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return sqldb, nil
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func InitDB(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{(*Document)(nil), (*Conversation)(nil), (*ConversationDocument)(nil), (*Message)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, err := db.NewCreateIndex().
		Model((*Message)(nil)).
		Index("messages_conversation_created_idx").
		IfNotExists().
		Column("conversation_id", "created_at").
		Exec(ctx)
	return err
}

func DropTables(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{(*Message)(nil), (*ConversationDocument)(nil), (*Conversation)(nil), (*Document)(nil)} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Store reads and writes documents and conversations.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) DB() *bun.DB { return s.db }

func (s *Store) UpsertDocuments(ctx context.Context, docs []models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	rows := make([]Document, len(docs))
	for i, d := range docs {
		rows[i] = documentRow(d)
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (id) DO UPDATE").
		Set("url = EXCLUDED.url").
		Set("metadata_map = EXCLUDED.metadata_map").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert documents: %w", err)
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	var rows []Document
	if err := s.db.NewSelect().Model(&rows).Order("d.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return toDocuments(rows), nil
}

// CreateConversation starts a conversation over documentIDs and returns its id.
func (s *Store) CreateConversation(ctx context.Context, documentIDs []string) (string, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return "", err
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		conv := &Conversation{ID: id, CreatedAt: s.now().UTC()}
		if _, err := tx.NewInsert().Model(conv).Exec(ctx); err != nil {
			return err
		}
		if len(documentIDs) == 0 {
			return nil
		}
		links := make([]ConversationDocument, len(documentIDs))
		for i, docID := range documentIDs {
			links[i] = ConversationDocument{ConversationID: id, DocumentID: docID}
		}
		_, err := tx.NewInsert().Model(&links).On("CONFLICT DO NOTHING").Exec(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// GetConversation loads the conversation with its messages and selected documents.
func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv Conversation
	err := s.db.NewSelect().Model(&conv).Where("c.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}

	var msgs []Message
	if err := s.messagesQuery(&msgs, id).Scan(ctx); err != nil {
		return models.Conversation{}, fmt.Errorf("get messages for %s: %w", id, err)
	}
	var docs []Document
	if err := s.documentsQuery(&docs, id).Scan(ctx); err != nil {
		return models.Conversation{}, fmt.Errorf("get documents for %s: %w", id, err)
	}

	out := models.Conversation{ID: conv.ID, Documents: toDocuments(docs)}
	for _, m := range msgs {
		out.Messages = append(out.Messages, m.toModel())
	}
	return out, nil
}

func (s *Store) messagesQuery(rows *[]Message, conversationID string) *bun.SelectQuery {
	return s.db.NewSelect().
		Model(rows).
		Where("m.conversation_id = ?", conversationID).
		Order("m.created_at ASC")
}

func (s *Store) documentsQuery(rows *[]Document, conversationID string) *bun.SelectQuery {
	return s.db.NewSelect().
		Model(rows).
		Join("JOIN conversation_documents AS cd ON cd.document_id = d.id").
		Where("cd.conversation_id = ?", conversationID).
		Order("d.id ASC")
}

// AddMessage stores msg, filling in the id and creation time when unset.
func (s *Store) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		id, err := helper.GenerateUUID()
		if err != nil {
			return msg, err
		}
		msg.ID = id
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.StatusSuccess
	}
	row := &Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return msg, fmt.Errorf("add message: %w", err)
	}
	log.Debug().Str("conversation_id", msg.ConversationID).Str("role", row.Role).Msg("Stored message")
	return msg, nil
}

func toDocuments(rows []Document) []models.Document {
	out := make([]models.Document, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}
