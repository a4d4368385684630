package vectorstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"guideline-rag/internal/models"
)

type vectorRow struct {
	bun.BaseModel `bun:"alias:v"`

	ID         string            `bun:"id,pk"`
	DocumentID string            `bun:"document_id,notnull"`
	Text       string            `bun:"text,notnull"`
	Metadata   map[string]string `bun:"metadata,type:jsonb"`
	Embedding  pgvector.Vector   `bun:"embedding"`
	Distance   float64           `bun:"distance,scanonly"`
}

// PGVectorStore keeps vectors in a Postgres table using the pgvector extension.
type PGVectorStore struct {
	db         *bun.DB
	table      string
	dimensions int
}

func NewPGVectorStore(db *bun.DB, table string, dimensions int) *PGVectorStore {
	return &PGVectorStore{db: db, table: table, dimensions: dimensions}
}

// Init creates the extension, the table and its document index.
func (s *PGVectorStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ? (
		id text PRIMARY KEY,
		document_id text NOT NULL,
		text text NOT NULL,
		metadata jsonb,
		embedding vector(?)
	)`, bun.Ident(s.table), s.dimensions)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	_, err = s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS ? ON ? (document_id)",
		bun.Ident(s.table+"_document_id_idx"), bun.Ident(s.table))
	return err
}

func (s *PGVectorStore) Add(ctx context.Context, nodes []models.Node, embeddings [][]float32) error {
	if len(nodes) != len(embeddings) {
		return fmt.Errorf("%w: %d nodes, %d embeddings", ErrDimensionMismatch, len(nodes), len(embeddings))
	}
	if len(nodes) == 0 {
		return nil
	}
	rows := make([]vectorRow, len(nodes))
	for i, n := range nodes {
		rows[i] = vectorRow{
			ID:         n.ID,
			DocumentID: n.DocumentID,
			Text:       n.Text,
			Metadata:   n.Metadata,
			Embedding:  pgvector.NewVector(embeddings[i]),
		}
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		ModelTableExpr("?", bun.Ident(s.table)).
		ExcludeColumn("distance").
		On("CONFLICT (id) DO UPDATE").
		Set("text = EXCLUDED.text").
		Set("metadata = EXCLUDED.metadata").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert vectors: %w", err)
	}
	return nil
}

func (s *PGVectorStore) selectQuery(rows *[]vectorRow, q Query) *bun.SelectQuery {
	vec := pgvector.NewVector(q.Embedding)
	sel := s.db.NewSelect().
		Model(rows).
		ModelTableExpr("? AS v", bun.Ident(s.table)).
		Column("id", "document_id", "text", "metadata").
		ColumnExpr("embedding <=> ? AS distance", vec)

	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == models.DocIDKey {
			sel = sel.Where("document_id = ?", q.Where[k])
			continue
		}
		sel = sel.Where("metadata->>? = ?", k, q.Where[k])
	}
	return sel.OrderExpr("embedding <=> ?", vec).Limit(q.TopK)
}

func (s *PGVectorStore) Query(ctx context.Context, q Query) ([]Match, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("query embedding must be provided")
	}
	if q.TopK <= 0 {
		return nil, nil
	}
	var rows []vectorRow
	if err := s.selectQuery(&rows, q).Scan(ctx); err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, Match{
			Node: models.Node{
				ID:         r.ID,
				DocumentID: r.DocumentID,
				Text:       r.Text,
				Metadata:   r.Metadata,
			},
			// cosine distance to similarity
			Score: float32(1 - r.Distance),
		})
	}
	return matches, nil
}

func (s *PGVectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.NewDelete().
		Model((*vectorRow)(nil)).
		ModelTableExpr("? AS v", bun.Ident(s.table)).
		Where("document_id = ?", documentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete vectors of %s: %w", documentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Str("document_id", documentID).Int64("rows", n).Msg("Deleted stale vectors")
	}
	return nil
}

func (s *PGVectorStore) Descriptor() Descriptor {
	return Descriptor{Type: "pgvector", Table: s.table, Dimensions: s.dimensions}
}
