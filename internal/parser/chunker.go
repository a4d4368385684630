package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/textsplitter"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/helper"
	"guideline-rag/internal/models"
)

// Chunker turns a document into tagged nodes ready for embedding.
type Chunker interface {
	Chunk(ctx context.Context, doc models.Document) ([]models.Node, error)
}

// GuidelineChunker fetches the document's source file from the asset bucket,
// extracts its text and splits it along the guideline's structure.
type GuidelineChunker struct {
	store       blobstore.Store
	assetBucket string
	splitter    textsplitter.TextSplitter
}

func NewGuidelineChunker(store blobstore.Store, assetBucket string, chunkSize, chunkOverlap int) *GuidelineChunker {
	return &GuidelineChunker{
		store:       store,
		assetBucket: assetBucket,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

func (c *GuidelineChunker) Chunk(ctx context.Context, doc models.Document) ([]models.Node, error) {
	fileName := doc.FileName()
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, fmt.Errorf("document %s: no file name in url %q", doc.ID, doc.URL)
	}

	tmpDir, err := os.MkdirTemp("", "guideline-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	localPath := filepath.Join(tmpDir, fileName)
	if err := c.fetch(ctx, fileName, localPath); err != nil {
		return nil, err
	}

	pages, err := ExtractPages(localPath)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	blocks := StructureGuideline(pages)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("document %s: %w", doc.ID, ErrNoContent)
	}

	base := baseMetadata(doc)
	var nodes []models.Node
	for _, block := range blocks {
		pieces, err := c.splitter.SplitText(block.Content)
		if err != nil {
			return nil, fmt.Errorf("split document %s: %w", doc.ID, err)
		}
		for _, piece := range pieces {
			id, err := helper.GenerateUUID()
			if err != nil {
				return nil, err
			}
			node := models.Node{ID: id, DocumentID: doc.ID, Text: piece}
			for k, v := range base {
				node.SetMetadata(k, v)
			}
			node.SetMetadata(models.PageKey, strconv.Itoa(block.PageNumber))
			setIfNotEmpty(&node, models.SectionKey, block.Section)
			setIfNotEmpty(&node, models.RecommendationKey, block.Recommendation)
			setIfNotEmpty(&node, models.EvidenceLevelKey, block.EvidenceLevel)
			nodes = append(nodes, node)
		}
	}

	log.Debug().
		Str("document_id", doc.ID).
		Str("file", fileName).
		Int("pages", len(pages)).
		Int("nodes", len(nodes)).
		Msg("Chunked document")
	return nodes, nil
}

func (c *GuidelineChunker) fetch(ctx context.Context, fileName, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := blobstore.JoinKey(c.assetBucket, fileName)
	if _, err := blobstore.CopyTo(ctx, c.store, key, f); err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	return f.Sync()
}

// baseMetadata is the metadata every node of doc carries.
func baseMetadata(doc models.Document) map[string]string {
	md := map[string]string{
		models.DocIDKey:    doc.ID,
		models.FileNameKey: doc.FileName(),
	}
	meta, ok, err := doc.ClinicalMetadata()
	if err != nil {
		log.Warn().Err(err).Str("document_id", doc.ID).Msg("Ignoring malformed guideline metadata")
	}
	if ok && err == nil {
		md[models.TitleKey] = meta.Title
		for k, v := range map[string]string{
			models.OrganizationKey:  meta.IssuingOrganization,
			models.SpecialtyKey:     meta.Specialty,
			models.GradingSystemKey: meta.EvidenceGradingSystem,
		} {
			if v != "" {
				md[k] = v
			}
		}
	}
	return md
}

func setIfNotEmpty(node *models.Node, key, value string) {
	if value != "" {
		node.SetMetadata(key, value)
	}
}
