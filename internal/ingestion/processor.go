// Package ingestion loads pre-chunked documents into the vector index.
// Crawling and chunking happen upstream; each input line is one chunk.
package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/ranking"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/internal/vector/zilliz"
	"github.com/kb-assistant/backend/pkg/logger"
	"github.com/kb-assistant/backend/pkg/utils"
)

const defaultContentFlag = "production"

// Record is one line of a chunk file.
type Record struct {
	ChunkID      string `json:"chunk_id"`
	SourceID     string `json:"source_id"`
	Title        string `json:"title"`
	Category     string `json:"category"`
	Priority     int    `json:"priority"`
	URL          string `json:"url"`
	Text         string `json:"text"`
	ContentFlag  string `json:"content_flag"`
	DocumentDate string `json:"document_date"`
}

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type ChunkWriter interface {
	Insert(ctx context.Context, chunks []zilliz.Chunk) error
}

type Config struct {
	BatchSize    int
	ExcerptChars int
}

type Processor struct {
	embedder     Embedder
	writer       ChunkWriter
	batchSize    int
	excerptChars int
	now          func() time.Time
}

func NewProcessor(embedder Embedder, writer ChunkWriter, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ExcerptChars <= 0 {
		cfg.ExcerptChars = 1000
	}
	return &Processor{
		embedder:     embedder,
		writer:       writer,
		batchSize:    cfg.BatchSize,
		excerptChars: cfg.ExcerptChars,
		now:          time.Now,
	}
}

// ReadRecords parses JSON lines. Blank lines are skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk file: %w", err)
	}
	return records, nil
}

// Process embeds and writes records in batches and returns how many chunks
// were indexed. Records without a source id or text are skipped.
func (p *Processor) Process(ctx context.Context, records []Record) (int, error) {
	type prepared struct {
		text  string
		chunk zilliz.Chunk
	}

	ingestedAt := p.now().UTC()
	items := make([]prepared, 0, len(records))
	for i, rec := range records {
		text := ranking.Excerpt(rec.Text, 0)
		if rec.SourceID == "" || text == "" {
			logger.Warn("Skipping chunk without source or text", zap.Int("index", i), zap.String("chunk_id", rec.ChunkID))
			continue
		}
		items = append(items, prepared{
			text: text,
			chunk: zilliz.Chunk{
				ID:       chunkID(rec, i),
				Metadata: p.metadata(rec, text, ingestedAt),
			},
		})
	}

	indexed := 0
	for start := 0; start < len(items); start += p.batchSize {
		batch := items[start:min(start+p.batchSize, len(items))]

		texts := make([]string, len(batch))
		for i, it := range batch {
			texts[i] = it.text
		}

		embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(embeddings) != len(batch) {
			return indexed, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(batch))
		}

		chunks := make([]zilliz.Chunk, len(batch))
		for i, it := range batch {
			chunks[i] = it.chunk
			chunks[i].Embedding = embeddings[i]
		}
		if err := p.writer.Insert(ctx, chunks); err != nil {
			return indexed, fmt.Errorf("failed to insert into vector DB: %w", err)
		}
		indexed += len(chunks)
	}

	logger.Info("Chunks indexed", zap.Int("indexed", indexed), zap.Int("skipped", len(records)-len(items)))
	return indexed, nil
}

func (p *Processor) metadata(rec Record, text string, ingestedAt time.Time) models.SourceMetadata {
	flag := strings.ToLower(strings.TrimSpace(rec.ContentFlag))
	if flag == "" {
		flag = defaultContentFlag
	}

	md := models.SourceMetadata{
		SourceID:    rec.SourceID,
		Title:       strings.TrimSpace(rec.Title),
		Category:    strings.ToLower(strings.TrimSpace(rec.Category)),
		Priority:    rec.Priority,
		URL:         strings.TrimSpace(rec.URL),
		Excerpt:     ranking.Excerpt(text, p.excerptChars),
		ContentFlag: flag,
		IngestedAt:  ingestedAt,
	}
	if rec.DocumentDate != "" {
		d, err := parseDate(rec.DocumentDate)
		if err != nil {
			logger.Warn("Ignoring unparseable document date",
				zap.String("source_id", rec.SourceID),
				zap.String("document_date", rec.DocumentDate),
			)
		}
		md.DocumentDate = d
	}
	return md
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", s)
}

func chunkID(rec Record, index int) string {
	if rec.ChunkID != "" {
		return rec.ChunkID
	}
	return utils.ShortHash(rec.SourceID+"#"+strconv.Itoa(index), 32)
}
