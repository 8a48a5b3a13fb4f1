package zilliz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kb-assistant/backend/internal/filter"
	"github.com/kb-assistant/backend/internal/storage/models"
	"github.com/kb-assistant/backend/pkg/logger"
)

var (
	// ErrTimeout means the index did not answer in time. It is never reported as an empty result.
	ErrTimeout     = errors.New("vector search timed out")
	ErrUnavailable = errors.New("vector search unavailable")
)

var outputFields = []string{
	"chunk_id", "source_id", "title", "category", "priority", "url",
	"excerpt", "content_flag", "document_date", "ingested_at",
}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	NProbe         int
	SearchTimeout  time.Duration
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	nprobe         int
	timeout        time.Duration
}

// Chunk is one indexed piece of a source document, as written by ingestion.
type Chunk struct {
	ID        string
	Embedding []float32
	Metadata  models.SourceMetadata
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return newWithClient(c, cfg), nil
}

func newWithClient(c client.Client, cfg Config) *Client {
	nprobe := cfg.NProbe
	if nprobe <= 0 {
		nprobe = 16
	}
	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		nprobe:         nprobe,
		timeout:        cfg.SearchTimeout,
	}
}

func (z *Client) Close() error {
	return z.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxLen)},
	}
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	primary := varchar("chunk_id", 64)
	primary.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Knowledge base chunk embeddings",
		Fields: []*entity.Field{
			primary,
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			varchar("source_id", 256),
			varchar("title", 512),
			varchar("category", 64),
			{Name: "priority", DataType: entity.FieldTypeInt64},
			varchar("url", 1024),
			varchar("excerpt", 4096),
			varchar("content_flag", 32),
			{Name: "document_date", DataType: entity.FieldTypeInt64},
			{Name: "ingested_at", DataType: entity.FieldTypeInt64},
		},
	}

	err = z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = z.client.LoadCollection(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

// Insert writes chunks and flushes. Metadata must already be validated by the caller.
func (z *Client) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	n := len(chunks)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	sourceIDs := make([]string, n)
	titles := make([]string, n)
	categories := make([]string, n)
	priorities := make([]int64, n)
	urls := make([]string, n)
	excerpts := make([]string, n)
	flags := make([]string, n)
	dates := make([]int64, n)
	ingested := make([]int64, n)

	for i, c := range chunks {
		md := c.Metadata
		ids[i] = c.ID
		embeddings[i] = c.Embedding
		sourceIDs[i] = md.SourceID
		titles[i] = md.Title
		categories[i] = md.Category
		priorities[i] = int64(md.Priority)
		urls[i] = md.URL
		excerpts[i] = md.Excerpt
		flags[i] = md.ContentFlag
		dates[i] = unixOrZero(md.DocumentDate)
		ingested[i] = unixOrZero(md.IngestedAt)
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", ids),
		entity.NewColumnFloatVector("embedding", z.vectorDim, embeddings),
		entity.NewColumnVarChar("source_id", sourceIDs),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("category", categories),
		entity.NewColumnInt64("priority", priorities),
		entity.NewColumnVarChar("url", urls),
		entity.NewColumnVarChar("excerpt", excerpts),
		entity.NewColumnVarChar("content_flag", flags),
		entity.NewColumnInt64("document_date", dates),
		entity.NewColumnInt64("ingested_at", ingested),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = z.client.Flush(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB", zap.Int("count", n))

	return nil
}

// Search returns up to topK matches ordered by cosine similarity, highest first.
// Only the Must clauses of pred are sent to the index.
func (z *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, pred filter.Predicate) ([]models.CandidateMatch, error) {
	if topK <= 0 {
		topK = 8
	}
	if z.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, z.timeout)
		defer cancel()
	}

	expr := BuildExpr(pred)
	sp, err := entity.NewIndexIvfFlatSearchParam(z.nprobe)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid search params: %v", ErrUnavailable, err)
	}

	start := time.Now()
	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, classify(ctx, err)
	}

	results := make([]models.CandidateMatch, 0, topK)
	for _, sr := range searchResult {
		if sr.Err != nil {
			return nil, classify(ctx, sr.Err)
		}
		results = append(results, convert(sr)...)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	logger.Info("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
		zap.Duration("latency", time.Since(start)),
	)

	return results, nil
}

func convert(sr client.SearchResult) []models.CandidateMatch {
	col := func(name string) entity.Column { return sr.Fields.GetColumn(name) }
	out := make([]models.CandidateMatch, 0, sr.ResultCount)
	for i := 0; i < sr.ResultCount && i < len(sr.Scores); i++ {
		md := models.SourceMetadata{
			SourceID:     stringAt(col("source_id"), i),
			Title:        stringAt(col("title"), i),
			Category:     stringAt(col("category"), i),
			Priority:     int(int64At(col("priority"), i)),
			URL:          stringAt(col("url"), i),
			Excerpt:      stringAt(col("excerpt"), i),
			ContentFlag:  stringAt(col("content_flag"), i),
			DocumentDate: timeAt(col("document_date"), i),
			IngestedAt:   timeAt(col("ingested_at"), i),
		}
		out = append(out, models.CandidateMatch{
			ID:       stringAt(col("chunk_id"), i),
			Score:    float64(sr.Scores[i]),
			Metadata: md,
		})
	}
	return out
}

func stringAt(c entity.Column, i int) string {
	if c == nil {
		return ""
	}
	v, err := c.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func int64At(c entity.Column, i int) int64 {
	if c == nil {
		return 0
	}
	v, err := c.Get(i)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func timeAt(c entity.Column, i int) time.Time {
	sec := int64At(c, i)
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
