package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-assistant/backend/internal/vector/zilliz"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type fakeWriter struct {
	batches [][]zilliz.Chunk
}

func (f *fakeWriter) Insert(ctx context.Context, chunks []zilliz.Chunk) error {
	f.batches = append(f.batches, chunks)
	return nil
}

const chunkFile = `
{"chunk_id":"c1","source_id":"events-guide","title":"Events","category":"Events","url":"https://kb.example.org/events","text":"<p>Open the <b>calendar</b>.</p><script>x()</script>","document_date":"2024-03-01"}

{"source_id":"nifa-2023","text":"NIFA funding   overview","content_flag":"Archived","priority":2}
{"chunk_id":"c3","source_id":"","text":"orphan"}
{"chunk_id":"c4","source_id":"budget","text":"Budget rules","document_date":"soon"}
`

func TestReadRecords(t *testing.T) {
	records, err := ReadRecords(strings.NewReader(chunkFile))
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "events-guide", records[0].SourceID)
	assert.Equal(t, 2, records[1].Priority)

	_, err = ReadRecords(strings.NewReader("{\"chunk_id\":\"a\"}\n{broken"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestProcessBatchesAndMetadata(t *testing.T) {
	records, err := ReadRecords(strings.NewReader(chunkFile))
	require.NoError(t, err)

	emb := &fakeEmbedder{}
	w := &fakeWriter{}
	p := NewProcessor(emb, w, Config{BatchSize: 2})
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.Process(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, emb.calls)
	require.Len(t, w.batches, 2)
	require.Len(t, w.batches[0], 2)

	first := w.batches[0][0]
	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, "Open the calendar.", first.Metadata.Excerpt)
	assert.Equal(t, "events", first.Metadata.Category)
	assert.Equal(t, "production", first.Metadata.ContentFlag)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), first.Metadata.DocumentDate)
	assert.Equal(t, now, first.Metadata.IngestedAt)
	assert.Equal(t, []float32{float32(len("Open the calendar."))}, first.Embedding)

	second := w.batches[0][1]
	assert.Len(t, second.ID, 32)
	assert.Equal(t, "NIFA funding overview", second.Metadata.Excerpt)
	assert.Equal(t, "archived", second.Metadata.ContentFlag)

	last := w.batches[1][0]
	assert.Equal(t, "c4", last.ID)
	assert.True(t, last.Metadata.DocumentDate.IsZero())
}

func TestProcessEmbeddingFailure(t *testing.T) {
	w := &fakeWriter{}
	p := NewProcessor(&fakeEmbedder{err: errors.New("rate limited")}, w, Config{})

	n, err := p.Process(context.Background(), []Record{{SourceID: "a", Text: "text"}})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.batches)
}
