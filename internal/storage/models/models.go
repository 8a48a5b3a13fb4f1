package models

import "time"

// SourceMetadata is the fixed metadata record stored with every indexed chunk.
type SourceMetadata struct {
	SourceID     string    `json:"source_id"`
	Title        string    `json:"title,omitempty"`
	Category     string    `json:"category,omitempty"`
	Priority     int       `json:"priority"`
	URL          string    `json:"url,omitempty"`
	Excerpt      string    `json:"excerpt,omitempty"`
	ContentFlag  string    `json:"content_flag,omitempty"`
	DocumentDate time.Time `json:"document_date,omitempty"`
	IngestedAt   time.Time `json:"ingested_at,omitempty"`
}

// CandidateMatch is a single vector search hit. Score is the raw cosine similarity.
type CandidateMatch struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata SourceMetadata `json:"metadata"`
}

// Query is built once per request and is not mutated after it reaches search.
type Query struct {
	Raw        string
	SessionID  string
	Standalone string
	Expanded   string
	Rewritten  bool
	Acronyms   []string
}

type SourceScore struct {
	SourceID          string
	Helpful           int
	NotHelpful        int
	HelpfulWithIssues int
	Score             float64
	IssueTypes        map[string]int
	UpdatedAt         time.Time
}

func (s SourceScore) Total() int {
	return s.Helpful + s.NotHelpful + s.HelpfulWithIssues
}

type QueryPattern struct {
	ID        int
	Signature string
	SourceIDs []string
	Support   int
	UpdatedAt time.Time
}

// CachedSource is a source as persisted with a cached answer, URL already resolved.
type CachedSource struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

type CacheEntry struct {
	ID                 string
	NormalizedQuestion string
	QuestionHash       string
	OriginalQuestion   string
	Response           string
	Sources            []CachedSource
	Confidence         float64
	RetrievalQuality   float64
	Variations         []string
	UsageCount         int
	HelpfulCount       int
	NotHelpfulCount    int
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
	Active             bool
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type CacheHit struct {
	ID        int
	EntryID   string
	Tier      string
	LatencyMS int
	CreatedAt time.Time
}

type Acronym struct {
	Acronym   string `yaml:"acronym"`
	Expansion string `yaml:"expansion"`
}

type ConversationTurn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	SourceIDs []string  `json:"source_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type QueryRecord struct {
	ID              string
	SessionID       string
	QueryText       string
	StandaloneQuery string
	Response        string
	Cached          bool
	CacheTier       string
	CacheEntryID    string
	Confidence      float64
	CandidateCount  int
	ArbiterUsed     bool
	LatencyMS       int
	CreatedAt       time.Time
}

type QuerySource struct {
	ID       int
	QueryID  string
	SourceID string
	URL      string
	Score    float64
}

type Rating string

const (
	RatingHelpful           Rating = "helpful"
	RatingNotHelpful        Rating = "not_helpful"
	RatingHelpfulWithIssues Rating = "helpful_with_issues"
)

func (r Rating) Valid() bool {
	switch r {
	case RatingHelpful, RatingNotHelpful, RatingHelpfulWithIssues:
		return true
	}
	return false
}

type Feedback struct {
	ID        int
	QueryID   string
	Rating    Rating
	IssueType string
	Comment   string
	CreatedAt time.Time
}

// SourceFeedback is one feedback row attributed to one source of the rated answer.
type SourceFeedback struct {
	SourceID  string
	QueryText string
	Rating    Rating
	IssueType string
}
