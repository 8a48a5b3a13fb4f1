package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/feedback"
	"github.com/kb-assistant/backend/internal/preprocess"
	"github.com/kb-assistant/backend/pkg/logger"
)

const (
	JobCacheCleanup = "cache_cleanup"
	JobFeedback     = "feedback_analysis"
	JobAcronyms     = "acronym_reload"
)

type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type Analyzer interface {
	Run(ctx context.Context) (feedback.Result, error)
}

type Reloader interface {
	Reload(ctx context.Context) error
}

type DictionarySetter interface {
	SetDictionary(d *preprocess.Dictionary)
}

// CleanupJob deactivates cache entries past their expiry.
func CleanupJob(cleaner ExpiredCleaner, interval time.Duration) Job {
	return Job{
		Name:     JobCacheCleanup,
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := cleaner.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("Deactivated expired cache entries", zap.Int64("count", n))
			}
			return nil
		},
	}
}

// FeedbackJob recomputes source scores and query patterns, then publishes a
// fresh snapshot. A nil analyzer only refreshes the snapshot.
func FeedbackJob(analyzer Analyzer, store Reloader, interval time.Duration) Job {
	return Job{
		Name:     JobFeedback,
		Interval: interval,
		Run: func(ctx context.Context) error {
			if analyzer != nil {
				if _, err := analyzer.Run(ctx); err != nil {
					return err
				}
			}
			return store.Reload(ctx)
		},
	}
}

// AcronymJob rebuilds the acronym dictionary from the durable store.
func AcronymJob(src preprocess.AcronymSource, target DictionarySetter, interval time.Duration) Job {
	return Job{
		Name:     JobAcronyms,
		Interval: interval,
		Run: func(ctx context.Context) error {
			dict, err := preprocess.LoadDictionary(ctx, src)
			if err != nil {
				return err
			}
			target.SetDictionary(dict)
			return nil
		},
	}
}
