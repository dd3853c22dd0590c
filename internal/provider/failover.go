package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"replyguard/internal/domain"
)

// FailoverClassifier tries multiple classifiers in order, falling back to
// the next one when the current fails. A deadline hit on the caller's
// context stops the chain.
type FailoverClassifier struct {
	classifiers []domain.Classifier
	logger      *slog.Logger
}

// NewFailoverClassifier creates a failover chain. At least one classifier
// is required.
func NewFailoverClassifier(classifiers []domain.Classifier, logger *slog.Logger) *FailoverClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverClassifier{classifiers: classifiers, logger: logger}
}

func (fc *FailoverClassifier) Name() string {
	names := make([]string, len(fc.classifiers))
	for i, c := range fc.classifiers {
		names[i] = c.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fc *FailoverClassifier) Healthy(ctx context.Context) error {
	for _, c := range fc.classifiers {
		if err := c.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy classifier in failover chain")
}

// Classify returns the first successful result.
func (fc *FailoverClassifier) Classify(ctx context.Context, req domain.ClassifierRequest) (*domain.ClassifierResult, error) {
	if len(fc.classifiers) == 0 {
		return nil, errors.New("empty failover chain")
	}
	var lastErr error
	for i, c := range fc.classifiers {
		res, err := c.Classify(ctx, req)
		if err == nil {
			if i > 0 {
				fc.logger.Info("failover: used fallback classifier",
					"classifier", c.Name(),
					"attempt", i+1,
				)
			}
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("classifier %s: %w", c.Name(), err)
		}
		fc.logger.Warn("failover: classifier failed, trying next",
			"classifier", c.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all classifiers in failover chain failed: %w", lastErr)
}
