package classifier

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spboyer/guardrail/internal/models"
)

// failOpen returns a safe verdict whenever the inner classifier errors.
// Only wired in when classifier.fail_open is set, and every use is logged.
type failOpen struct {
	inner  Classifier
	logger *slog.Logger
}

// FailOpen wraps inner so that classifier failures become safe verdicts.
// Cancellation of ctx is still returned as an error; a deadline is not.
func FailOpen(inner Classifier, logger *slog.Logger) Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &failOpen{inner: inner, logger: logger}
}

func (f *failOpen) Name() string { return f.inner.Name() + "+fail-open" }

func (f *failOpen) Classify(ctx context.Context, text string) (models.Verdict, error) {
	v, err := f.inner.Classify(ctx, text)
	if err == nil {
		return v, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return models.Verdict{}, ctx.Err()
	}

	f.logger.Warn("classifier failed; failing open by configuration",
		"classifier", f.inner.Name(), "error", err)
	return models.Verdict{IsSafe: true, Raw: v.Raw, FailedOpen: true}, nil
}
