package classifier

import (
	"context"
	"errors"
	"strings"

	"github.com/spboyer/guardrail/internal/models"
)

// KeywordArgs holds the arguments for creating a keyword classifier.
type KeywordArgs struct {
	// UnsafeKeywords marks contents unsafe when any of them appears
	// (case-insensitive).
	UnsafeKeywords []string `mapstructure:"unsafe_keywords"`
}

type keywordClassifier struct {
	unsafeKeywords []string
}

// NewKeywordClassifier creates a [keywordClassifier]. It needs no network and
// is meant for local development chains.
func NewKeywordClassifier(args KeywordArgs) (*keywordClassifier, error) {
	var keywords []string
	for _, k := range args.UnsafeKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		return nil, errors.New("keyword classifier requires at least one unsafe keyword")
	}
	return &keywordClassifier{unsafeKeywords: keywords}, nil
}

func (kc *keywordClassifier) Name() string { return "keyword" }

func (kc *keywordClassifier) Classify(ctx context.Context, text string) (models.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return models.Verdict{}, err
	}

	lower := strings.ToLower(text)
	for _, k := range kc.unsafeKeywords {
		if strings.Contains(lower, k) {
			return models.Verdict{IsSafe: false, Raw: "unsafe: " + k}, nil
		}
	}
	return models.Verdict{IsSafe: true, Raw: "safe"}, nil
}
