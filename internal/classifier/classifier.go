// Package classifier turns task contents into a structured safety verdict.
// Parsing of model text output stays inside the adapters.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spboyer/guardrail/internal/models"
)

type Type string

const (
	// TypeOllama chats with a llama-guard style model served by ollama.
	TypeOllama Type = "ollama"

	// TypeKeyword matches a static list of unsafe keywords locally.
	TypeKeyword Type = "keyword"
)

// ErrAmbiguousVerdict is returned when the classifier answered but the
// answer is neither safe nor unsafe. It must never be mapped to a verdict.
var ErrAmbiguousVerdict = errors.New("classifier returned an ambiguous verdict")

// Classifier evaluates task contents.
type Classifier interface {
	// Name identifies the classifier in logs.
	Name() string

	Classify(ctx context.Context, text string) (models.Verdict, error)
}

// Create builds a classifier from its configured type and params.
func Create(classifierType Type, params map[string]any) (Classifier, error) {
	switch classifierType {
	case TypeOllama:
		var v OllamaArgs
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		return NewOllamaClassifier(v)
	case TypeKeyword:
		var v KeywordArgs
		if err := decodeParams(params, &v); err != nil {
			return nil, err
		}
		return NewKeywordClassifier(v)
	default:
		return nil, fmt.Errorf("unknown classifier type %q", classifierType)
	}
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid classifier params: %w", err)
	}
	return nil
}
