package classifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/spboyer/guardrail/internal/models"
)

const (
	DefaultOllamaModel  = "llama-guard3:1b"
	DefaultUnsafeMarker = "unsafe"
)

// OllamaArgs holds the arguments for creating an ollama classifier.
type OllamaArgs struct {
	// Host is the ollama base URL. Empty uses OLLAMA_HOST or the ollama
	// default.
	Host string `mapstructure:"host"`
	// Model is the guard model to chat with.
	Model string `mapstructure:"model"`
	// UnsafeMarker is the leading token the model emits for unsafe content.
	UnsafeMarker string `mapstructure:"unsafe_marker"`
	// Options are passed through to the model (temperature, seed, ...).
	Options map[string]any `mapstructure:"options"`

	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client `mapstructure:"-"`
}

type ollamaClassifier struct {
	client       *api.Client
	model        string
	unsafeMarker string
	options      map[string]any
}

// NewOllamaClassifier creates a classifier backed by an ollama chat model.
// The client is safe for concurrent use.
func NewOllamaClassifier(args OllamaArgs) (*ollamaClassifier, error) {
	var client *api.Client
	if args.Host == "" && args.HTTPClient == nil {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		client = c
	} else {
		base, err := url.Parse(args.Host)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid ollama host %q", args.Host)
		}
		httpClient := args.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(base, httpClient)
	}

	if args.Model == "" {
		args.Model = DefaultOllamaModel
	}
	if args.UnsafeMarker == "" {
		args.UnsafeMarker = DefaultUnsafeMarker
	}

	return &ollamaClassifier{
		client:       client,
		model:        args.Model,
		unsafeMarker: strings.ToLower(args.UnsafeMarker),
		options:      args.Options,
	}, nil
}

func (c *ollamaClassifier) Name() string { return "ollama:" + c.model }

func (c *ollamaClassifier) Classify(ctx context.Context, text string) (models.Verdict, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: []api.Message{{Role: "user", Content: text}},
		Stream:   &stream,
		Options:  c.options,
	}

	var out strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return models.Verdict{}, fmt.Errorf("ollama chat with %s: %w", c.model, err)
	}

	raw := out.String()
	isSafe, err := ParseGuardOutput(raw, c.unsafeMarker)
	if err != nil {
		return models.Verdict{Raw: raw}, err
	}
	return models.Verdict{IsSafe: isSafe, Raw: raw}, nil
}

// ParseGuardOutput reads llama-guard output: a first line of "safe", or a
// first line starting with the unsafe marker followed by the violated
// categories. Anything else is ErrAmbiguousVerdict.
func ParseGuardOutput(raw, unsafeMarker string) (bool, error) {
	if unsafeMarker == "" {
		unsafeMarker = DefaultUnsafeMarker
	}
	unsafeMarker = strings.ToLower(unsafeMarker)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		switch {
		case line == "safe":
			return true, nil
		case strings.HasPrefix(line, unsafeMarker):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %q", ErrAmbiguousVerdict, truncate(line, 80))
		}
	}
	return false, fmt.Errorf("%w: empty response", ErrAmbiguousVerdict)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
