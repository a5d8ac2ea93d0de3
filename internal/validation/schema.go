// Package validation checks guardrail.yaml against its JSON Schema.
package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchemaJSON []byte

const configSchemaName = "guardrail.schema.json"

var printer = message.NewPrinter(language.English)

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configSchemaName, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(configSchemaName, doc); err != nil {
		return nil, fmt.Errorf("adding %s: %w", configSchemaName, err)
	}
	return c.Compile(configSchemaName)
})

// Problem is a single schema violation. Location is a JSON pointer into the
// document, "/" for the root.
type Problem struct {
	Location string
	Message  string
}

func (p Problem) String() string {
	return p.Location + ": " + p.Message
}

// Problems is the list of violations found in one document, ordered by
// location. It is returned as an error.
type Problems []Problem

func (ps Problems) Error() string {
	lines := make([]string, len(ps))
	for i, p := range ps {
		lines[i] = p.String()
	}
	return strings.Join(lines, "\n")
}

// ValidateConfig checks a YAML document against the configuration schema. It
// returns nil for a valid (or empty) document and Problems otherwise.
func ValidateConfig(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Problems{{Location: "/", Message: fmt.Sprintf("YAML parse error: %v", err)}}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	err = schema.Validate(normalize(doc))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("validating configuration: %w", err)
	}

	var ps Problems
	leaves(ve, func(v *jsonschema.ValidationError) {
		ps = append(ps, Problem{
			Location: "/" + strings.Join(v.InstanceLocation, "/"),
			Message:  v.ErrorKind.LocalizedString(printer),
		})
	})
	slices.SortStableFunc(ps, func(a, b Problem) int { return strings.Compare(a.Location, b.Location) })
	return ps
}

func leaves(ve *jsonschema.ValidationError, visit func(*jsonschema.ValidationError)) {
	if len(ve.Causes) == 0 {
		visit(ve)
		return
	}
	for _, c := range ve.Causes {
		leaves(c, visit)
	}
}

// normalize turns a yaml.v3 document into the types the validator expects:
// map keys become strings and integers become json.Number.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	case int:
		return json.Number(fmt.Sprint(val))
	case uint64:
		return json.Number(fmt.Sprint(val))
	default:
		return val
	}
}
