package graph

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/stepcache/pkg/types"
)

//go:embed graph.schema.json
var specSchemaJSON string

var specSchema = jsonschema.MustCompileString("graph.schema.json", specSchemaJSON)

type stepDocument struct {
	InputType        string   `yaml:"input_type"`
	Requires         []string `yaml:"requires"`
	JobRunnerVersion int      `yaml:"job_runner_version"`
}

// LoadFile reads a YAML processing graph specification and builds the graph.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph spec: %w", err)
	}
	return Load(data)
}

// Load parses a YAML specification of the form
//
//	step_name:
//	  input_type: dataset|config|split
//	  requires: [other_step, ...]
//	  job_runner_version: 1
//
// Step indices follow declaration order so every process loading the same
// document ends up with the same graph.
func Load(data []byte) (*Graph, error) {
	specs, err := ParseSpecs(data)
	if err != nil {
		return nil, err
	}
	return New(specs)
}

// ParseSpecs validates the document against the embedded schema and returns
// the step specs in declaration order.
func ParseSpecs(data []byte) ([]StepSpec, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidSpec)
	}

	mapping := root.Content[0]
	specs := make([]StepSpec, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		name := mapping.Content[i].Value
		var doc stepDocument
		if err := mapping.Content[i+1].Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: step %q: %v", ErrInvalidSpec, name, err)
		}
		specs = append(specs, StepSpec{
			Name:             name,
			InputType:        types.InputType(doc.InputType),
			Requires:         doc.Requires,
			JobRunnerVersion: doc.JobRunnerVersion,
		})
	}
	return specs, nil
}

func validateDocument(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	// the schema validator expects JSON-decoded values
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	var jsonDoc interface{}
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := specSchema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}
