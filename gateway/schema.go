package gateway

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaSet holds compiled response schemas keyed by resource path.
type schemaSet map[string]*jsonschema.Schema

func compileSchemas(docs map[string]string) (schemaSet, error) {
	set := make(schemaSet, len(docs))
	if len(docs) == 0 {
		return set, nil
	}

	resources := make([]string, 0, len(docs))
	for r := range docs {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	compiler := jsonschema.NewCompiler()
	for i, resource := range resources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(docs[resource]))
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", resource, err)
		}
		url := fmt.Sprintf("https://livesite.local/schemas/%d.json", i)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", resource, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", resource, err)
		}
		set[resource] = schema
	}
	return set, nil
}

// validate checks data against the schema registered for resource, if any.
func (s schemaSet) validate(resource string, data []byte) error {
	schema, ok := s[resourcePath(resource)]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
