package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

//go:embed fixtures/demo.jsonc
var demoFixtures []byte

// FallbackSource answers requests locally while the gateway is in
// fallback mode. Results must be well-formed JSON.
type FallbackSource interface {
	Serve(ctx context.Context, method, resource string, body []byte) (json.RawMessage, error)
}

// FixtureSource serves canned JSON keyed by resource path. Reads return
// the fixture with the longest matching key, or {} when none matches.
// Writes echo the submitted object marked with "demo": true.
type FixtureSource struct {
	fixtures map[string]json.RawMessage
	keys     []string
}

// LoadFixtures parses a JSONC document mapping resource paths to values.
func LoadFixtures(data []byte) (*FixtureSource, error) {
	var fixtures map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &fixtures); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	keys := make([]string, 0, len(fixtures))
	for k := range fixtures {
		keys = append(keys, k)
	}
	// Longest first so prefix lookups pick the most specific key.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	return &FixtureSource{fixtures: fixtures, keys: keys}, nil
}

// LoadFixtureFile reads fixtures from a JSONC file.
func LoadFixtureFile(path string) (*FixtureSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return LoadFixtures(data)
}

// DefaultFixtures returns the embedded demo data.
func DefaultFixtures() *FixtureSource {
	fs, err := LoadFixtures(demoFixtures)
	if err != nil {
		panic("gateway: embedded fixtures are invalid: " + err.Error())
	}
	return fs
}

// Serve implements FallbackSource.
func (fs *FixtureSource) Serve(ctx context.Context, method, resource string, body []byte) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodHead {
		return echoDemo(body), nil
	}
	if v, ok := fs.Lookup(resource); ok {
		return v, nil
	}
	return json.RawMessage(`{}`), nil
}

// Lookup returns the fixture for resource: an exact key, else the longest
// key that is a path prefix of resource.
func (fs *FixtureSource) Lookup(resource string) (json.RawMessage, bool) {
	path := resourcePath(resource)
	if v, ok := fs.fixtures[path]; ok {
		return v, true
	}
	for _, k := range fs.keys {
		if strings.HasSuffix(k, "/") && strings.HasPrefix(path, k) {
			return fs.fixtures[k], true
		}
		if strings.HasPrefix(path, k+"/") {
			return fs.fixtures[k], true
		}
	}
	return nil, false
}

func echoDemo(body []byte) json.RawMessage {
	obj := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
			obj = map[string]any{}
		}
	}
	obj["demo"] = true
	data, err := json.Marshal(obj)
	if err != nil {
		return json.RawMessage(`{"demo":true}`)
	}
	return data
}

func resourcePath(resource string) string {
	if i := strings.IndexAny(resource, "?#"); i >= 0 {
		return resource[:i]
	}
	return resource
}
