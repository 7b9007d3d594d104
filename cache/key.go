package cache

import (
	"bytes"
	"encoding/json"
	"strings"
)

// KeyBuilder derives cache keys of the form [namespace:]METHOD:path[:query].
// The query part is JSON with lexicographically sorted keys, so two requests
// that differ only in parameter order share one key.
type KeyBuilder struct {
	Namespace     string
	StripPrefix   string
	IncludeMethod bool
	IncludeQuery  bool
}

// NewKeyBuilder returns a builder that includes both method and query.
func NewKeyBuilder(namespace, stripPrefix string) KeyBuilder {
	return KeyBuilder{
		Namespace:     namespace,
		StripPrefix:   stripPrefix,
		IncludeMethod: true,
		IncludeQuery:  true,
	}
}

// Build returns the key for a request. It has no side effects.
func (b KeyBuilder) Build(method, path string, query map[string]string) string {
	if b.StripPrefix != "" {
		path = strings.TrimPrefix(path, b.StripPrefix)
	}
	path = strings.Trim(path, "/")

	parts := make([]string, 0, 4)
	if b.Namespace != "" {
		parts = append(parts, b.Namespace)
	}
	if b.IncludeMethod {
		parts = append(parts, strings.ToUpper(method))
	}
	parts = append(parts, path)
	if b.IncludeQuery && len(query) > 0 {
		parts = append(parts, canonicalQuery(query))
	}
	return strings.Join(parts, ":")
}

// canonicalQuery serializes the map with sorted keys. encoding/json sorts map
// keys; HTML escaping is off so '&' and '<' survive as-is.
func canonicalQuery(query map[string]string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(query); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// FlattenQuery keeps the first value of each parameter.
func FlattenQuery(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}
