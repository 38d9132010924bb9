package condition

import (
	"strings"

	"github.com/pitabwire/escalate/model"
)

// Document path prefixes.
const (
	metadataPrefix = "metadata."
	contentPrefix  = "content."
)

// navigatePath walks a dot-separated path through nested maps. A key that
// literally contains dots wins over the nested walk.
func navigatePath(data map[string]any, path string) any {
	if data == nil || path == "" {
		return nil
	}
	if v, ok := data[path]; ok {
		return v
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// asMap accepts the map shapes produced by the JSON and YAML decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// documentValue resolves a DOCUMENT_FIELD path against a document.
//
//	metadata.<name>   metadata entry, falling back to the named attribute
//	content.<a>.<b>   walk of the structured content
//	<name>            direct document attribute
func documentValue(doc model.Document, path string) any {
	switch {
	case strings.HasPrefix(path, metadataPrefix):
		name := strings.TrimPrefix(path, metadataPrefix)
		if v := navigatePath(doc.Metadata, name); v != nil {
			return v
		}
		v, _ := doc.Attribute(name)
		return v
	case strings.HasPrefix(path, contentPrefix):
		return navigatePath(doc.Content, strings.TrimPrefix(path, contentPrefix))
	}
	v, _ := doc.Attribute(path)
	return v
}

// mergeContext overlays extra on base without modifying either.
func mergeContext(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
