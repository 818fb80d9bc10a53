package llm

import (
	"strings"

	"github.com/strandapp/strand/internal/config"
)

// ComposeRequest merges model defaults, per-model header/body overrides, and
// caller overrides into one canonical Request. Inputs are never mutated.
//
// Header merge is by name: later entries win, blank names are dropped. Body
// overrides are deep-merged in order via MergeCustomBody.
func ComposeRequest(model config.Model, base Request, headers []config.CustomHeader, bodies []config.CustomBody) Request {
	req := base
	req.Model = model.ID

	req.Headers = MergeHeaders(model.Headers, headers)

	extra := map[string]any{}
	for _, b := range mergedBodies(model.Bodies, bodies) {
		extra = MergeCustomBody(extra, map[string]any{b.Key: b.Value})
	}
	if len(extra) > 0 {
		req.BodyExtra = extra
	}

	return req
}

// MergeHeaders resolves header overrides by name. Later lists win over
// earlier ones, later entries within a list win over earlier entries, and
// entries with a blank name are ignored. Order of first appearance is
// preserved.
func MergeHeaders(lists ...[]config.CustomHeader) []Header {
	index := make(map[string]int)
	var out []Header
	for _, list := range lists {
		for _, h := range list {
			name := strings.TrimSpace(h.Name)
			if name == "" {
				continue
			}
			if i, ok := index[name]; ok {
				out[i].Value = h.Value
				continue
			}
			index[name] = len(out)
			out = append(out, Header{Name: name, Value: h.Value})
		}
	}
	return out
}

func mergedBodies(lists ...[]config.CustomBody) []config.CustomBody {
	var out []config.CustomBody
	for _, list := range lists {
		for _, b := range list {
			if strings.TrimSpace(b.Key) == "" {
				continue
			}
			out = append(out, b)
		}
	}
	return out
}

// MergeCustomBody deep-merges override into base and returns a new map.
// When both sides hold a JSON object at the same key their fields merge
// recursively with override winning on conflicts at any depth; any other
// override value fully replaces the base value. Neither input is mutated.
func MergeCustomBody(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = copyJSONValue(v)
	}
	for k, v := range override {
		bv, ok := out[k]
		bm, bIsMap := bv.(map[string]any)
		om, oIsMap := v.(map[string]any)
		if ok && bIsMap && oIsMap {
			out[k] = MergeCustomBody(bm, om)
			continue
		}
		out[k] = copyJSONValue(v)
	}
	return out
}

func copyJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyJSONValue(item)
		}
		return out
	default:
		return v
	}
}
