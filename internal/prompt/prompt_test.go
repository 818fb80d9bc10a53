package prompt

import (
	"strings"
	"testing"
)

func TestRenderSubstitutes(t *testing.T) {
	tpl := Template("Hello {{name}}, you have {{count}} messages.")
	got := tpl.Render(map[string]string{"name": "Ada", "count": "3"})
	if got != "Hello Ada, you have 3 messages." {
		t.Errorf("rendered = %q", got)
	}
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	tpl := Template("{{known}} and {{unknown}}")
	got := tpl.Render(map[string]string{"known": "yes"})
	if got != "yes and {{unknown}}" {
		t.Errorf("rendered = %q", got)
	}
}

func TestRenderNilVars(t *testing.T) {
	tpl := Template("static text")
	if got := tpl.Render(nil); got != "static text" {
		t.Errorf("rendered = %q", got)
	}
}

func TestBuiltinTemplatesHavePlaceholders(t *testing.T) {
	for name, tpl := range map[string]Template{
		"summary":     Summary,
		"title":       Title,
		"suggestions": Suggestions,
	} {
		if !strings.Contains(string(tpl), "{{content}}") {
			t.Errorf("%s template lacks a content placeholder", name)
		}
	}
	if !strings.Contains(string(Summary), "{{target_tokens}}") {
		t.Error("summary template lacks a target size placeholder")
	}
}
