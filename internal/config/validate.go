package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// requiredFieldsByType lists the type-specific fields each backend kind
// must supply, validated beyond what struct tags can express since
// BackendConfig.TypeSpecific is an untyped map.
var requiredFieldsByType = map[string][]string{
	"managed":    {"endpoint"},
	"filesystem": {"path_template"},
	"objectstore": {"bucket", "key_prefix"},
	"search":     {"endpoint", "index_prefix"},
	"webhook":    {"url"},
}

// Validate runs struct-tag validation plus the semantic cross-reference
// checks that span multiple top-level sections (every backend named in
// routing exists in backends; every backend has its required fields).
// It returns a list of human-readable issues; an empty slice means valid.
func Validate(doc *Document) []string {
	var issues []string

	if err := structValidator.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	for name, backend := range doc.Backends {
		required, known := requiredFieldsByType[backend.Type]
		if !known {
			issues = append(issues, fmt.Sprintf("backends.%s: unknown type %q", name, backend.Type))
			continue
		}
		for _, field := range required {
			if !backend.HasField(field) {
				issues = append(issues, fmt.Sprintf("backends.%s: missing required field %q for type %q", name, field, backend.Type))
			}
		}
	}

	for selector, entries := range doc.Routing {
		for i, entry := range entries {
			if _, ok := doc.Backends[entry.Backend]; !ok {
				issues = append(issues, fmt.Sprintf("routing.%s[%d]: references undefined backend %q", selector, i, entry.Backend))
			}
			for _, kind := range entry.Filter.Kinds {
				if !validKind(kind) {
					issues = append(issues, fmt.Sprintf("routing.%s[%d]: unknown kind %q in filter", selector, i, kind))
				}
			}
		}
	}

	return issues
}

func validKind(k string) bool {
	switch k {
	case "event", "metric", "progress", "resource", "span", "heartbeat", "goodbye", "trace":
		return true
	}
	return false
}
