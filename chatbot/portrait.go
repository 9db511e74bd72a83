package chatbot

import (
	"encoding/json"
	"strings"
)

// PortraitSchemaVersion is the current version of the structured portrait
// payload stored in WorldBookEntry.Content for user-linked entries.
const PortraitSchemaVersion = 1

// Portrait is a structured knowledge record about a single user: the names
// they go by, dedicated trigger words, and a free-text description. It is
// serialized as JSON into the content of a user-linked world book entry.
//
// Aliases and triggers are order-preserving sets: adding an existing value
// is a no-op, removing an absent value is a no-op.
type Portrait struct {
	SchemaVersion int      `json:"schema_version"`
	Aliases       []string `json:"aliases"`
	Triggers      []string `json:"triggers"`
	CoreContent   string   `json:"core_content"`
}

// NewPortrait returns an empty portrait at the current schema version.
func NewPortrait() Portrait {
	return Portrait{
		SchemaVersion: PortraitSchemaVersion,
		Aliases:       []string{},
		Triggers:      []string{},
	}
}

// ParsePortrait attempts to decode a world book entry's content as a
// structured portrait. It returns false for free-text content, invalid
// JSON, or JSON that lacks the schema_version sentinel. This is the single
// place content is classified as structured vs. unstructured - callers
// must not re-parse ad hoc.
func ParsePortrait(content string) (Portrait, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return Portrait{}, false
	}
	var p Portrait
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return Portrait{}, false
	}
	if p.SchemaVersion < 1 {
		return Portrait{}, false
	}
	if p.Aliases == nil {
		p.Aliases = []string{}
	}
	if p.Triggers == nil {
		p.Triggers = []string{}
	}
	return p, true
}

// Encode serializes the portrait for storage as world book entry content.
func (p Portrait) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PortraitEdits describes an incremental change to a portrait. A nil
// CoreContent leaves the existing description untouched; a non-nil value
// replaces it wholesale. Add/remove slices follow set semantics.
type PortraitEdits struct {
	CoreContent      *string
	AliasesToAdd     []string
	AliasesToRemove  []string
	TriggersToAdd    []string
	TriggersToRemove []string
}

// MergePortrait applies edits to an existing portrait and returns the
// result. It is pure: neither input is modified, and no I/O happens here.
// A nil existing portrait starts from an empty one.
//
// Merge order for the alias/trigger sets: existing values minus removals,
// in their original order, followed by additions in the given order,
// deduplicated on first occurrence.
func MergePortrait(existing *Portrait, edits PortraitEdits) Portrait {
	merged := NewPortrait()
	if existing != nil {
		merged.CoreContent = existing.CoreContent
		merged.Aliases = append(merged.Aliases, existing.Aliases...)
		merged.Triggers = append(merged.Triggers, existing.Triggers...)
	}

	if edits.CoreContent != nil {
		merged.CoreContent = *edits.CoreContent
	}
	merged.Aliases = mergeStringSet(merged.Aliases, edits.AliasesToAdd, edits.AliasesToRemove)
	merged.Triggers = mergeStringSet(merged.Triggers, edits.TriggersToAdd, edits.TriggersToRemove)

	return merged
}

// mergeStringSet computes (existing - remove) + add, preserving first-seen
// order and dropping duplicates and empty strings.
func mergeStringSet(existing, add, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, r := range remove {
		removed[r] = true
	}

	result := make([]string, 0, len(existing)+len(add))
	seen := make(map[string]bool, len(existing)+len(add))
	for _, lst := range [][]string{existing, add} {
		for _, v := range lst {
			if v == "" || removed[v] || seen[v] {
				continue
			}
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

// MergeKeywords applies the same add/remove set semantics to the flat,
// comma-separated keyword list stored on the enclosing world book entry.
// Keywords are trimmed; ordering follows the existing list, then additions.
func MergeKeywords(existing string, add, remove []string) string {
	current := SplitKeywords(existing)
	return strings.Join(mergeStringSet(current, trimAll(add), trimAll(remove)), ", ")
}

// SplitKeywords splits a comma-separated keyword list, trimming whitespace
// and dropping empty items.
func SplitKeywords(keywords string) []string {
	parts := strings.Split(keywords, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func trimAll(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		result = append(result, strings.TrimSpace(v))
	}
	return result
}
