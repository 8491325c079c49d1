package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Refs is an ordered list of sibling subtask identities.
type Refs []string

// Contains reports whether ref is in the list.
func (r Refs) Contains(ref string) bool {
	return slices.Contains(r, ref)
}

// Validate rejects empty and duplicate entries.
func (r Refs) Validate() error {
	seen := make(map[string]bool, len(r))
	for _, ref := range r {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("%w: empty dependency reference", ErrInvalidDependency)
		}
		if seen[ref] {
			return fmt.Errorf("%w: duplicate dependency %q", ErrInvalidDependency, ref)
		}
		seen[ref] = true
	}
	return nil
}

// Encode serializes the list for storage.
func (r Refs) Encode() (string, error) {
	if r == nil {
		r = Refs{}
	}
	b, err := json.Marshal([]string(r))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseRefs decodes a stored list and validates it.
func ParseRefs(s string) (Refs, error) {
	if s == "" || s == "null" {
		return Refs{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%w: malformed dependency list: %v", ErrInvalidDependency, err)
	}
	refs := Refs(out)
	if err := refs.Validate(); err != nil {
		return nil, err
	}
	return refs, nil
}

// CapabilitySet is a normalized set of capability tags.
// Tags are trimmed, lower-cased, de-duplicated and kept sorted.
type CapabilitySet []string

// NewCapabilitySet normalizes the given tags.
func NewCapabilitySet(tags ...string) CapabilitySet {
	set := make(CapabilitySet, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		set = append(set, t)
	}
	sort.Strings(set)
	return set
}

// Has reports whether tag is in the set.
func (c CapabilitySet) Has(tag string) bool {
	_, ok := slices.BinarySearch(c, strings.ToLower(strings.TrimSpace(tag)))
	return ok
}

// Covers reports whether c is a superset of required.
// This is the only capability matching rule in the engine.
func (c CapabilitySet) Covers(required CapabilitySet) bool {
	for _, tag := range required {
		if !c.Has(tag) {
			return false
		}
	}
	return true
}

// Missing lists the required tags not present in c.
func (c CapabilitySet) Missing(required CapabilitySet) []string {
	var missing []string
	for _, tag := range required {
		if !c.Has(tag) {
			missing = append(missing, tag)
		}
	}
	return missing
}

func (c CapabilitySet) String() string {
	return strings.Join(c, ",")
}

// UnmarshalJSON normalizes on decode so stored and wire values stay canonical.
func (c *CapabilitySet) UnmarshalJSON(b []byte) error {
	var tags []string
	if err := json.Unmarshal(b, &tags); err != nil {
		return err
	}
	*c = NewCapabilitySet(tags...)
	return nil
}

// UnmarshalYAML normalizes tags read from YAML plan and config files.
func (c *CapabilitySet) UnmarshalYAML(unmarshal func(any) error) error {
	var tags []string
	if err := unmarshal(&tags); err != nil {
		return err
	}
	*c = NewCapabilitySet(tags...)
	return nil
}
