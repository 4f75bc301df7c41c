// Package routingkey builds and parses dot-separated AMQP routing keys
// against structured field references.
//
// A reference describes each segment of a routing key in order: a segment
// is either a constant, a single word, or the one segment that may span
// multiple dot-separated words. Build produces a binding pattern from a
// reference and a set of named values; Parse maps an observed routing key
// back onto the reference's field names.
package routingkey

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMultipleMultiWord is returned when a reference contains more than
	// one multi-word field. Such a reference is ambiguous: segments between
	// the two fields could not be attributed to either one.
	ErrMultipleMultiWord = errors.New("routingkey: reference contains more than one multi-word field")
)

// Field describes one segment of a routing key.
type Field struct {
	// Name identifies the segment in parsed results and in the value set
	// given to Build.
	Name string `json:"name"`

	// MultipleWords marks the segment that may contain dots. At most one
	// field in a reference may set it.
	MultipleWords bool `json:"multipleWords,omitempty"`

	// Constant, when non-empty, fixes the segment to a literal value.
	Constant string `json:"constant,omitempty"`
}

// Reference is an ordered sequence of fields describing a routing key.
type Reference []Field

// Validate checks that the reference can be parsed unambiguously.
func (r Reference) Validate() error {
	multi := false
	for _, f := range r {
		if f.Name == "" {
			return fmt.Errorf("routingkey: field without a name")
		}
		if f.MultipleWords {
			if multi {
				return ErrMultipleMultiWord
			}
			multi = true
		}
	}
	return nil
}

// Build constructs a binding pattern from the reference and the supplied
// values. For each field, the constant wins if set; otherwise the value for
// the field's name is used; otherwise the segment becomes a wildcard: "#"
// for a multi-word field, "*" for a single word. A supplied value may only
// contain a dot if the field is multi-word.
func Build(ref Reference, values map[string]string) (string, error) {
	words := make([]string, 0, len(ref))

	for _, f := range ref {
		switch {
		case f.Constant != "":
			words = append(words, f.Constant)

		case hasValue(values, f.Name):
			v := values[f.Name]
			if !f.MultipleWords && strings.Contains(v, ".") {
				return "", fmt.Errorf("routingkey: value %q for single-word field %q contains a dot", v, f.Name)
			}
			words = append(words, v)

		case f.MultipleWords:
			words = append(words, "#")

		default:
			words = append(words, "*")
		}
	}

	return strings.Join(words, "."), nil
}

// Parse maps a routing key onto the reference's field names. Single-word
// fields consume one segment each, walking from the front and from the back
// of the key; everything left in the middle, rejoined with dots, is
// assigned to the multi-word field.
func Parse(ref Reference, key string) (map[string]string, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	multi := -1
	for i, f := range ref {
		if f.MultipleWords {
			multi = i
		}
	}

	segments := strings.Split(key, ".")
	parsed := make(map[string]string, len(ref))

	if multi < 0 {
		if len(segments) != len(ref) {
			return nil, fmt.Errorf("routingkey: key %q has %d segments, reference expects %d", key, len(segments), len(ref))
		}
		for i, f := range ref {
			parsed[f.Name] = segments[i]
		}
		return parsed, nil
	}

	// One segment per single-word field, plus possibly none for the "#".
	tail := len(ref) - multi - 1
	if len(segments) < multi+tail {
		return nil, fmt.Errorf("routingkey: key %q has %d segments, reference expects at least %d", key, len(segments), multi+tail)
	}

	for i := 0; i < multi; i++ {
		parsed[ref[i].Name] = segments[i]
	}
	for j := 0; j < tail; j++ {
		parsed[ref[len(ref)-1-j].Name] = segments[len(segments)-1-j]
	}
	parsed[ref[multi].Name] = strings.Join(segments[multi:len(segments)-tail], ".")

	return parsed, nil
}

func hasValue(values map[string]string, name string) bool {
	_, ok := values[name]
	return ok
}
