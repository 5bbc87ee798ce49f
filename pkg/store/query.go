package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/plaenen/evstore/pkg/domain"
)

// Query is an adapter-specific selection of events. UniqueID is a
// deterministic digest: queries selecting the same logical subset return
// the same id. It is used only to derive cache keys.
type Query interface {
	UniqueID() string
}

// Selector is the query understood by every bundled adapter: a set of
// event types plus equality filters on payload fields.
// Selectors are immutable; Where returns a copy.
type Selector struct {
	types   []domain.EventType
	filters []FieldFilter
	err     error
}

// FieldFilter matches a payload field against a JSON scalar.
type FieldFilter struct {
	// Path holds the object keys leading to the field.
	Path []string

	// Value is the JSON encoding of the expected scalar.
	Value json.RawMessage
}

// ByType selects all events of the given types.
func ByType(types ...domain.EventType) Selector {
	s := Selector{}
	seen := make(map[domain.EventType]bool, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		s.types = append(s.types, t)
	}
	sort.Slice(s.types, func(i, j int) bool {
		return s.types[i].RoutingKey() < s.types[j].RoutingKey()
	})
	return s
}

// Where narrows the selection to payloads whose field at path (dot
// separated object keys) equals value. Value must be a JSON scalar.
func (s Selector) Where(path string, value any) Selector {
	out := Selector{
		types:   s.types,
		filters: append([]FieldFilter(nil), s.filters...),
		err:     s.err,
	}

	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			out.err = errors.Join(out.err, fmt.Errorf("invalid field path %q", path))
			return out
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		out.err = errors.Join(out.err, fmt.Errorf("failed to encode value for %q: %w", path, err))
		return out
	}
	if len(encoded) > 0 && (encoded[0] == '{' || encoded[0] == '[') {
		out.err = errors.Join(out.err, fmt.Errorf("value for %q is not a scalar", path))
		return out
	}

	out.filters = append(out.filters, FieldFilter{Path: segments, Value: encoded})
	sort.SliceStable(out.filters, func(i, j int) bool {
		return strings.Join(out.filters[i].Path, ".") < strings.Join(out.filters[j].Path, ".")
	})
	return out
}

// Types returns the selected event types, sorted.
func (s Selector) Types() []domain.EventType {
	return append([]domain.EventType(nil), s.types...)
}

// Filters returns the field filters, sorted by path.
func (s Selector) Filters() []FieldFilter {
	return append([]FieldFilter(nil), s.filters...)
}

// Validate reports construction errors and empty type sets.
func (s Selector) Validate() error {
	if s.err != nil {
		return s.err
	}
	if len(s.types) == 0 {
		return errors.New("selector has no event types")
	}
	for _, t := range s.types {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String returns the canonical text form the unique id is computed from.
func (s Selector) String() string {
	var b strings.Builder
	b.WriteString("types=")
	for i, t := range s.types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(t.RoutingKey())
	}
	for _, f := range s.filters {
		b.WriteString(";")
		pathJSON, _ := json.Marshal(f.Path)
		b.Write(pathJSON)
		b.WriteByte('=')
		b.Write(f.Value)
	}
	return b.String()
}

// UniqueID implements Query.
func (s Selector) UniqueID() string {
	sum := sha256.Sum256([]byte(s.String()))
	return hex.EncodeToString(sum[:])
}

// Matches evaluates the selector against an envelope in memory.
func (s Selector) Matches(env domain.RawEnvelope) bool {
	typeOK := false
	for _, t := range s.types {
		if t == env.Type {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}

	for _, f := range s.filters {
		res := gjson.GetBytes(env.Data, gjsonPath(f.Path))
		if !res.Exists() {
			return false
		}
		var want any
		if err := json.Unmarshal(f.Value, &want); err != nil {
			return false
		}
		if !reflect.DeepEqual(res.Value(), want) {
			return false
		}
	}
	return true
}

// AsSelector extracts a Selector from q or returns domain.ErrUnsupportedQuery.
func AsSelector(q Query) (Selector, error) {
	var s Selector
	switch v := q.(type) {
	case Selector:
		s = v
	case *Selector:
		if v == nil {
			return Selector{}, fmt.Errorf("%w: nil selector", domain.ErrUnsupportedQuery)
		}
		s = *v
	default:
		return Selector{}, fmt.Errorf("%w: %T", domain.ErrUnsupportedQuery, q)
	}
	if err := s.Validate(); err != nil {
		return Selector{}, err
	}
	return s, nil
}

func gjsonPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		var b strings.Builder
		for _, r := range seg {
			switch r {
			case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		escaped[i] = b.String()
	}
	return strings.Join(escaped, ".")
}
