package projection

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/eventide/internal/event"
)

// Query selects the events of a projection stream.
//
// StreamID must be stable across processes: it names the projection index in
// the store. Match must be a pure function of the event.
type Query interface {
	StreamID() string
	Match(e event.Persisted) bool
}

// All matches every event in the log.
func All() Query {
	return allQuery{}
}

// Stream matches the events of one stream, compared case-insensitively.
func Stream(streamID string) Query {
	return streamQuery{key: event.StreamKey(streamID)}
}

// Category matches every stream whose category is name.
// Panics if name contains '-', since no category can.
func Category(name string) Query {
	if strings.Contains(name, "-") {
		panic(fmt.Sprintf("category %q contains '-'", name))
	}
	return categoryQuery{key: event.StreamKey(name)}
}

// EventTypes matches events whose type is one of types. Empty types are
// ignored.
func EventTypes(types ...string) Query {
	sorted := slices.DeleteFunc(slices.Clone(types), func(t string) bool { return t == "" })
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return typesQuery{types: sorted}
}

// ParseQuery reads the textual form of a query:
//
//	all
//	stream:<stream id>
//	category:<category>
//	types:<type>[,<type>...]
func ParseQuery(s string) (Query, error) {
	if strings.TrimSpace(s) == "all" {
		return All(), nil
	}

	kind, arg, ok := strings.Cut(s, ":")
	arg = strings.TrimSpace(arg)
	if !ok || arg == "" {
		return nil, fmt.Errorf("parse query %q: want all, stream:<id>, category:<name> or types:<a,b>", s)
	}

	switch strings.TrimSpace(kind) {
	case "stream":
		return Stream(arg), nil
	case "category":
		if strings.Contains(arg, "-") {
			return nil, fmt.Errorf("parse query %q: category must not contain '-'", s)
		}
		return Category(arg), nil
	case "types":
		var types []string
		for _, t := range strings.Split(arg, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		if len(types) == 0 {
			return nil, fmt.Errorf("parse query %q: no event types", s)
		}
		return EventTypes(types...), nil
	}
	return nil, fmt.Errorf("parse query %q: unknown kind %q", s, kind)
}

type allQuery struct{}

func (allQuery) StreamID() string { return "$all" }

func (allQuery) Match(event.Persisted) bool { return true }

type streamQuery struct {
	key string
}

func (q streamQuery) StreamID() string { return "$stream-" + q.key }

func (q streamQuery) Match(e event.Persisted) bool {
	return event.StreamKey(e.StreamID) == q.key
}

type categoryQuery struct {
	key string
}

func (q categoryQuery) StreamID() string { return "$ce-" + q.key }

func (q categoryQuery) Match(e event.Persisted) bool {
	return event.StreamKey(event.Category(e.StreamID)) == q.key
}

type typesQuery struct {
	types []string
}

var typeEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`)

// StreamID joins the sorted types with ','. Backslashes and commas inside a
// type are escaped so distinct type sets never share an id.
func (q typesQuery) StreamID() string {
	escaped := make([]string, len(q.types))
	for i, t := range q.types {
		escaped[i] = typeEscaper.Replace(t)
	}
	return "$et-" + strings.Join(escaped, ",")
}

func (q typesQuery) Match(e event.Persisted) bool {
	_, found := slices.BinarySearch(q.types, e.EventType)
	return found
}
