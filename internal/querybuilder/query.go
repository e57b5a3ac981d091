// Package querybuilder implements the `?name?` placeholder template engine
// described by the event queue and work queue action templates: a SQL
// string with named placeholders is progressively bound to positional
// ($1, $2, ...) parameters, JSON objects are flattened into keyed binds,
// and whatever placeholders remain unbound at the end are rewritten to the
// literal SQL token NULL.
//
// The original implementation (a PostgreSQL C extension) repeatedly
// recompiled a regular expression and memmove'd the template string on
// every bind and every finalise match. This package instead does exactly
// one linear pass per operation: Bind does a single strings.Contains +
// strings.ReplaceAll, and Finalise does a single regexp.ReplaceAllString
// pass, so building a query from an N-placeholder template costs O(N)
// string rewrites rather than O(N) regex recompilations.
package querybuilder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// finalisePattern matches the grammar used by every `?name?` placeholder
// the worker can encounter: an optional OLD./NEW. prefix (case-sensitive,
// any punctuation as the separator — the original accepts any
// [:punct:] character, not just '.'), then an identifier of letters and
// underscores, both fenced by '?'.
var finalisePattern = regexp.MustCompile(`\?(?:(?:OLD|NEW)[[:punct:]])?[A-Za-z_]+\?`)

// Query pairs a SQL template string with the ordered positional-parameter
// list produced by binding it. Create one with New, call Bind/BindJSON any
// number of times, then call Finalise exactly once before execution.
//
// The zero value is not usable; construct with New.
type Query struct {
	template  string
	params    []any
	index     map[string]int // placeholder key -> 1-based positional index
	finalised bool
}

// New returns a Query wrapping template, with no bound parameters.
func New(template string) *Query {
	return &Query{
		template: template,
		index:    make(map[string]int),
	}
}

// Bind replaces every occurrence of the placeholder `?key?` in the
// template with `$N`, where N is the next positional index, and appends
// value to the positional parameter list. If the template contains no
// occurrence of `?key?`, Bind is a no-op: the parameter list is not
// extended and no positional index is consumed.
//
// Calling Bind twice with the same key is idempotent with respect to the
// template rewrite (the second call finds nothing left to replace and is a
// no-op), but note that spec semantics call for each *distinct* key to be
// bound exactly once per Query; callers that need to re-bind a key should
// construct a new Query.
//
// Bind panics if called after Finalise.
func (q *Query) Bind(key string, value any) {
	if q.finalised {
		panic("querybuilder: Bind called after Finalise")
	}

	placeholder := "?" + key + "?"
	if !strings.Contains(q.template, placeholder) {
		return
	}

	q.params = append(q.params, value)
	n := len(q.params)
	q.index[key] = n

	q.template = strings.ReplaceAll(q.template, placeholder, fmt.Sprintf("$%d", n))
}

// BindJSON flattens the top-level key/value pairs of jsonObj (which must
// decode to a JSON object) and calls Bind(keyPrefix+key, text) for each,
// where text is the value's textual form: a nested object or array is
// bound as its raw JSON text (the top-level walk does not recurse), a JSON
// string is bound as that string, and any other scalar is bound as its
// JSON text. A value whose text is exactly "null" or "NULL" is normalised
// to the Null sentinel so it binds as a SQL NULL.
//
// A nil or empty jsonObj is a no-op. BindJSON returns an error if jsonObj
// is non-empty and does not decode to a JSON object.
func (q *Query) BindJSON(jsonObj []byte, keyPrefix string) error {
	if len(jsonObj) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(jsonObj, &raw); err != nil {
		return fmt.Errorf("querybuilder: BindJSON: not a JSON object: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		text, isNull, err := scalarText(raw[key])
		if err != nil {
			return fmt.Errorf("querybuilder: BindJSON: key %q: %w", key, err)
		}
		if isNull {
			q.Bind(keyPrefix+key, Null)
			continue
		}
		q.Bind(keyPrefix+key, text)
	}
	return nil
}

// scalarText returns the textual form of a JSON value for binding, and
// whether that text should be normalised to the NULL sentinel.
//
// Objects and arrays are returned verbatim as their raw JSON text (BindJSON
// does not recurse into them). JSON strings are unquoted. Booleans and
// numbers are returned as their literal text. JSON null and the "null" and
// "NULL" string values are flagged for NULL normalisation per spec §4.3.
func scalarText(value json.RawMessage) (text string, isNull bool, err error) {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "null" {
		return "", true, nil
	}

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", false, fmt.Errorf("decode string: %w", err)
		}
		if isNullText(s) {
			return "", true, nil
		}
		return s, false, nil
	}

	// Object, array, number, or boolean: bind the raw JSON text unchanged.
	return trimmed, false, nil
}

// Finalise rewrites any remaining `?[OLD.|NEW.]name?` placeholder in the
// template to the literal token NULL, producing no new positional
// parameters. It must be called exactly once, after all Bind/BindJSON
// calls, and before Build.
func (q *Query) Finalise() {
	if q.finalised {
		return
	}
	q.template = finalisePattern.ReplaceAllString(q.template, "NULL")
	q.finalised = true
}

// Build returns the finalised template and its positional parameter list,
// ready to pass to a pgx Exec/Query call. Build panics if Finalise has not
// been called.
func (q *Query) Build() (string, []any) {
	if !q.finalised {
		panic("querybuilder: Build called before Finalise")
	}
	return q.template, q.params
}

// ParamCount returns the number of positional parameters bound so far.
func (q *Query) ParamCount() int {
	return len(q.params)
}
