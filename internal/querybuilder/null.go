package querybuilder

// nullSentinel is a distinguished value that, when passed to Bind or
// produced by BindJSON's "null"/"NULL" normalisation, is bound as a SQL
// NULL rather than as the four-character string "NULL".
//
// pgx encodes a nil pointer as SQL NULL, so the sentinel is a nil *string;
// Null is exported so callers can write
// q.Bind("uid", querybuilder.Null) instead of a bare nil, which reads as
// accidental at call sites.
var Null = (*string)(nil)

// IsNull reports whether v is the NULL sentinel.
func IsNull(v any) bool {
	p, ok := v.(*string)
	return ok && p == nil
}

// isNullText reports whether s is the literal (case-sensitive, per spec
// §4.3) text "null" or "NULL" as found in a JSON-encoded scalar value.
func isNullText(s string) bool {
	return s == "null" || s == "NULL"
}
