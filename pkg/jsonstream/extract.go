// Package jsonstream extracts complete top-level JSON arrays from a
// character stream that may deliver arrays back to back, split at arbitrary
// byte boundaries, with garbage in between.
//
// The extractor only balances brackets. It does not validate JSON; a
// balanced but malformed array is still returned and fails later at parse
// time. Brackets inside string literals are ignored, and a backslash inside a
// string escapes exactly the next character.
package jsonstream

// Extract scans buffer and returns every complete top-level array in order,
// plus the unconsumed remainder. The remainder starts at the `[` of an
// incomplete array when one is pending, otherwise it is everything after the
// last complete array (possibly garbage or empty).
//
// Feeding the remainder back with the next chunk yields the same arrays
// regardless of where the stream was split.
func Extract(buffer string) ([]string, string) {
	var s Scanner
	s.buf = append(s.buf, buffer...)
	arrays := s.scan()
	return arrays, s.Remainder()
}
