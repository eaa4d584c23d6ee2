package jsonstream

// Scanner is the incremental form of Extract. It keeps the lexical state of
// the pending array between chunks so every byte is scanned once.
//
// The zero value is ready to use. A Scanner is not safe for concurrent use.
type Scanner struct {
	buf []byte

	// pos is the next byte to scan; bytes before it are already accounted for
	pos int
	// start is the offset of the pending `[`, or -1 when outside an array
	start int
	// consumed is the offset just past the last complete array
	consumed int

	depth    int
	inString bool
	escape   bool
	started  bool
}

// NewScanner returns an empty Scanner
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends chunk and returns the arrays it completed
func (s *Scanner) Feed(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)
	return s.scan()
}

// Remainder returns the bytes not yet emitted as part of an array
func (s *Scanner) Remainder() string {
	s.init()
	if s.start >= 0 {
		return string(s.buf[s.start:])
	}
	return string(s.buf[s.consumed:])
}

// Flush performs the end-of-stream pass and resets the scanner. Any
// incomplete array still pending is discarded.
func (s *Scanner) Flush() []string {
	arrays := s.scan()
	*s = Scanner{}
	return arrays
}

// Pending reports whether an array is open at end of the buffered data
func (s *Scanner) Pending() bool {
	s.init()
	return s.start >= 0
}

func (s *Scanner) init() {
	if !s.started {
		s.start = -1
		s.started = true
	}
}

func (s *Scanner) scan() []string {
	s.init()

	var arrays []string
	for ; s.pos < len(s.buf); s.pos++ {
		c := s.buf[s.pos]

		if s.inString {
			switch {
			case s.escape:
				s.escape = false
			case c == '\\':
				s.escape = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '[':
			if s.depth == 0 {
				s.start = s.pos
			}
			s.depth++
		case ']':
			if s.depth == 0 {
				continue
			}
			s.depth--
			if s.depth == 0 {
				arrays = append(arrays, string(s.buf[s.start:s.pos+1]))
				s.consumed = s.pos + 1
				s.start = -1
			}
		}
	}

	s.compact()
	return arrays
}

// compact drops bytes that can no longer be part of output
func (s *Scanner) compact() {
	cut := s.consumed
	if s.start >= 0 {
		cut = s.start
	}
	if cut == 0 {
		return
	}
	n := copy(s.buf, s.buf[cut:])
	s.buf = s.buf[:n]
	s.pos -= cut
	if s.start >= 0 {
		s.start -= cut
	}
	s.consumed -= cut
	if s.consumed < 0 {
		s.consumed = 0
	}
}
