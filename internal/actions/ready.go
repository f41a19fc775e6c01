package actions

import "regexp"

// defaultReadyPatterns detect a long-running command announcing that it is
// serving. Matching any of these marks a start action Complete without
// waiting for process exit.
var defaultReadyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening on`),
	regexp.MustCompile(`(?i)local:\s*https?://`),
	regexp.MustCompile(`https?://(localhost|127\.0\.0\.1|0\.0\.0\.0)(:[0-9]+)?`),
	regexp.MustCompile(`(?i)ready in [0-9]+`),
	regexp.MustCompile(`(?i)server (is )?(running|started)`),
}

// readyScanner matches ready patterns across chunk boundaries by keeping a
// sliding tail of recent output.
type readyScanner struct {
	patterns []*regexp.Regexp
	tail     string
}

const readyTailSize = 512

func newReadyScanner(extra []*regexp.Regexp) *readyScanner {
	return &readyScanner{patterns: append(defaultReadyPatterns, extra...)}
}

// scan reports whether the output seen so far signals readiness.
func (s *readyScanner) scan(chunk string) bool {
	window := s.tail + chunk
	for _, re := range s.patterns {
		if re.MatchString(window) {
			return true
		}
	}
	if len(window) > readyTailSize {
		window = window[len(window)-readyTailSize:]
	}
	s.tail = window
	return false
}
