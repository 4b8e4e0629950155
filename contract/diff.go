package contract

import (
	"regexp"
	"strings"
	"unicode"
)

// SegmentType classifies a clause in a diff.
type SegmentType string

const (
	SegmentUnchanged SegmentType = "unchanged"
	SegmentAdded     SegmentType = "added"
	SegmentRemoved   SegmentType = "removed"
	SegmentModified  SegmentType = "modified"
)

// Segment is one clause of a clause diff. Text carries the original clause
// for unchanged, added and removed segments; Before and After carry both
// sides of a modified clause together with its word-level Inline diff.
type Segment struct {
	Type   SegmentType   `json:"type"`
	Text   string        `json:"text,omitempty"`
	Before string        `json:"before,omitempty"`
	After  string        `json:"after,omitempty"`
	Inline []InlineToken `json:"inline,omitempty"`
}

// InlineToken is a run of words sharing one diff type.
type InlineToken struct {
	Type SegmentType `json:"type"`
	Text string      `json:"text"`
}

// Summary counts segments by type.
type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
}

// Diff is a computed comparison between two contract bodies.
type Diff struct {
	Segments    []Segment `json:"segments"`
	Summary     Summary   `json:"summary"`
	Fingerprint string    `json:"fingerprint"`
}

// listMarker matches numbered (1. 2.3) 4)), lettered (a. b) (c)) and
// bulleted (- * •) list items at the start of a line.
var listMarker = regexp.MustCompile(`^\s*(?:\d+(?:\.\d+)*[.)]|[A-Za-z][.)]|\([A-Za-z0-9ivxIVX]+\)|[-*•])\s+`)

// SplitClauses splits text into clauses on blank lines and list markers.
// Clause text is returned trimmed but otherwise as written.
func SplitClauses(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		clauses []string
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		clause := strings.TrimSpace(strings.Join(current, "\n"))
		if clause != "" {
			clauses = append(clauses, clause)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if listMarker.MatchString(line) {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return clauses
}

// Normalize trims and collapses internal whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ComputeClauseDiff compares two bodies clause by clause.
func ComputeClauseDiff(before, after string) []Segment {
	a := SplitClauses(before)
	b := SplitClauses(after)

	na := make([]string, len(a))
	for i, c := range a {
		na[i] = Normalize(c)
	}
	nb := make([]string, len(b))
	for i, c := range b {
		nb[i] = Normalize(c)
	}

	raw := make([]Segment, 0, len(a)+len(b))
	for _, op := range lcsWalk(na, nb, func(x, y string) bool { return x == y }) {
		switch op.kind {
		case SegmentUnchanged:
			raw = append(raw, Segment{Type: SegmentUnchanged, Text: b[op.j]})
		case SegmentRemoved:
			raw = append(raw, Segment{Type: SegmentRemoved, Text: a[op.i]})
		case SegmentAdded:
			raw = append(raw, Segment{Type: SegmentAdded, Text: b[op.j]})
		}
	}
	return pairModified(raw)
}

// pairModified merges a removed clause that is immediately followed by an
// added clause into one modified segment. Anything else passes through.
func pairModified(raw []Segment) []Segment {
	out := make([]Segment, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i].Type == SegmentRemoved && i+1 < len(raw) && raw[i+1].Type == SegmentAdded {
			before, after := raw[i].Text, raw[i+1].Text
			out = append(out, Segment{
				Type:   SegmentModified,
				Before: before,
				After:  after,
				Inline: InlineDiff(before, after),
			})
			i++
			continue
		}
		out = append(out, raw[i])
	}
	return out
}

// InlineDiff computes a word-level diff, tokenizing on whitespace and
// punctuation, and merges adjacent tokens of the same type.
func InlineDiff(before, after string) []InlineToken {
	a := tokenize(before)
	b := tokenize(after)

	var out []InlineToken
	push := func(t SegmentType, text string) {
		if n := len(out); n > 0 && out[n-1].Type == t {
			out[n-1].Text += text
			return
		}
		out = append(out, InlineToken{Type: t, Text: text})
	}

	for _, op := range lcsWalk(a, b, tokenEqual) {
		switch op.kind {
		case SegmentUnchanged:
			push(SegmentUnchanged, b[op.j])
		case SegmentRemoved:
			push(SegmentRemoved, a[op.i])
		case SegmentAdded:
			push(SegmentAdded, b[op.j])
		}
	}
	return out
}

func tokenEqual(x, y string) bool {
	if isSpace(x) && isSpace(y) {
		return true
	}
	return x == y
}

func isSpace(s string) bool {
	return s != "" && strings.TrimSpace(s) == ""
}

// tokenize splits s into word runs, whitespace runs and single
// punctuation characters. Concatenating the tokens yields s.
func tokenize(s string) []string {
	var (
		tokens []string
		start  = -1
		class  int
	)
	classify := func(r rune) int {
		switch {
		case unicode.IsSpace(r):
			return 1
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			return 2
		default:
			return 3
		}
	}

	for i, r := range s {
		c := classify(r)
		if start >= 0 && (c != class || c == 3) {
			tokens = append(tokens, s[start:i])
			start = -1
		}
		if start < 0 {
			start, class = i, c
		}
	}
	if start >= 0 {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

type lcsOp struct {
	kind SegmentType
	i, j int
}

// lcsWalk builds the suffix LCS table of a and b and walks it front to
// back. At a divergence removals are emitted before additions.
func lcsWalk(a, b []string, eq func(x, y string) bool) []lcsOp {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if eq(a[i], b[j]) {
				dp[i][j] = dp[i+1][j+1] + 1
			} else {
				dp[i][j] = max(dp[i+1][j], dp[i][j+1])
			}
		}
	}

	ops := make([]lcsOp, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case eq(a[i], b[j]):
			ops = append(ops, lcsOp{kind: SegmentUnchanged, i: i, j: j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, lcsOp{kind: SegmentRemoved, i: i, j: j})
			i++
		default:
			ops = append(ops, lcsOp{kind: SegmentAdded, i: i, j: j})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, lcsOp{kind: SegmentRemoved, i: i, j: j})
	}
	for ; j < m; j++ {
		ops = append(ops, lcsOp{kind: SegmentAdded, i: i, j: j})
	}
	return ops
}

// Summarize counts segments by type.
func Summarize(segments []Segment) Summary {
	var s Summary
	for _, seg := range segments {
		switch seg.Type {
		case SegmentAdded:
			s.Added++
		case SegmentRemoved:
			s.Removed++
		case SegmentModified:
			s.Modified++
		case SegmentUnchanged:
			s.Unchanged++
		}
	}
	return s
}

// DiffFingerprint joins "type:normalizedText" for every segment. Modified
// segments contribute both sides.
func DiffFingerprint(segments []Segment) string {
	parts := make([]string, len(segments))
	for i, seg := range segments {
		text := Normalize(seg.Text)
		if seg.Type == SegmentModified {
			text = Normalize(seg.Before) + "=>" + Normalize(seg.After)
		}
		parts[i] = string(seg.Type) + ":" + text
	}
	return strings.Join(parts, "\n")
}

// Compare returns the full diff of two bodies.
func Compare(before, after string) Diff {
	segments := ComputeClauseDiff(before, after)
	return Diff{
		Segments:    segments,
		Summary:     Summarize(segments),
		Fingerprint: DiffFingerprint(segments),
	}
}
