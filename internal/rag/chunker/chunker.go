// Package chunker splits extracted document text into overlapping passages
// per §4.2: structural boundaries first (headings, tables, fenced code,
// paragraphs), then windowed to a target size with trailing overlap.
package chunker

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"manifold/internal/rag/model"
)

// Options mirrors the chunking.* SystemConfig keys.
type Options struct {
	Size     int // target window size in characters (chunking.size, default 1000)
	Overlap  int // trailing overlap in characters (chunking.overlap, default 200); withDefaults does not apply it: 0 means no overlap
	MaxSize  int // hard cap a single chunk's text may never exceed
	Language model.Language
	HasOCR   bool
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = 1000
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 5
	}
	if o.MaxSize <= 0 {
		o.MaxSize = o.Size * 2
	}
	return o
}

// Failure mirrors §4.2's ChunkingFailed.
type FailureKind string

const (
	EmptyInput    FailureKind = "EMPTY_INPUT"
	LimitExceeded FailureKind = "LIMIT_EXCEEDED"
)

type Failure struct {
	Kind FailureKind
}

func (f *Failure) Error() string { return "chunking failed: " + string(f.Kind) }

// ocrArtifact regex families address the stray hyphenation and "--Mo" page
// break markers common in OCR output.
var ocrArtifacts = []*regexp.Regexp{
	regexp.MustCompile(`--Mo\b`),
	regexp.MustCompile(`\\-n\b`),
	regexp.MustCompile(`(\w)-\n(\w)`), // hyphenated line break: join "wor-\nld" -> "world"
}

func cleanOCRArtifacts(text string) string {
	text = ocrArtifacts[2].ReplaceAllString(text, "$1$2")
	text = ocrArtifacts[0].ReplaceAllString(text, "")
	text = ocrArtifacts[1].ReplaceAllString(text, "")
	return text
}

var (
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s`)
	tableRe   = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	fenceRe   = regexp.MustCompile("(?m)^```")
	listRe    = regexp.MustCompile(`(?m)^\s*([-*+]|\d+\.)\s`)
)

// block is one structural unit produced by the boundary pass: a heading, a
// contiguous table, a fenced code block, a list block, or a paragraph.
type block struct {
	text      string
	unsplittable bool // tables and fenced code below MaxSize never split across windows
}

// Chunk splits cleaned document text into ordered Chunks. Rerunning with
// identical input and Options yields identical chunk texts and identical
// chunk_index assignments (idempotence, §8).
func Chunk(text string, opt Options) ([]model.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &Failure{Kind: EmptyInput}
	}
	opt = opt.withDefaults()
	if opt.HasOCR {
		text = cleanOCRArtifacts(text)
	}
	lang := opt.Language
	if lang == "" {
		lang = detectLanguage(text)
	}

	blocks := splitStructural(text, opt.MaxSize)
	windows := windowBlocks(blocks, opt.Size, opt.Overlap, opt.MaxSize)

	out := make([]model.Chunk, 0, len(windows))
	pos := 0
	for i, w := range windows {
		trimmed := strings.TrimSpace(w)
		if trimmed == "" {
			continue
		}
		start := strings.Index(text[pos:], trimmed)
		if start >= 0 {
			start += pos
		} else {
			start = pos
		}
		end := start + len(trimmed)
		pos = end
		out = append(out, model.Chunk{
			ID:         uuid.NewString(),
			ChunkIndex: i,
			Text:       trimmed,
			TokenCount: approxTokens(trimmed),
			CharStart:  start,
			CharEnd:    end,
			Language:   lang,
			HasOCRContent: opt.HasOCR,
			HasTable:   tableRe.MatchString(trimmed),
			VectorID:   uuid.NewString(), // provisional; finalized at indexing
		})
	}
	return out, nil
}

// splitStructural breaks text at heading/table/fence/list/paragraph
// boundaries. Tables and fenced code smaller than maxSize become single
// unsplittable blocks so windowBlocks never cuts through them.
func splitStructural(text string, maxSize int) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	var buf strings.Builder
	inFence := false
	inTable := false

	flush := func(unsplittable bool) {
		s := buf.String()
		if strings.TrimSpace(s) != "" {
			blocks = append(blocks, block{text: s, unsplittable: unsplittable && len(s) <= maxSize})
		}
		buf.Reset()
	}

	for i, ln := range lines {
		isFenceMark := fenceRe.MatchString(ln)
		isHeading := headingRe.MatchString(ln)
		isTableLine := tableRe.MatchString(ln)
		isListLine := listRe.MatchString(ln)
		isBlank := strings.TrimSpace(ln) == ""

		if isFenceMark {
			if !inFence {
				flush(false)
				inFence = true
			} else {
				buf.WriteString(ln)
				buf.WriteByte('\n')
				flush(true)
				inFence = false
				continue
			}
		}
		if inFence {
			buf.WriteString(ln)
			buf.WriteByte('\n')
			continue
		}

		if isTableLine && !inTable {
			flush(false)
			inTable = true
		} else if !isTableLine && inTable {
			flush(true)
			inTable = false
		}

		if isHeading && buf.Len() > 0 && !inTable {
			flush(false)
		}

		buf.WriteString(ln)
		buf.WriteByte('\n')

		if isBlank && !isListLine && !inTable {
			flush(false)
		}
		_ = i
	}
	flush(inTable)
	return blocks
}

// windowBlocks accumulates structural blocks into windows targeting size,
// with a trailing overlap carried into the next window. Unsplittable blocks
// larger than size still form their own window rather than being cut.
func windowBlocks(blocks []block, size, overlap, maxSize int) []string {
	var windows []string
	var cur strings.Builder
	var overlapTail string

	emit := func() {
		s := cur.String()
		if strings.TrimSpace(s) == "" {
			cur.Reset()
			return
		}
		if len(s) > maxSize {
			s = s[:maxSize]
		}
		windows = append(windows, s)
		overlapTail = tailOf(s, overlap)
		cur.Reset()
		if overlapTail != "" {
			cur.WriteString(overlapTail)
		}
	}

	for _, b := range blocks {
		if b.unsplittable && len(b.text) > size && cur.Len() > 0 {
			emit()
		}
		cur.WriteString(b.text)
		for !b.unsplittable && cur.Len() > size {
			s := cur.String()
			cut := size
			if sp := strings.LastIndexByte(s[:size], ' '); sp >= size/2 && sp >= overlap {
				cut = sp + 1
			}
			cur.Reset()
			cur.WriteString(s[:cut])
			emit()
			cur.WriteString(s[cut:])
		}
		if cur.Len() >= size {
			emit()
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		windows = append(windows, cur.String())
	}
	return windows
}

// tailOf returns the last n characters of s, breaking on a word boundary
// when possible so overlap doesn't start mid-word.
func tailOf(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return ""
	}
	start := len(s) - n
	if idx := strings.IndexByte(s[start:], ' '); idx >= 0 && idx < n/2 {
		start += idx + 1
	}
	return s[start:]
}

func approxTokens(s string) int {
	// rough 4 chars/token heuristic, consistent with the rest of the stack
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// detectLanguage is a minimal fr/en heuristic based on stopword frequency;
// anything else falls back to "unknown" per §3.
var frenchStopwords = []string{" le ", " la ", " les ", " des ", " une ", " est ", " et ", " à ", " dans ", " pour "}
var englishStopwords = []string{" the ", " and ", " is ", " of ", " to ", " in ", " for ", " a ", " that ", " with "}

func detectLanguage(text string) model.Language {
	lower := " " + strings.ToLower(text) + " "
	var fr, en int
	for _, w := range frenchStopwords {
		fr += strings.Count(lower, w)
	}
	for _, w := range englishStopwords {
		en += strings.Count(lower, w)
	}
	switch {
	case fr == 0 && en == 0:
		return model.LangUnknown
	case fr > en:
		return model.LangFrench
	default:
		return model.LangEnglish
	}
}
