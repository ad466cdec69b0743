package chunker

import (
	"strings"
	"testing"

	"manifold/internal/rag/model"
)

func genText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("word")
	}
	return b.String()
}

func TestChunk_EmptyInputFails(t *testing.T) {
	_, err := Chunk("   \n\t  ", Options{})
	if err == nil {
		t.Fatalf("expected error for blank input")
	}
	f, ok := err.(*Failure)
	if !ok || f.Kind != EmptyInput {
		t.Fatalf("expected EmptyInput failure, got %v", err)
	}
}

func TestChunk_SizeToleranceAndOverlap(t *testing.T) {
	text := genText(2000) // ~8000 chars
	opt := Options{Size: 800, Overlap: 100}
	chunks, err := Chunk(text, opt)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	tolLow, tolHigh := int(float64(opt.Size)*0.5), int(float64(opt.Size)*1.5)
	for i, c := range chunks {
		if i == len(chunks)-1 {
			continue // final chunk is a remainder and may be short
		}
		if l := len(c.Text); l < tolLow || l > tolHigh {
			t.Fatalf("chunk %d length %d out of tolerance [%d,%d]", i, l, tolLow, tolHigh)
		}
	}
	// consecutive windows share a trailing/leading overlap
	first := chunks[0].Text
	second := chunks[1].Text
	tail := tailOf(first, opt.Overlap)
	if tail != "" && !strings.HasPrefix(second, tail) {
		t.Fatalf("expected chunk 1 to start with chunk 0's overlap tail %q, got %q", tail, second[:min(len(second), len(tail))])
	}
}

func TestChunk_Idempotent(t *testing.T) {
	text := genText(500)
	opt := Options{Size: 400, Overlap: 50}
	a, err := Chunk(text, opt)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	b, err := Chunk(text, opt)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("expected identical chunk counts, got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].ChunkIndex != b[i].ChunkIndex {
			t.Fatalf("chunk %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestChunk_PreservesHeadingWithFollowingParagraph(t *testing.T) {
	text := "# Title\n\npara1 text here that is reasonably long for a chunk test.\n\n## Sub\n\npara2 text here that is also reasonably long for the test."
	chunks, err := Chunk(text, Options{Size: 40, Overlap: 5})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected >=2 chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "# Title") {
		t.Fatalf("first chunk should contain heading: %q", chunks[0].Text)
	}
}

func TestChunk_TableNeverSplitAcrossWindows(t *testing.T) {
	table := "| a | b |\n| - | - |\n| 1 | 2 |\n| 3 | 4 |\n"
	text := genText(50) + "\n\n" + table + "\n\n" + genText(50)
	chunks, err := Chunk(text, Options{Size: 30, Overlap: 0})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, "| 1 | 2 |") {
			found = true
			if !strings.Contains(c.Text, "| 3 | 4 |") {
				t.Fatalf("table rows were split across chunks: %q", c.Text)
			}
		}
	}
	if !found {
		t.Fatalf("expected a chunk to contain the table")
	}
}

func TestChunk_FencedCodeNeverSplitAcrossWindows(t *testing.T) {
	code := "```go\nfunc A() {}\nfunc B() {}\n```\n"
	text := genText(40) + "\n\n" + code + "\n\n" + genText(40)
	chunks, err := Chunk(text, Options{Size: 30, Overlap: 0})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	for _, c := range chunks {
		if strings.Contains(c.Text, "func A()") && !strings.Contains(c.Text, "func B()") {
			t.Fatalf("fenced code block was split across chunks: %q", c.Text)
		}
	}
}

func TestChunk_OCRArtifactsCleanedWhenHasOCR(t *testing.T) {
	text := "This is a hyphen-\nated word across a line break, plus a page break--Mo marker."
	chunks, err := Chunk(text, Options{Size: 1000, Overlap: 0, HasOCR: true})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(chunks))
	}
	if strings.Contains(chunks[0].Text, "--Mo") {
		t.Fatalf("expected OCR page-break marker removed: %q", chunks[0].Text)
	}
	if strings.Contains(chunks[0].Text, "hyphen-\nated") {
		t.Fatalf("expected hyphenated line break joined: %q", chunks[0].Text)
	}
	if !chunks[0].HasOCRContent {
		t.Fatalf("expected HasOCRContent to be set")
	}
}

func TestChunk_DetectsLanguage(t *testing.T) {
	text := "le chat est dans la maison et le chien est dans le jardin pour le moment"
	chunks, err := Chunk(text, Options{Size: 1000})
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if chunks[0].Language != model.LangFrench {
		t.Fatalf("expected French detection, got %v", chunks[0].Language)
	}
}
