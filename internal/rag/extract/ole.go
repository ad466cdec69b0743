package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"

	"manifold/internal/rag/model"
)

// extractOLE reads legacy binary Office containers (.doc/.ppt, pre-OOXML)
// via mscfb's tar.Reader-shaped directory-entry API and pulls UTF-16 text
// runs out of every non-empty stream in the container. This is a best-effort
// extraction: the legacy binary format has no clean paragraph model, so the
// output is a best-effort text dump rather than a structured reconstruction.
func extractOLE(docBytes []byte) (Result, error) {
	r, err := mscfb.New(bytes.NewReader(docBytes))
	if err != nil {
		return Result{}, fmt.Errorf("open ole container: %w", err)
	}
	var b strings.Builder
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if entry.Size == 0 {
			continue
		}
		buf := make([]byte, entry.Size)
		n, _ := io.ReadFull(r, buf)
		b.WriteString(extractReadableUTF16(buf[:n]))
		b.WriteByte('\n')
	}
	text := b.String()
	return Result{
		Text:      text,
		Method:    model.MethodText,
		PageCount: estimatePages(len(text)),
	}, nil
}

// extractReadableUTF16 pulls out runs of plausible UTF-16LE text from a raw
// stream, skipping control/structural bytes. Legacy binary streams interleave
// text runs with formatting tables, so this keeps only printable runs.
func extractReadableUTF16(buf []byte) string {
	var out strings.Builder
	var run []uint16
	flush := func() {
		if len(run) < 4 {
			run = run[:0]
			return
		}
		out.WriteString(string(utf16.Decode(run)))
		out.WriteByte(' ')
		run = run[:0]
	}
	for i := 0; i+1 < len(buf); i += 2 {
		u := uint16(buf[i]) | uint16(buf[i+1])<<8
		if u >= 0x20 && u < 0x7f || u == '\n' || u == '\t' {
			run = append(run, u)
		} else {
			flush()
		}
	}
	flush()
	return out.String()
}
