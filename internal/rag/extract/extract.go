// Package extract implements per-format text extraction for the ingestion
// pipeline: native parsing of each supported document format, an OCR
// fallback for image-only or low-yield content, and the NUL-byte sanitation
// every extractor output must pass through before persistence.
package extract

import (
	"context"
	"fmt"
	"math"
	"strings"

	"manifold/internal/rag/model"
)

// Result is the tagged outcome of Extract; Method records which path
// produced it.
type Result struct {
	Text        string
	Method      model.ExtractionMethod
	HasImages   bool
	ImageCount  int
	PageCount   int
	PerPageText []string // best-effort, empty when the format has no pages
}

// FailureKind enumerates why Extract could not produce a Result at all.
type FailureKind string

const (
	UnsupportedFormat FailureKind = "UNSUPPORTED_FORMAT"
	Corrupt           FailureKind = "CORRUPT"
	OCRUnavailable    FailureKind = "OCR_UNAVAILABLE"
	Timeout           FailureKind = "TIMEOUT"
	Downstream5xx     FailureKind = "DOWNSTREAM_5XX"
)

type Failure struct {
	Kind      FailureKind
	Retriable bool
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extraction failed (%s, retriable=%v): %v", f.Kind, f.Retriable, f.Err)
}

// minCharsPerPage below this ratio, native text is considered insufficient
// and OCR is attempted in addition (or instead, if native yielded nothing).
const minCharsPerPage = 100

// OCR is the narrow vendor-agnostic interface §9 requires: "OCR... sit
// behind a narrow interface so vendors can be swapped". Implementations
// call out to whatever OCR engine/service is configured.
type OCR interface {
	// Recognize returns lightly-structured markdown (tables/headings
	// preserved) for the given page image bytes.
	Recognize(ctx context.Context, imageBytes []byte, mimeType string) (string, error)
}

// Extractor extracts text from document bytes given a file extension
// ("pdf", "docx", "xlsx", "pptx", "txt", "md", "rtf", "png", "jpg", ...).
type Extractor struct {
	ocr OCR
}

func New(ocr OCR) *Extractor {
	return &Extractor{ocr: ocr}
}

func (e *Extractor) Extract(ctx context.Context, docBytes []byte, extension string) (Result, error) {
	ext := strings.ToLower(strings.TrimPrefix(extension, "."))
	var native Result
	var nativeErr error

	switch ext {
	case "txt", "md", "markdown":
		native = Result{Text: string(docBytes), Method: model.MethodText, PageCount: estimatePages(len(docBytes))}
	case "rtf":
		native = Result{Text: stripRTF(string(docBytes)), Method: model.MethodText, PageCount: estimatePages(len(docBytes))}
	case "pdf":
		native, nativeErr = extractPDF(docBytes)
	case "xlsx", "xlsm":
		native, nativeErr = extractXLSX(docBytes)
	case "docx":
		native, nativeErr = extractDOCX(docBytes)
	case "pptx":
		native, nativeErr = extractPPTX(docBytes)
	case "doc", "ppt":
		native, nativeErr = extractOLE(docBytes)
	case "png", "jpg", "jpeg", "tiff", "bmp", "gif":
		native = Result{Method: model.MethodFallback, HasImages: true, ImageCount: 1}
	default:
		return Result{}, &Failure{Kind: UnsupportedFormat, Retriable: false, Err: fmt.Errorf("unsupported extension %q", extension)}
	}
	if nativeErr != nil {
		return Result{}, &Failure{Kind: Corrupt, Retriable: false, Err: nativeErr}
	}

	native.Text = sanitizeNUL(native.Text)

	needsOCR := native.HasImages || insufficientYield(native)
	if !needsOCR {
		return native, nil
	}
	if e.ocr == nil {
		if strings.TrimSpace(native.Text) == "" {
			// native produced nothing and no OCR is configured: degrade to
			// FALLBACK with empty text rather than failing the document.
			native.Method = model.MethodFallback
			return native, nil
		}
		return native, nil
	}

	ocrText, err := e.ocr.Recognize(ctx, docBytes, mimeForExt(ext))
	if err != nil {
		if strings.TrimSpace(native.Text) == "" {
			return Result{Method: model.MethodFallback, PageCount: native.PageCount}, nil
		}
		// native text exists; OCR failing is non-fatal, just skip HYBRID.
		return native, nil
	}
	ocrText = sanitizeNUL(ocrText)

	if strings.TrimSpace(native.Text) == "" {
		return Result{Text: ocrText, Method: model.MethodOCR, HasImages: native.HasImages, ImageCount: maxInt(native.ImageCount, 1), PageCount: native.PageCount}, nil
	}
	combined := native.Text + "\n\n" + ocrText
	return Result{Text: combined, Method: model.MethodHybrid, HasImages: true, ImageCount: maxInt(native.ImageCount, 1), PageCount: native.PageCount}, nil
}

func insufficientYield(r Result) bool {
	if r.PageCount <= 0 {
		return len(r.Text) < minCharsPerPage
	}
	return len(r.Text) < minCharsPerPage*r.PageCount
}

// estimatePages implements the §4.1 estimator for formats without intrinsic
// pagination: ceil(char_count / 2500).
func estimatePages(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(charCount) / 2500.0))
}

// sanitizeNUL strips every U+0000 from extractor output; callers must never
// persist raw extractor output without this pass.
func sanitizeNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mimeForExt(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tiff":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

var rtfControlWord = strings.NewReplacer("\\par", "\n", "\\tab", "\t")

// stripRTF is a minimal control-word stripper: RTF's payload is the
// sequence of characters outside `{...}` groups and `\controlword` tokens.
func stripRTF(s string) string {
	s = rtfControlWord.Replace(s)
	var b strings.Builder
	depth := 0
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '{':
			depth++
			i++
		case c == '}':
			if depth > 0 {
				depth--
			}
			i++
		case c == '\\':
			i++
			for i < len(s) && isRTFControlChar(s[i]) {
				i++
			}
			if i < len(s) && s[i] == ' ' {
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func isRTFControlChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-'
}
