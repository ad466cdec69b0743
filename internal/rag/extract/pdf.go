package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"manifold/internal/rag/model"
)

func extractPDF(docBytes []byte) (Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(docBytes), int64(len(docBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	n := r.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			text = ""
		}
		pages = append(pages, text)
	}
	// This reader's plain-text API doesn't cheaply enumerate embedded image
	// objects, so HasImages/ImageCount stay at zero; the per-page text-yield
	// ratio check in Extract still engages OCR for scanned (image-only) PDFs.
	return Result{
		Text:        strings.Join(pages, "\n\n"),
		Method:      model.MethodText,
		PageCount:   n,
		PerPageText: pages,
	}, nil
}
