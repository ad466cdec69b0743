package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"manifold/internal/rag/model"
)

func extractXLSX(docBytes []byte) (Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(docBytes))
	if err != nil {
		return Result{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]string, 0, len(sheets))
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		pages = append(pages, b.String())
	}
	return Result{
		Text:        strings.Join(pages, "\n\n"),
		Method:      model.MethodText,
		PageCount:   len(sheets),
		PerPageText: pages,
	}, nil
}
