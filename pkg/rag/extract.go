package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// extract pulls plain text out of a file, routed by extension. Anything
// without a dedicated parser reads as UTF-8 text. The returned metadata
// always carries a "type" key naming the parser that ran.
func extract(ctx context.Context, path string) (string, map[string]any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDF(ctx, path)
	case ".docx":
		return extractDocx(path)
	case ".xlsx":
		return extractXlsx(ctx, path)
	}
	return extractText(path)
}

func extractText(path string) (string, map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return string(raw), map[string]any{"type": "text"}, nil
}

func extractPDF(ctx context.Context, path string) (string, map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", nil, err
	}
	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", nil, fmt.Errorf("parse pdf: %w", err)
	}

	pages := reader.NumPage()
	parts := make([]string, 0, pages)
	for pageNum := 1; pageNum <= pages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		// Pages with broken font tables fail individually; the rest of the
		// document still extracts.
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n"), map[string]any{"type": "pdf", "pages": pages}, nil
}

func extractDocx(path string) (string, map[string]any, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("parse docx: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), map[string]any{"type": "docx"}, nil
}

func extractXlsx(ctx context.Context, path string) (string, map[string]any, error) {
	workbook, err := excelize.OpenFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("parse xlsx: %w", err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	var sections []string
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		rows, err := workbook.GetRows(sheet)
		if err != nil {
			return "", nil, fmt.Errorf("read sheet '%s': %w", sheet, err)
		}
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, fmt.Sprintf("--- Sheet: %s ---", sheet))
		for _, row := range rows {
			lines = append(lines, strings.Join(row, "\t"))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return strings.Join(sections, "\n\n"), map[string]any{"type": "xlsx", "sheets": len(sheets)}, nil
}
