package rag

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestExtractDefaultsToText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "readme.rst", "restructured text body")

	content, meta, err := extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "restructured text body", content)
	assert.Equal(t, "text", meta["type"])
}

func TestExtractXlsxWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "city"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "temp"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Oslo"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 12))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	content, meta, err := extract(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, content, "--- Sheet: Sheet1 ---")
	assert.Contains(t, content, "city\ttemp")
	assert.Contains(t, content, "Oslo\t12")
	assert.Equal(t, "xlsx", meta["type"])
	assert.Equal(t, 1, meta["sheets"])
}

func TestExtractMissingFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	_, _, err := extract(ctx, filepath.Join(dir, "gone.txt"))
	assert.Error(t, err)

	_, _, err = extract(ctx, filepath.Join(dir, "gone.pdf"))
	assert.Error(t, err)

	_, _, err = extract(ctx, filepath.Join(dir, "gone.docx"))
	assert.ErrorContains(t, err, "parse docx")

	_, _, err = extract(ctx, filepath.Join(dir, "gone.xlsx"))
	assert.ErrorContains(t, err, "parse xlsx")
}
