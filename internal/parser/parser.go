package parser

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"guideline-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoContent         = errors.New("document has no extractable text")
)

const defaultPageNumber = 1

var (
	slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	docxParaRe  = regexp.MustCompile(`</w:p>|<w:br\s*/>|<w:tab\s*/>`)
	xmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// ExtractPages returns the raw text of filePath, one chunk per page, slide or
// sheet. Formats without pages yield a single chunk on page 1.
func ExtractPages(filePath string) ([]models.Chunk, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".pdf":
		return parsePDF(filePath)
	case ".docx":
		return parseDOCX(filePath)
	case ".pptx":
		return parsePPTX(filePath)
	case ".xlsx":
		return parseXLSX(filePath)
	case ".xlsm", ".xltx", ".xltm":
		return parseExcelize(filePath)
	case ".md", ".markdown":
		return parseMarkdown(filePath)
	case ".txt":
		return parseText(filePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parsePDF(filePath string) ([]models.Chunk, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Get file size for reader initialization
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", filepath.Base(filePath), err)
	}

	var chunks []models.Chunk
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		chunks = append(chunks, models.Chunk{Content: pageText, PageNumber: i})
	}
	return chunks, nil
}

func parseDOCX(filePath string) ([]models.Chunk, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// GetContent returns the document XML; keep paragraph breaks and drop the markup.
	content := docxParaRe.ReplaceAllString(r.Editable().GetContent(), "\n")
	content = xmlTagRe.ReplaceAllString(content, "")
	content = unescapeXML(content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []models.Chunk{{Content: content, PageNumber: defaultPageNumber}}, nil
}

func parsePPTX(filePath string) ([]models.Chunk, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []models.Chunk
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		slideText := extractTextFromXML(string(data))
		if strings.TrimSpace(slideText) == "" {
			continue
		}
		slideNum, _ := strconv.Atoi(m[1])
		chunks = append(chunks, models.Chunk{Content: slideText, PageNumber: slideNum})
	}
	// zip order is not slide order
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].PageNumber < chunks[j].PageNumber })
	return chunks, nil
}

func parseXLSX(filePath string) ([]models.Chunk, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	for sheetNum, sheet := range f.Sheets {
		var rows [][]string
		for _, row := range sheet.Rows {
			var cells []string
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		if chunk, ok := sheetChunk(sheet.Name, sheetNum+1, rows); ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

func parseExcelize(filePath string) ([]models.Chunk, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks []models.Chunk
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		if chunk, ok := sheetChunk(sheetName, sheetNum+1, rows); ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// sheetChunk renders an evidence table one row per line, cells separated by " | ".
func sheetChunk(name string, number int, rows [][]string) (models.Chunk, bool) {
	var text strings.Builder
	for _, row := range rows {
		var cells []string
		for _, cell := range row {
			if cell = strings.TrimSpace(cell); cell != "" {
				cells = append(cells, cell)
			}
		}
		if len(cells) == 0 {
			continue
		}
		text.WriteString(strings.Join(cells, " | "))
		text.WriteString("\n")
	}
	if text.Len() == 0 {
		return models.Chunk{}, false
	}
	return models.Chunk{
		Content:    text.String(),
		PageNumber: number,
		Section:    "Sheet: " + name,
	}, true
}

func parseText(filePath string) ([]models.Chunk, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	return []models.Chunk{{Content: string(data), PageNumber: defaultPageNumber}}, nil
}

// parseMarkdown walks the goldmark AST and emits one chunk per heading, tagged
// with the heading text as its section.
func parseMarkdown(filePath string) ([]models.Chunk, error) {
	src, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return markdownSections(src), nil
}

func markdownSections(src []byte) []models.Chunk {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var chunks []models.Chunk
	current := models.Chunk{PageNumber: defaultPageNumber}
	var body strings.Builder
	flush := func() {
		if strings.TrimSpace(body.String()) != "" {
			current.Content = body.String()
			chunks = append(chunks, current)
		}
		body.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			flush()
			current = models.Chunk{PageNumber: defaultPageNumber, Section: inlineText(node, src)}
			return ast.WalkSkipChildren, nil
		case *extast.TableRow, *extast.TableHeader:
			var cells []string
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				cells = append(cells, inlineText(c, src))
			}
			body.WriteString(strings.Join(cells, " | "))
			body.WriteString("\n")
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			body.WriteString(inlineText(node, src))
			body.WriteString("\n")
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				body.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	flush()
	return chunks
}

// inlineText concatenates the text segments under n.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteString(" ")
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func extractTextFromXML(xmlContent string) string {
	var text strings.Builder
	parts := strings.Split(xmlContent, "<a:t>")
	for i, part := range parts {
		if i == 0 {
			continue
		}
		endIdx := strings.Index(part, "</a:t>")
		if endIdx >= 0 {
			text.WriteString(part[:endIdx] + " ")
		}
		if strings.Contains(part, "</a:p>") {
			text.WriteString("\n")
		}
	}
	return unescapeXML(text.String())
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}
