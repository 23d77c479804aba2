package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joelkehle/assetaudit/internal/asset"
)

// CompanyResult is everything the pipeline learned about one company,
// ready to be written out and archived.
type CompanyResult struct {
	Company        string
	MatchedKeyword string
	Eligible       bool
	Reason         string
	Keywords       []string
	RawAssets      []asset.Asset
	CleanAssets    []asset.Asset
	PriorityAssets []asset.Asset
	Decision       asset.Decision
	Usage          asset.Usage
	CostCNY        float64
	ProcessedAt    time.Time
}

// Session owns one run's output directory tree:
//
//	audit_results_<timestamp>/
//	    <company>_raw_assets.xlsx
//	    <company>_assets.xlsx
//	    ai_reports/<company>_analysis.md (+ .pdf when Chromium is present)
type Session struct {
	Dir      string
	aiDir    string
	renderer *PDFRenderer
}

func NewSession(baseDir string, now time.Time) (*Session, error) {
	dir := filepath.Join(baseDir, "audit_results_"+now.Format("20060102_150405"))
	aiDir := filepath.Join(dir, "ai_reports")
	if err := os.MkdirAll(aiDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Session{Dir: dir, aiDir: aiDir, renderer: NewPDFRenderer()}, nil
}

// SaveRawAssets writes every asset the search returned for the
// company, before any filtering, so the raw surface stays auditable.
func (s *Session) SaveRawAssets(company string, assets []asset.Asset) (string, error) {
	path := filepath.Join(s.Dir, sanitizeFilename(company)+"_raw_assets.xlsx")
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Raw Assets"
	f.SetSheetName("Sheet1", sheet)
	writeAssetSheet(f, sheet, assets, true)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save raw workbook: %w", err)
	}
	return path, nil
}

// SaveAnalysis writes the classified assets: one sheet of valid
// business systems and one of the priority candidates.
func (s *Session) SaveAnalysis(r CompanyResult) (string, error) {
	path := filepath.Join(s.Dir, sanitizeFilename(r.Company)+"_assets.xlsx")
	f := excelize.NewFile()
	defer f.Close()

	const validSheet = "Valid Systems"
	f.SetSheetName("Sheet1", validSheet)
	writeAssetSheet(f, validSheet, r.CleanAssets, false)

	const prioritySheet = "Priority Candidates"
	if _, err := f.NewSheet(prioritySheet); err != nil {
		return "", fmt.Errorf("add priority sheet: %w", err)
	}
	writeAssetSheet(f, prioritySheet, r.PriorityAssets, false)

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save analysis workbook: %w", err)
	}
	return path, nil
}

func writeAssetSheet(f *excelize.File, sheet string, assets []asset.Asset, withQuery bool) {
	header := []any{"Link", "IP", "Port", "Title", "Keyword"}
	if withQuery {
		header = append(header, "Query")
	}
	f.SetSheetRow(sheet, "A1", &header)
	for i, a := range assets {
		row := []any{a.Link, a.IP, a.Port, a.Title, a.SearchKeyword}
		if withQuery {
			row = append(row, a.QuerySyntax)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		f.SetSheetRow(sheet, cell, &row)
	}
	f.SetColWidth(sheet, "A", "A", 46)
	f.SetColWidth(sheet, "D", "D", 52)
}

// SaveAIReport renders the model's analysis to markdown and, when a
// local Chromium is available, to PDF alongside. A failed PDF render
// is reported but never blocks the markdown artifact.
func (s *Session) SaveAIReport(ctx context.Context, r CompanyResult) (string, error) {
	md := buildMarkdownReport(r)
	path := filepath.Join(s.aiDir, sanitizeFilename(r.Company)+"_analysis.md")
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write markdown report: %w", err)
	}
	if s.renderer.Available() {
		pdfPath := strings.TrimSuffix(path, ".md") + ".pdf"
		if err := s.renderer.RenderToFile(ctx, r.Company, md, pdfPath); err != nil {
			return path, fmt.Errorf("render pdf: %w", err)
		}
	}
	return path, nil
}

func buildMarkdownReport(r CompanyResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Asset Triage Report: %s\n\n", r.Company)
	fmt.Fprintf(&b, "Generated: %s\n\n", r.ProcessedAt.Format("2006-01-02 15:04:05"))

	b.WriteString("## Overview\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Search keywords | %s |\n", strings.Join(r.Keywords, ", "))
	fmt.Fprintf(&b, "| Raw assets | %d |\n", len(r.RawAssets))
	fmt.Fprintf(&b, "| Valid business systems | %d |\n", len(r.CleanAssets))
	fmt.Fprintf(&b, "| Priority candidates | %d |\n", len(r.PriorityAssets))
	fmt.Fprintf(&b, "| Tokens (prompt/completion) | %d / %d |\n", r.Usage.PromptTokens, r.Usage.CompletionTokens)
	fmt.Fprintf(&b, "| Estimated cost | ¥%.4f |\n\n", r.CostCNY)

	if s := strings.TrimSpace(r.Decision.Summary); s != "" {
		b.WriteString("## Attack Surface Summary\n\n")
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	if len(r.PriorityAssets) > 0 {
		b.WriteString("## Priority Candidates\n\n")
		b.WriteString("| Link | Title |\n|---|---|\n")
		for _, a := range r.PriorityAssets {
			fmt.Fprintf(&b, "| %s | %s |\n", a.Link, strings.ReplaceAll(a.Title, "|", "\\|"))
		}
		b.WriteString("\n")
	}

	if s := strings.TrimSpace(r.Decision.CNVDStrategy); s != "" {
		b.WriteString("## Verification Strategy\n\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
)

func sanitizeFilename(name string) string {
	out := strings.TrimSpace(filenameReplacer.Replace(name))
	if out == "" {
		out = "unnamed"
	}
	return out
}
