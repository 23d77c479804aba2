package loader

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/localmodel"
)

// Options filters the raw candidate list down to companies worth
// spending search quota on.
type Options struct {
	// CapitalThresholdWan is the minimum paid-in capital in 万.
	CapitalThresholdWan float64
	// ScopeKeywords must appear in the business scope; the first match
	// is recorded on the candidate. Empty means no scope filtering.
	ScopeKeywords []string
	// Engine optionally prefilters with the local eligibility model.
	Engine *localmodel.Engine
}

// LoadCandidates reads an xlsx or csv export of registered companies.
// Fixed column layout: name, paid-in capital, business scope. The
// first row is the header and is skipped.
func LoadCandidates(path string, opts Options) ([]asset.Candidate, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = readXLSX(path)
	case ".csv":
		rows, err = readCSV(path)
	default:
		return nil, fmt.Errorf("unsupported candidate file %s: need .xlsx or .csv", path)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		rows = rows[1:]
	}

	seen := map[string]bool{}
	var out []asset.Candidate
	skippedCapital, skippedScope, skippedModel := 0, 0, 0
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		name := strings.TrimSpace(row[0])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		capital := ""
		if len(row) > 1 {
			capital = row[1]
		}
		if wan, ok := ParseCapitalWan(capital); ok && wan < opts.CapitalThresholdWan {
			skippedCapital++
			continue
		}

		scope := ""
		if len(row) > 2 {
			scope = row[2]
		}
		matched, ok := matchScope(scope, opts.ScopeKeywords)
		if !ok {
			skippedScope++
			continue
		}

		if opts.Engine != nil {
			if eligible, _, _ := opts.Engine.PredictCompanyEligibility(name); !eligible {
				skippedModel++
				continue
			}
		}
		out = append(out, asset.Candidate{Name: name, MatchedKeyword: matched})
	}
	log.Printf("loader candidates_loaded file=%s kept=%d skipped_capital=%d skipped_scope=%d skipped_model=%d",
		path, len(out), skippedCapital, skippedScope, skippedModel)
	return out, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	return rows, nil
}

var capitalRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)`)

// ParseCapitalWan normalizes a registered-capital string to 万.
// Accepts "5000万", "1.2亿元", "5000万元人民币" and bare numbers
// (treated as 万). Unparseable values return ok=false and the caller
// keeps the row rather than guessing.
func ParseCapitalWan(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	m := capitalRe.FindStringSubmatch(s)
	if len(m) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if strings.Contains(s, "亿") {
		return v * 10000, true
	}
	return v, true
}

func matchScope(scope string, keywords []string) (string, bool) {
	if len(keywords) == 0 {
		return "", true
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(scope, kw) {
			return kw, true
		}
	}
	return "", false
}
