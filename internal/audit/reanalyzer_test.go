package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/localmodel"
	"github.com/joelkehle/assetaudit/internal/report"
	"github.com/joelkehle/assetaudit/internal/triage"
)

func writePriorityModel(t *testing.T, dir string) {
	t.Helper()
	blob, err := json.Marshal(localmodel.Model{
		NgramMin:   2,
		NgramMax:   2,
		Vocabulary: map[string]float64{"后台": 2.0},
		Intercept:  -1.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, localmodel.PriorityModelFile), blob, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestReanalyzer(t *testing.T, priorityModel bool) (*Reanalyzer, *report.Store) {
	t.Helper()
	modelDir := t.TempDir()
	writeLocalModels(t, modelDir)
	if priorityModel {
		writePriorityModel(t, modelDir)
	}
	analyzer := triage.NewAnalyzer(nil, localmodel.NewEngine(modelDir), triage.Config{ForceLocal: true})

	store, err := report.OpenStore(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	progress, err := OpenProgress(filepath.Join(t.TempDir(), "reanalysis_progress.txt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { progress.Close() })

	return &Reanalyzer{
		Analyzer: analyzer,
		Store:    store,
		Progress: progress,
		Cost:     NewCostTracker(0, 0),
		Denylist: triage.DefaultDenylist,
	}, store
}

func seedArchive(t *testing.T, store *report.Store, r report.CompanyResult) {
	t.Helper()
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now()
	}
	if err := store.SaveResult(r); err != nil {
		t.Fatal(err)
	}
}

func TestReanalyzerReclassifiesArchivedAssets(t *testing.T) {
	r, store := newTestReanalyzer(t, false)

	raw := []asset.Asset{
		{Link: "a.example.com:443", IP: "1.2.3.4", Port: "443", Title: "办公系统", SearchKeyword: "示例网络科技"},
		{Link: "b.example.com", IP: "5.6.7.8", Port: "80", Title: "澳门博彩第一站", SearchKeyword: "示例网络科技"},
		{Link: "c.example.com", IP: "9.9.9.9", Port: "80", Title: "无关页面", SearchKeyword: "示例网络科技"},
	}
	// First pass was generous: everything counted as valid.
	seedArchive(t, store, report.CompanyResult{
		Company:        "北京示例网络科技有限公司",
		MatchedKeyword: "软件",
		Eligible:       true,
		RawAssets:      raw,
		CleanAssets:    raw,
	})
	seedArchive(t, store, report.CompanyResult{
		Company:  "空壳公司",
		Eligible: false,
	})

	stats := r.Run(context.Background(), nil)
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Fatalf("only the eligible company should be re-analyzed: %+v", stats)
	}

	companies, err := store.ProcessedCompanies()
	if err != nil {
		t.Fatal(err)
	}
	var got report.CompanySummary
	for _, c := range companies {
		if c.Name == "北京示例网络科技有限公司" {
			got = c
		}
	}
	if got.Name == "" {
		t.Fatalf("company vanished from archive: %+v", companies)
	}
	if got.ValidCount != 1 {
		t.Fatalf("re-classification must narrow the valid set, got %+v", got)
	}
	if got.MatchedKeyword != "软件" {
		t.Fatalf("scope keyword must survive re-analysis: %+v", got)
	}
	archived, err := store.RawAssets("北京示例网络科技有限公司")
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 3 {
		t.Fatalf("raw assets must be preserved, got %d", len(archived))
	}

	again := r.Run(context.Background(), nil)
	if again.Skipped != 1 || again.Processed != 0 {
		t.Fatalf("resume must honor the re-analysis progress log: %+v", again)
	}
}

func TestReanalyzerFlagsNewPriorities(t *testing.T) {
	r, store := newTestReanalyzer(t, true)

	seedArchive(t, store, report.CompanyResult{
		Company:  "丁信息技术有限公司",
		Eligible: true,
		RawAssets: []asset.Asset{
			{Link: "admin.example.com", Title: "管理后台系统"},
		},
		CleanAssets: []asset.Asset{
			{Link: "admin.example.com", Title: "管理后台系统"},
		},
	})

	stats := r.Run(context.Background(), []string{"丁信息技术有限公司"})
	if stats.Processed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	links, err := store.PriorityAssets("丁信息技术有限公司")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0] != "admin.example.com" {
		t.Fatalf("new priority candidate not archived: %+v", links)
	}
}

func TestReanalyzerMissingCompanyCountsFailed(t *testing.T) {
	r, _ := newTestReanalyzer(t, false)

	stats := r.Run(context.Background(), []string{"未入库公司"})
	if stats.Failed != 1 || stats.Processed != 0 {
		t.Fatalf("company absent from the archive must fail: %+v", stats)
	}
}

func TestNewlyFlagged(t *testing.T) {
	current := []asset.Asset{{Link: "a"}, {Link: "b"}, {Link: "c"}}
	got := newlyFlagged([]string{"b"}, current)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("unexpected diff: %+v", got)
	}
	if got := newlyFlagged([]string{"a", "b", "c"}, current); len(got) != 0 {
		t.Fatalf("nothing new expected: %+v", got)
	}
}
