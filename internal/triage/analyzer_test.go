package triage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/localmodel"
)

type reply struct {
	text  string
	usage asset.Usage
	err   error
}

type fakeCaller struct {
	t       *testing.T
	replies []reply
	calls   int
	prompts []string
}

func (f *fakeCaller) Generate(_ context.Context, prompt string) (string, asset.Usage, error) {
	f.prompts = append(f.prompts, prompt)
	if f.calls >= len(f.replies) {
		f.t.Fatalf("unexpected remote call %d, prompt: %s", f.calls+1, prompt)
	}
	r := f.replies[f.calls]
	f.calls++
	return r.text, r.usage, r.err
}

func (f *fakeCaller) ModelName() string { return "fake-model" }

func newTestAnalyzer(t *testing.T, caller Caller, modelDir string, cfg Config) *Analyzer {
	t.Helper()
	if modelDir == "" {
		modelDir = t.TempDir()
	}
	a := NewAnalyzer(caller, localmodel.NewEngine(modelDir), cfg)
	a.sleep = func(time.Duration) {}
	return a
}

func writeAssetModel(t *testing.T, dir string) {
	t.Helper()
	blob, err := json.Marshal(localmodel.Model{
		NgramMin:   2,
		NgramMax:   2,
		Vocabulary: map[string]float64{"系统": 2.0},
		Intercept:  -1.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, localmodel.AssetModelFile), blob, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFilterJunkIsDeterministic(t *testing.T) {
	assets := []asset.Asset{
		{Link: "a", Title: "某某OA办公系统"},
		{Link: "b", Title: "澳门博彩第一站"},
		{Link: "c", Title: "在线赌博平台"},
		{Link: "d", Title: "企业门户"},
	}
	first, removed := FilterJunk(assets, []string{"博彩", "赌博"})
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if len(first) != 2 || first[0].Link != "a" || first[1].Link != "d" {
		t.Fatalf("unexpected survivors: %+v", first)
	}
	second, _ := FilterJunk(assets, []string{"博彩", "赌博"})
	if len(second) != len(first) {
		t.Fatal("filter must be deterministic across runs")
	}
}

func TestFilterJunkMatchesLinkCaseInsensitively(t *testing.T) {
	assets := []asset.Asset{{Link: "http://CDN.example.com", Title: "ok"}}
	kept, removed := FilterJunk(assets, []string{"cdn"})
	if removed != 1 || len(kept) != 0 {
		t.Fatalf("expected link match, kept=%+v", kept)
	}
}

func TestClassifyAssetsSingleBatch(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{{
		text:  `{"valid_ids": [0, 2], "cnvd_candidates": [2], "summary": "two systems", "cnvd_strategy": "verify the admin panel"}`,
		usage: asset.Usage{PromptTokens: 100, CompletionTokens: 40},
	}}}
	a := newTestAnalyzer(t, caller, "", Config{})

	assets := []asset.Asset{
		{Link: "a", Title: "门户"},
		{Link: "b", Title: "spam"},
		{Link: "c", Title: "后台"},
	}
	got := a.ClassifyAssets(context.Background(), "测试公司", assets)
	if len(got.CleanAssets) != 2 || got.CleanAssets[0].Link != "a" || got.CleanAssets[1].Link != "c" {
		t.Fatalf("unexpected clean assets: %+v", got.CleanAssets)
	}
	if len(got.PriorityAssets) != 1 || got.PriorityAssets[0].Link != "c" {
		t.Fatalf("unexpected priority assets: %+v", got.PriorityAssets)
	}
	if got.Usage.PromptTokens != 100 || got.Usage.CompletionTokens != 40 {
		t.Fatalf("unexpected usage: %+v", got.Usage)
	}
}

func TestClassifyAssetsMergesBatchesInOrder(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{
		{text: `{"valid_ids": [1, 0], "cnvd_candidates": [0], "summary": "first", "cnvd_strategy": "s1"}`,
			usage: asset.Usage{PromptTokens: 10, CompletionTokens: 5}},
		{text: `{"valid_ids": [3, 1], "cnvd_candidates": [3], "summary": "second", "cnvd_strategy": "s2"}`,
			usage: asset.Usage{PromptTokens: 20, CompletionTokens: 15}},
	}}
	a := newTestAnalyzer(t, caller, "", Config{BatchSize: 2})

	assets := []asset.Asset{
		{Link: "a", Title: "一"}, {Link: "b", Title: "二"},
		{Link: "c", Title: "三"}, {Link: "d", Title: "四"},
	}
	got := a.ClassifyAssets(context.Background(), "公司", assets)

	wantValid := []int{0, 1, 3}
	if len(got.Decision.ValidIDs) != len(wantValid) {
		t.Fatalf("unexpected valid ids: %+v", got.Decision.ValidIDs)
	}
	for i, id := range wantValid {
		if got.Decision.ValidIDs[i] != id {
			t.Fatalf("valid ids not deduped and sorted: %+v", got.Decision.ValidIDs)
		}
	}
	if got.Decision.Summary != "**Batch 1**: first\n\n**Batch 2**: second" {
		t.Fatalf("unexpected summary: %q", got.Decision.Summary)
	}
	if got.Usage.PromptTokens != 30 || got.Usage.CompletionTokens != 20 {
		t.Fatalf("usage must sum across batches: %+v", got.Usage)
	}
	if caller.calls != 2 {
		t.Fatalf("expected 2 remote calls, got %d", caller.calls)
	}
}

func TestClassifyAssetsToleratesOutOfRangeIDs(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{{
		text: `{"valid_ids": [0, 99, -1], "cnvd_candidates": [99], "summary": "s", "cnvd_strategy": "c"}`,
	}}}
	a := newTestAnalyzer(t, caller, "", Config{})

	got := a.ClassifyAssets(context.Background(), "公司", []asset.Asset{{Link: "a", Title: "t"}})
	if len(got.CleanAssets) != 1 || got.CleanAssets[0].Link != "a" {
		t.Fatalf("unexpected clean assets: %+v", got.CleanAssets)
	}
	if len(got.PriorityAssets) != 0 {
		t.Fatalf("out-of-range priority id must be dropped: %+v", got.PriorityAssets)
	}
}

func TestClassifyAssetsRecoversFieldsByRegex(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{{
		text: "Here is my analysis:\n```json\n{\"valid_ids\": [0, 1], \"cnvd_candidates\": [1], \"summary\": \"broken trailing comma\", \"cnvd_strategy\": \"check\",}\n```",
	}}}
	a := newTestAnalyzer(t, caller, "", Config{})

	got := a.ClassifyAssets(context.Background(), "公司", []asset.Asset{
		{Link: "a", Title: "x"}, {Link: "b", Title: "y"},
	})
	if len(got.CleanAssets) != 2 {
		t.Fatalf("regex recovery failed: %+v", got.Decision)
	}
	if len(got.PriorityAssets) != 1 || got.PriorityAssets[0].Link != "b" {
		t.Fatalf("unexpected priority: %+v", got.PriorityAssets)
	}
	if got.Decision.Summary != "**Batch 1**: broken trailing comma" {
		t.Fatalf("summary not recovered: %q", got.Decision.Summary)
	}
}

func TestClassifyAssetsRetriesTransientThenSucceeds(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{
		{err: errors.New("upstream status 503")},
		{text: `{"valid_ids": [0], "cnvd_candidates": [], "summary": "ok", "cnvd_strategy": "none"}`,
			usage: asset.Usage{PromptTokens: 7, CompletionTokens: 3}},
	}}
	a := newTestAnalyzer(t, caller, "", Config{})

	got := a.ClassifyAssets(context.Background(), "公司", []asset.Asset{{Link: "a", Title: "t"}})
	if len(got.CleanAssets) != 1 {
		t.Fatalf("expected retry to succeed: %+v", got)
	}
	if caller.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", caller.calls)
	}
}

func TestClassifyAssetsSkipsBatchAfterRetryCeiling(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{
		{err: errors.New("upstream status 500")},
		{err: errors.New("upstream status 500")},
		{text: `{"valid_ids": [1], "cnvd_candidates": [], "summary": "late", "cnvd_strategy": "none"}`},
	}}
	a := newTestAnalyzer(t, caller, "", Config{BatchSize: 1, MaxRetries: 2})

	got := a.ClassifyAssets(context.Background(), "公司", []asset.Asset{
		{Link: "a", Title: "x"}, {Link: "b", Title: "y"},
	})
	if len(got.CleanAssets) != 1 || got.CleanAssets[0].Link != "b" {
		t.Fatalf("expected first batch skipped, second kept: %+v", got.CleanAssets)
	}
}

func TestAuthFailureFallsBackToLocalForWholeSet(t *testing.T) {
	dir := t.TempDir()
	writeAssetModel(t, dir)

	caller := &fakeCaller{t: t, replies: []reply{
		{err: errors.New("api error: status 401 unauthorized")},
	}}
	a := newTestAnalyzer(t, caller, dir, Config{BatchSize: 1})

	assets := []asset.Asset{
		{Link: "a", Title: "办公系统"},
		{Link: "b", Title: "门户系统"},
		{Link: "c", Title: "无关页面"},
	}
	got := a.ClassifyAssets(context.Background(), "公司", assets)

	if caller.calls != 1 {
		t.Fatalf("remote channel must not be retried after auth failure, got %d calls", caller.calls)
	}
	if !a.LocalOnly() {
		t.Fatal("expected permanent switch to local mode")
	}
	if got.Usage.PromptTokens != 0 || got.Usage.CompletionTokens != 0 {
		t.Fatalf("no remote tokens should be charged: %+v", got.Usage)
	}
	if len(got.CleanAssets) != 2 {
		t.Fatalf("expected local classification of the full set: %+v", got.CleanAssets)
	}

	// Later companies in the same run stay local too.
	again := a.ClassifyAssets(context.Background(), "公司二", assets[:1])
	if caller.calls != 1 {
		t.Fatal("expected zero additional remote calls")
	}
	if len(again.CleanAssets) != 1 {
		t.Fatalf("unexpected local result: %+v", again.CleanAssets)
	}
}

func TestClassifyAssetsEmptyInputShortCircuits(t *testing.T) {
	caller := &fakeCaller{t: t}
	a := newTestAnalyzer(t, caller, "", Config{})
	got := a.ClassifyAssets(context.Background(), "公司", nil)
	if caller.calls != 0 {
		t.Fatal("empty input must not call the remote model")
	}
	if len(got.CleanAssets) != 0 || got.Usage.PromptTokens != 0 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestCheckCompanyEligibilityConservativeOnGarbage(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{{text: "I think probably yes?"}}}
	a := newTestAnalyzer(t, caller, "", Config{})
	eligible, reason, _ := a.CheckCompanyEligibility(context.Background(), "某公司")
	if eligible {
		t.Fatal("unparseable eligibility reply must reject")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestCheckCompanyEligibilityFallsBackToLocalOnTransportError(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{{err: errors.New("upstream status 503")}}}
	a := newTestAnalyzer(t, caller, "", Config{})
	eligible, _, _ := a.CheckCompanyEligibility(context.Background(), "某科技公司")
	if !eligible {
		t.Fatal("local engine without artifact fails open")
	}
	if a.LocalOnly() {
		t.Fatal("transient failure must not permanently disable the remote channel")
	}
}

func TestSplitCompanyNameRemote(t *testing.T) {
	caller := &fakeCaller{t: t, replies: []reply{{text: "```json\n[\"示例\", \"示例网络科技\"]\n```"}}}
	a := newTestAnalyzer(t, caller, "", Config{})
	kws, _ := a.SplitCompanyName(context.Background(), "北京示例网络科技有限公司")
	if len(kws) != 2 || kws[0] != "示例" {
		t.Fatalf("unexpected keywords: %+v", kws)
	}
}

func TestRuleSplitStripsRegionAndSuffix(t *testing.T) {
	kws := ruleSplit("北京示例网络科技有限公司")
	if len(kws) != 2 || kws[0] != "示例网络科技" || kws[1] != "北京示例网络科技有限公司" {
		t.Fatalf("unexpected split: %+v", kws)
	}
	if kws := ruleSplit("示例"); len(kws) != 1 || kws[0] != "示例" {
		t.Fatalf("irreducible name must pass through: %+v", kws)
	}
}

func TestStripCodeFences(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	if got := stripCodeFences(in); got != `{"a": 1}` {
		t.Fatalf("unexpected: %q", got)
	}
	if got := stripCodeFences(`{"a": 1}`); got != `{"a": 1}` {
		t.Fatalf("bare json must pass through: %q", got)
	}
}
