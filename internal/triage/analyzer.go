package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/localmodel"
)

const (
	DefaultBatchSize  = 1000
	DefaultMaxRetries = 3

	interBatchPause = 2 * time.Second
)

var tracer = otel.Tracer("github.com/joelkehle/assetaudit/internal/triage")

var (
	validIDsRe = regexp.MustCompile(`"valid_ids"\s*:\s*\[([\d,\s]*)\]`)
	cnvdIDsRe  = regexp.MustCompile(`"cnvd_candidates"\s*:\s*\[([\d,\s]*)\]`)
	summaryRe  = regexp.MustCompile(`"summary"\s*:\s*"([^"]*)"`)
	strategyRe = regexp.MustCompile(`"cnvd_strategy"\s*:\s*"([^"]*)"`)
)

// Analyzer runs asset classification against the remote model in fixed
// size batches, with the local engine as a fallback. Once an auth or
// quota failure is seen the analyzer switches to the local engine for
// the rest of its lifetime.
type Analyzer struct {
	caller     Caller
	local      *localmodel.Engine
	batchSize  int
	maxRetries int
	localOnly  bool

	sleep func(time.Duration)
}

type Config struct {
	BatchSize  int
	MaxRetries int
	// ForceLocal skips the remote model entirely.
	ForceLocal bool
}

// Classification is the aggregated outcome for one company's asset set.
type Classification struct {
	CleanAssets    []asset.Asset
	PriorityAssets []asset.Asset
	Usage          asset.Usage
	Decision       asset.Decision
}

type leanItem struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func NewAnalyzer(caller Caller, local *localmodel.Engine, cfg Config) *Analyzer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Analyzer{
		caller:     caller,
		local:      local,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		localOnly:  cfg.ForceLocal || caller == nil,
		sleep:      time.Sleep,
	}
}

// LocalOnly reports whether the analyzer has stopped calling the
// remote model, either by configuration or after an auth failure.
func (a *Analyzer) LocalOnly() bool { return a.localOnly }

func (a *Analyzer) fallBackToLocal(reason string) {
	if !a.localOnly {
		log.Printf("triage remote_disabled reason=%q", reason)
		a.localOnly = true
	}
}

// ClassifyAssets partitions the asset list into batches, classifies
// each batch remotely, and merges the per-batch decisions. Asset ids
// in prompts and replies index into the full input slice, so batch
// results need no offset adjustment when merged.
func (a *Analyzer) ClassifyAssets(ctx context.Context, company string, assets []asset.Asset) Classification {
	if len(assets) == 0 {
		return Classification{Decision: asset.Decision{Summary: "no assets to classify", CNVDStrategy: "none"}}
	}
	if a.localOnly {
		return a.classifyLocal(assets, asset.Usage{})
	}

	items := make([]leanItem, len(assets))
	for i, ast := range assets {
		items[i] = leanItem{ID: i, Title: strings.TrimSpace(ast.Title)}
	}
	batchTotal := (len(items) + a.batchSize - 1) / a.batchSize

	var total asset.Usage
	var validIDs, cnvdIDs []int
	var summaries, strategies []string

	for start := 0; start < len(items); start += a.batchSize {
		end := start + a.batchSize
		if end > len(items) {
			end = len(items)
		}
		batchNo := start/a.batchSize + 1

		decision, usage, err := a.classifyBatch(ctx, company, items[start:end], batchNo, batchTotal)
		total.Add(usage)
		if err != nil {
			if classifyFailure(err) == failureAuth {
				a.fallBackToLocal(err.Error())
				return a.classifyLocal(assets, total)
			}
			log.Printf("triage batch_skipped company=%s batch=%d/%d err=%q", company, batchNo, batchTotal, err.Error())
			continue
		}

		validIDs = append(validIDs, decision.ValidIDs...)
		cnvdIDs = append(cnvdIDs, decision.CNVDCandidates...)
		if s := strings.TrimSpace(decision.Summary); s != "" {
			summaries = append(summaries, fmt.Sprintf("**Batch %d**: %s", batchNo, s))
		}
		if s := strings.TrimSpace(decision.CNVDStrategy); s != "" {
			strategies = append(strategies, fmt.Sprintf("**Batch %d**: %s", batchNo, s))
		}
		if end < len(items) {
			a.sleep(interBatchPause)
		}
	}

	validIDs = asset.DedupIDs(validIDs)
	sort.Ints(validIDs)
	cnvdIDs = asset.Intersect(asset.DedupIDs(cnvdIDs), validIDs)
	sort.Ints(cnvdIDs)

	decision := asset.Decision{
		ValidIDs:       validIDs,
		CNVDCandidates: cnvdIDs,
		Summary:        strings.Join(summaries, "\n\n"),
		CNVDStrategy:   strings.Join(strategies, "\n\n"),
	}
	out := Classification{
		CleanAssets:    asset.Resolve(assets, validIDs),
		PriorityAssets: asset.Resolve(assets, cnvdIDs),
		Usage:          total,
		Decision:       decision,
	}
	log.Printf("triage assets_classified company=%s total=%d valid=%d priority=%d prompt_tokens=%d completion_tokens=%d",
		company, len(assets), len(out.CleanAssets), len(out.PriorityAssets), total.PromptTokens, total.CompletionTokens)
	return out
}

func (a *Analyzer) classifyLocal(assets []asset.Asset, carried asset.Usage) Classification {
	clean, priority, usage, decision := a.local.PredictAssets(assets)
	carried.Add(usage)
	return Classification{CleanAssets: clean, PriorityAssets: priority, Usage: carried, Decision: decision}
}

func (a *Analyzer) classifyBatch(ctx context.Context, company string, items []leanItem, batchNo, batchTotal int) (asset.Decision, asset.Usage, error) {
	ctx, span := tracer.Start(ctx, "triage.batch", trace.WithAttributes(
		attribute.String("company", company),
		attribute.Int("batch", batchNo),
		attribute.Int("assets", len(items)),
	))
	defer span.End()

	prompt := classifyPrompt(company, items, batchNo, batchTotal)
	var total asset.Usage
	var lastErr error

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		text, usage, err := a.caller.Generate(ctx, prompt)
		total.Add(usage)
		if err != nil {
			switch classifyFailure(err) {
			case failureAuth:
				return asset.Decision{}, total, err
			case failureClient:
				return asset.Decision{}, total, err
			}
			lastErr = err
			log.Printf("triage batch_retry batch=%d attempt=%d err=%q", batchNo, attempt, err.Error())
			if attempt < a.maxRetries {
				a.sleep(backoffDelay(attempt))
			}
			continue
		}

		decision, perr := parseDecision(text)
		if perr != nil {
			lastErr = perr
			log.Printf("triage batch_unparseable batch=%d attempt=%d err=%q", batchNo, attempt, perr.Error())
			if attempt < a.maxRetries {
				a.sleep(backoffDelay(attempt))
			}
			continue
		}
		return decision, total, nil
	}
	return asset.Decision{}, total, fmt.Errorf("batch %d failed after %d attempts: %w", batchNo, a.maxRetries, lastErr)
}

// parseDecision decodes the model reply, falling back to per-field
// regex extraction when the reply is not well formed JSON.
func parseDecision(text string) (asset.Decision, error) {
	cleaned := stripCodeFences(text)
	var d asset.Decision
	if err := json.Unmarshal([]byte(cleaned), &d); err == nil {
		return d, nil
	}

	recovered := false
	if m := validIDsRe.FindStringSubmatch(cleaned); len(m) == 2 {
		d.ValidIDs = parseIDList(m[1])
		recovered = true
	}
	if m := cnvdIDsRe.FindStringSubmatch(cleaned); len(m) == 2 {
		d.CNVDCandidates = parseIDList(m[1])
		recovered = true
	}
	if m := summaryRe.FindStringSubmatch(cleaned); len(m) == 2 {
		d.Summary = m[1]
	}
	if m := strategyRe.FindStringSubmatch(cleaned); len(m) == 2 {
		d.CNVDStrategy = m[1]
	}
	if !recovered {
		return asset.Decision{}, fmt.Errorf("reply is not valid JSON and no id fields could be recovered")
	}
	log.Printf("triage decision_recovered_by_regex valid=%d priority=%d", len(d.ValidIDs), len(d.CNVDCandidates))
	return d, nil
}

func parseIDList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func classifyPrompt(company string, items []leanItem, batchNo, batchTotal int) string {
	blob, _ := json.Marshal(items)
	var b strings.Builder
	fmt.Fprintf(&b, "Company under review: %s\n", company)
	fmt.Fprintf(&b, "Asset batch %d of %d. Each entry is {\"id\", \"title\"} where title is the HTTP page title of a discovered asset.\n\n", batchNo, batchTotal)
	b.Write(blob)
	b.WriteString("\n\nTask:\n")
	b.WriteString("1. valid_ids: ids of real business systems belonging to the company (OA portals, admin consoles, VPN gateways, mail systems, self-built applications). Exclude spam, parked domains, CDN defaults and unrelated third-party sites.\n")
	b.WriteString("2. cnvd_candidates: the subset of valid_ids most promising for vulnerability reporting (exposed management backends, outdated frameworks, single sign-on entrances).\n")
	b.WriteString("3. summary: two or three sentences on the company's exposed attack surface.\n")
	b.WriteString("4. cnvd_strategy: concrete next steps for verifying the candidate systems.\n\n")
	b.WriteString(`Reply with a single JSON object: {"valid_ids": [...], "cnvd_candidates": [...], "summary": "...", "cnvd_strategy": "..."}. No markdown, no extra keys.`)
	return b.String()
}

// CheckCompanyEligibility asks whether a company is a plausible target
// before any search quota is spent on it. Unparseable replies are
// treated as a conservative reject; transport failures defer to the
// local model instead.
func (a *Analyzer) CheckCompanyEligibility(ctx context.Context, name string) (bool, string, asset.Usage) {
	if a.localOnly {
		return a.local.PredictCompanyEligibility(name)
	}

	prompt := fmt.Sprintf("Company name: %s\n\nIs this company a plausible owner of self-built internet-facing business systems (tech, software, manufacturing with an IT footprint)? Pure shells, small shops and individuals are not. Reply with a single JSON object: {\"eligible\": true or false, \"reason\": \"...\"}.", name)
	text, usage, err := a.caller.Generate(ctx, prompt)
	if err != nil {
		if classifyFailure(err) == failureAuth {
			a.fallBackToLocal(err.Error())
		}
		log.Printf("triage eligibility_remote_failed name=%s err=%q", name, err.Error())
		eligible, reason, _ := a.local.PredictCompanyEligibility(name)
		return eligible, reason, usage
	}

	var reply struct {
		Eligible bool   `json:"eligible"`
		Reason   string `json:"reason"`
	}
	if jerr := json.Unmarshal([]byte(stripCodeFences(text)), &reply); jerr != nil {
		log.Printf("triage eligibility_unparseable name=%s err=%q", name, jerr.Error())
		return false, "eligibility reply unparseable (conservative skip)", usage
	}
	return reply.Eligible, reply.Reason, usage
}

// SplitCompanyName extracts search keywords from a registered company
// name, e.g. the short brand plus the full name. Falls back to rule
// based suffix stripping when the remote model is unavailable.
func (a *Analyzer) SplitCompanyName(ctx context.Context, name string) ([]string, asset.Usage) {
	if a.localOnly {
		return ruleSplit(name), asset.Usage{}
	}

	prompt := fmt.Sprintf("Registered company name: %s\n\nExtract up to 3 distinctive keywords for searching this company's web assets: the short brand name, and the registered name without region prefix or corporate suffix. Reply with a single JSON array of strings.", name)
	text, usage, err := a.caller.Generate(ctx, prompt)
	if err != nil {
		if classifyFailure(err) == failureAuth {
			a.fallBackToLocal(err.Error())
		}
		log.Printf("triage keyword_remote_failed name=%s err=%q", name, err.Error())
		return ruleSplit(name), usage
	}

	var keywords []string
	if jerr := json.Unmarshal([]byte(stripCodeFences(text)), &keywords); jerr != nil {
		log.Printf("triage keyword_unparseable name=%s err=%q", name, jerr.Error())
		return ruleSplit(name), usage
	}
	out := keywords[:0]
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	if len(out) == 0 {
		return ruleSplit(name), usage
	}
	return out, usage
}

var regionPrefixes = []string{
	"北京", "上海", "深圳", "广州", "杭州", "南京", "成都", "武汉",
	"天津", "重庆", "西安", "苏州", "青岛", "厦门", "长沙", "合肥",
}

var corporateSuffixes = []string{
	"股份有限公司", "有限责任公司", "有限公司", "股份公司",
	"集团有限", "集团", "公司",
}

// ruleSplit strips a leading region and trailing corporate suffix so
// the remaining brand fragment can serve as a search keyword.
func ruleSplit(name string) []string {
	core := strings.TrimSpace(name)
	for _, p := range regionPrefixes {
		if strings.HasPrefix(core, p) {
			core = strings.TrimPrefix(core, p)
			break
		}
	}
	for _, s := range corporateSuffixes {
		if strings.HasSuffix(core, s) {
			core = strings.TrimSuffix(core, s)
			break
		}
	}
	core = strings.TrimSpace(core)
	if core == "" || core == name {
		return []string{name}
	}
	return []string{core, name}
}
