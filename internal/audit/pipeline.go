package audit

import (
	"context"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/fofa"
	"github.com/joelkehle/assetaudit/internal/report"
	"github.com/joelkehle/assetaudit/internal/triage"
)

var tracer = otel.Tracer("github.com/joelkehle/assetaudit/internal/audit")

// Searcher is the slice of the search client the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, keyword string) (any, string, error)
}

// Pipeline drives the per-company flow: eligibility gate, keyword
// derivation, search, extraction, junk filter, merge, classification,
// reporting, archiving. Companies are processed one at a time; search
// providers throttle aggressively and the order of results matters
// for resume.
type Pipeline struct {
	Searcher Searcher
	Analyzer *triage.Analyzer
	Session  *report.Session
	Store    *report.Store
	Progress *Progress
	Cost     *CostTracker

	Denylist             []string
	EligibilityPrefilter bool
	FingerprintThreshold int

	now func() time.Time
}

// Stats summarizes one run.
type Stats struct {
	Processed int
	Skipped   int
	Rejected  int
	Failed    int
}

func (p *Pipeline) timeNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Run processes each candidate in order, skipping names already in
// the progress log. A company that fails is logged, marked processed,
// and does not stop the run.
func (p *Pipeline) Run(ctx context.Context, candidates []asset.Candidate) Stats {
	var stats Stats
	for _, cand := range candidates {
		name := strings.TrimSpace(cand.Name)
		if name == "" {
			continue
		}
		if p.Progress != nil && p.Progress.Done(name) {
			log.Printf("audit company_skipped name=%s reason=already_processed", name)
			stats.Skipped++
			continue
		}

		cand.Name = name
		result, err := p.RunCompany(ctx, cand)
		switch {
		case err != nil:
			log.Printf("audit company_failed name=%s err=%q", name, err.Error())
			stats.Failed++
		case !result.Eligible:
			stats.Rejected++
		default:
			stats.Processed++
		}

		if p.Progress != nil {
			if merr := p.Progress.Mark(name); merr != nil {
				log.Printf("audit progress_mark_failed name=%s err=%q", name, merr.Error())
			}
		}
	}
	return stats
}

// RunCompany executes the full flow for one candidate and writes its
// artifacts. The returned result is also archived when a store is
// configured.
func (p *Pipeline) RunCompany(ctx context.Context, cand asset.Candidate) (report.CompanyResult, error) {
	name := cand.Name
	ctx, span := tracer.Start(ctx, "audit.company", trace.WithAttributes(
		attribute.String("company", name),
	))
	defer span.End()

	if cand.MatchedKeyword != "" {
		log.Printf("audit company_start name=%s scope_keyword=%s", name, cand.MatchedKeyword)
	}
	result := report.CompanyResult{
		Company:        name,
		MatchedKeyword: cand.MatchedKeyword,
		Eligible:       true,
		ProcessedAt:    p.timeNow(),
	}

	if p.EligibilityPrefilter {
		eligible, reason, usage := p.Analyzer.CheckCompanyEligibility(ctx, name)
		result.Usage.Add(usage)
		result.Eligible = eligible
		result.Reason = reason
		if !eligible {
			log.Printf("audit company_rejected name=%s reason=%q", name, reason)
			p.finalize(&result)
			return result, p.archive(result)
		}
	}

	keywords, kwUsage := p.Analyzer.SplitCompanyName(ctx, name)
	result.Usage.Add(kwUsage)
	result.Keywords = keywords

	var groups [][]asset.Asset
	searchFailures := 0
	for _, kw := range keywords {
		raw, query, err := p.Searcher.Search(ctx, kw)
		if err != nil {
			log.Printf("audit search_failed company=%s keyword=%s err=%q", name, kw, err.Error())
			searchFailures++
			continue
		}
		extracted := fofa.ExtractAssets(raw)
		for i := range extracted {
			extracted[i].SearchKeyword = kw
			extracted[i].QuerySyntax = query
		}
		log.Printf("audit search_done company=%s keyword=%s assets=%d", name, kw, len(extracted))
		groups = append(groups, extracted)
	}

	merged := asset.MergeByLink(groups...)
	result.RawAssets = merged
	filtered, removed := triage.FilterJunk(merged, p.Denylist)

	classification := p.Analyzer.ClassifyAssets(ctx, name, filtered)
	result.CleanAssets = classification.CleanAssets
	result.PriorityAssets = classification.PriorityAssets
	result.Decision = classification.Decision
	result.Usage.Add(classification.Usage)

	if notes := dominantTitles(filtered, p.FingerprintThreshold); len(notes) > 0 {
		note := "Repeated page titles suggest templated or parked hosts: " + strings.Join(notes, "; ")
		if result.Decision.Summary != "" {
			result.Decision.Summary += "\n\n" + note
		} else {
			result.Decision.Summary = note
		}
	}

	p.finalize(&result)
	span.SetAttributes(
		attribute.Int("assets.raw", len(merged)),
		attribute.Int("assets.filtered", removed),
		attribute.Int("assets.valid", len(result.CleanAssets)),
		attribute.Int("assets.priority", len(result.PriorityAssets)),
	)
	log.Printf("audit company_done name=%s raw=%d junk=%d valid=%d priority=%d search_failures=%d cost_cny=%.4f",
		name, len(merged), removed, len(result.CleanAssets), len(result.PriorityAssets), searchFailures, result.CostCNY)

	if p.Session != nil {
		if _, err := p.Session.SaveRawAssets(name, merged); err != nil {
			return result, err
		}
		if _, err := p.Session.SaveAnalysis(result); err != nil {
			return result, err
		}
		if _, err := p.Session.SaveAIReport(ctx, result); err != nil {
			log.Printf("audit report_render_failed company=%s err=%q", name, err.Error())
		}
	}
	return result, p.archive(result)
}

func (p *Pipeline) finalize(result *report.CompanyResult) {
	if p.Cost != nil {
		p.Cost.Record(result.Usage)
		result.CostCNY = p.Cost.Cost(result.Usage)
	}
}

func (p *Pipeline) archive(result report.CompanyResult) error {
	if p.Store == nil {
		return nil
	}
	return p.Store.SaveResult(result)
}

// dominantTitles flags titles repeated at or above the threshold, in
// first-seen order. Large clusters of identical titles usually mean a
// hosting template, not real distinct systems.
func dominantTitles(assets []asset.Asset, threshold int) []string {
	if threshold <= 0 {
		threshold = 10
	}
	counts := map[string]int{}
	var order []string
	for _, a := range assets {
		title := strings.TrimSpace(a.Title)
		if title == "" {
			continue
		}
		if counts[title] == 0 {
			order = append(order, title)
		}
		counts[title]++
	}
	var out []string
	for _, title := range order {
		if counts[title] >= threshold {
			out = append(out, title)
		}
	}
	return out
}
