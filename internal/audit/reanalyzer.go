package audit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/report"
	"github.com/joelkehle/assetaudit/internal/triage"
)

// Reanalyzer re-classifies companies already in the archive without
// touching the search channel: the raw assets from the first pass are
// read back from the store, run through the junk filter and classifier
// again, and reported into a fresh session. Useful after a model
// upgrade or a denylist change. It keeps its own progress log so a
// re-analysis pass resumes independently of the original run.
type Reanalyzer struct {
	Analyzer *triage.Analyzer
	Store    *report.Store
	Session  *report.Session
	Progress *Progress
	Cost     *CostTracker

	Denylist []string

	now func() time.Time
}

// Run re-analyzes the named companies, or every archived company when
// names is empty. Companies missing from the archive are counted as
// failed; companies already in the re-analysis progress log are
// skipped.
func (r *Reanalyzer) Run(ctx context.Context, names []string) Stats {
	summaries, err := r.Store.ProcessedCompanies()
	if err != nil {
		log.Printf("audit reanalysis_list_failed err=%q", err.Error())
		return Stats{}
	}
	keywords := make(map[string]string, len(summaries))
	for _, s := range summaries {
		keywords[s.Name] = s.MatchedKeyword
	}
	if len(names) == 0 {
		for _, s := range summaries {
			if s.Eligible {
				names = append(names, s.Name)
			}
		}
	}

	var stats Stats
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if r.Progress != nil && r.Progress.Done(name) {
			log.Printf("audit reanalysis_skipped name=%s reason=already_processed", name)
			stats.Skipped++
			continue
		}

		if err := r.runCompany(ctx, name, keywords[name]); err != nil {
			log.Printf("audit reanalysis_failed name=%s err=%q", name, err.Error())
			stats.Failed++
		} else {
			stats.Processed++
		}

		if r.Progress != nil {
			if merr := r.Progress.Mark(name); merr != nil {
				log.Printf("audit progress_mark_failed name=%s err=%q", name, merr.Error())
			}
		}
	}
	return stats
}

func (r *Reanalyzer) runCompany(ctx context.Context, name, matchedKeyword string) error {
	ctx, span := tracer.Start(ctx, "audit.reanalysis", trace.WithAttributes(
		attribute.String("company", name),
	))
	defer span.End()

	raw, err := r.Store.RawAssets(name)
	if err != nil {
		return fmt.Errorf("load archived assets: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("company %s has no archived assets", name)
	}
	previousPriority, err := r.Store.PriorityAssets(name)
	if err != nil {
		return fmt.Errorf("load archived priorities: %w", err)
	}

	filtered, removed := triage.FilterJunk(raw, r.Denylist)
	classification := r.Analyzer.ClassifyAssets(ctx, name, filtered)

	result := report.CompanyResult{
		Company:        name,
		MatchedKeyword: matchedKeyword,
		Eligible:       true,
		Reason:         "re-analysis of archived assets",
		RawAssets:      raw,
		CleanAssets:    classification.CleanAssets,
		PriorityAssets: classification.PriorityAssets,
		Decision:       classification.Decision,
		Usage:          classification.Usage,
		ProcessedAt:    r.timeNow(),
	}
	if r.Cost != nil {
		r.Cost.Record(result.Usage)
		result.CostCNY = r.Cost.Cost(result.Usage)
	}

	fresh := newlyFlagged(previousPriority, result.PriorityAssets)
	if len(fresh) > 0 {
		log.Printf("audit reanalysis_new_priorities company=%s links=%s", name, strings.Join(fresh, ","))
	}
	log.Printf("audit reanalysis_done name=%s raw=%d junk=%d valid=%d priority=%d new_priority=%d",
		name, len(raw), removed, len(result.CleanAssets), len(result.PriorityAssets), len(fresh))

	if r.Session != nil {
		if _, err := r.Session.SaveAnalysis(result); err != nil {
			return err
		}
		if _, err := r.Session.SaveAIReport(ctx, result); err != nil {
			log.Printf("audit report_render_failed company=%s err=%q", name, err.Error())
		}
	}
	return r.Store.SaveResult(result)
}

func (r *Reanalyzer) timeNow() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// newlyFlagged returns the priority links absent from the previous
// pass, preserving the new pass's order.
func newlyFlagged(previous []string, current []asset.Asset) []string {
	seen := make(map[string]bool, len(previous))
	for _, link := range previous {
		seen[link] = true
	}
	var out []string
	for _, a := range current {
		if !seen[a.Link] {
			out = append(out, a.Link)
		}
	}
	return out
}
