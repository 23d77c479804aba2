package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/assetaudit/internal/asset"
	"github.com/joelkehle/assetaudit/internal/audit"
	"github.com/joelkehle/assetaudit/internal/config"
	"github.com/joelkehle/assetaudit/internal/fofa"
	"github.com/joelkehle/assetaudit/internal/loader"
	"github.com/joelkehle/assetaudit/internal/localmodel"
	"github.com/joelkehle/assetaudit/internal/report"
	"github.com/joelkehle/assetaudit/internal/telemetry"
	"github.com/joelkehle/assetaudit/internal/triage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration")
	company := flag.String("company", "", "Audit a single company instead of the candidate file")
	localAI := flag.Bool("local-ai", false, "Classify with the local models only, never call the remote model")
	apiMode := flag.String("api-mode", "", "Override search mode: api or web")
	reaudit := flag.Bool("reaudit", false, "Re-classify archived assets instead of searching")
	flag.Parse()

	cfg, generated, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if generated {
		log.Printf("generated default config at %s; fill in FOFA credentials and rerun", *configPath)
		return
	}
	if *apiMode != "" {
		cfg.FOFA.Mode = *apiMode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "asset-audit")
	if err != nil {
		log.Fatal(err)
	}
	defer shutdownTracing(context.Background())

	engine := localmodel.NewEngine(cfg.ModelDir)
	var caller triage.Caller
	if !*localAI {
		c, err := triage.NewAnthropicCallerFromEnv(cfg.LLM.Model)
		if err != nil {
			log.Fatalf("%v (use -local-ai to run without the remote model)", err)
		}
		caller = c
	}
	analyzer := triage.NewAnalyzer(caller, engine, triage.Config{
		BatchSize:  cfg.LLM.BatchSize,
		MaxRetries: cfg.LLM.MaxRetries,
		ForceLocal: *localAI,
	})

	session, err := report.NewSession(cfg.OutputDir, time.Now())
	if err != nil {
		log.Fatal(err)
	}
	store, err := report.OpenStore(cfg.ArchiveDB)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	cost := audit.NewCostTracker(cfg.LLM.PromptPriceCNY, cfg.LLM.CompletionPriceCNY)
	denylist := append(append([]string{}, triage.DefaultDenylist...), cfg.Denylist...)

	var stats audit.Stats
	if *reaudit {
		progress, err := audit.OpenProgress(cfg.ReanalysisProgressFile)
		if err != nil {
			log.Fatal(err)
		}
		defer progress.Close()

		reanalyzer := &audit.Reanalyzer{
			Analyzer: analyzer,
			Store:    store,
			Session:  session,
			Progress: progress,
			Cost:     cost,
			Denylist: denylist,
		}
		var names []string
		if *company != "" {
			names = []string{*company}
		}
		log.Printf("starting re-analysis (archive=%s, output=%s)", cfg.ArchiveDB, session.Dir)
		stats = reanalyzer.Run(ctx, names)
	} else {
		searcher, err := buildSearcher(cfg)
		if err != nil {
			log.Fatal(err)
		}
		if err := searcher.SelfCheck(ctx); err != nil {
			log.Fatalf("search channel self-check failed: %v", err)
		}

		candidates, err := resolveCompanies(*company, cfg, engine)
		if err != nil {
			log.Fatal(err)
		}
		if len(candidates) == 0 {
			log.Fatal("no companies to audit")
		}
		progress, err := audit.OpenProgress(cfg.ProgressFile)
		if err != nil {
			log.Fatal(err)
		}
		defer progress.Close()

		pipeline := &audit.Pipeline{
			Searcher:             searcher,
			Analyzer:             analyzer,
			Session:              session,
			Store:                store,
			Progress:             progress,
			Cost:                 cost,
			Denylist:             denylist,
			EligibilityPrefilter: cfg.LLM.EligibilityPrefilter && *company == "",
		}
		log.Printf("starting audit (companies=%d, mode=%s, output=%s)", len(candidates), cfg.FOFA.Mode, session.Dir)
		stats = pipeline.Run(ctx, candidates)
	}

	usage, cny := cost.Total()
	log.Printf("audit run_done processed=%d rejected=%d skipped=%d failed=%d prompt_tokens=%d completion_tokens=%d cost_cny=%.4f",
		stats.Processed, stats.Rejected, stats.Skipped, stats.Failed,
		usage.PromptTokens, usage.CompletionTokens, cny)
}

func buildSearcher(cfg *config.Config) (*fofa.Client, error) {
	mode := fofa.ModeAPI
	if cfg.FOFA.Mode == "web" {
		mode = fofa.ModeWeb
	}
	creds := make([]fofa.Credential, 0, len(cfg.FOFA.Credentials))
	for _, c := range cfg.FOFA.Credentials {
		if c.Email != "" && c.Key != "" {
			creds = append(creds, fofa.Credential{Email: c.Email, Key: c.Key})
		}
	}
	return fofa.NewClient(fofa.ClientConfig{
		Mode:          mode,
		Credentials:   creds,
		TemplateFiles: cfg.FOFA.TemplateFiles,
		APIURL:        cfg.FOFA.APIURL,
		Size:          cfg.FOFA.Size,
		RateLimitMin:  time.Duration(cfg.FOFA.RateLimitMin) * time.Second,
		RateLimitMax:  time.Duration(cfg.FOFA.RateLimitMax) * time.Second,
	})
}

func resolveCompanies(single string, cfg *config.Config, engine *localmodel.Engine) ([]asset.Candidate, error) {
	if single != "" {
		return []asset.Candidate{{Name: single}}, nil
	}
	opts := loader.Options{
		CapitalThresholdWan: cfg.Loader.CapitalThresholdW,
		ScopeKeywords:       cfg.Loader.ScopeKeywords,
	}
	if cfg.Loader.LocalModelPrefilter {
		opts.Engine = engine
	}
	return loader.LoadCandidates(cfg.Loader.CandidateFile, opts)
}
