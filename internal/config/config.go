package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk YAML configuration for one deployment.
type Config struct {
	FOFA struct {
		Mode          string           `yaml:"mode"`
		APIURL        string           `yaml:"api_url"`
		Size          int              `yaml:"size"`
		RateLimitMin  int              `yaml:"rate_limit_min_seconds"`
		RateLimitMax  int              `yaml:"rate_limit_max_seconds"`
		Credentials   []FOFACredential `yaml:"credentials"`
		TemplateFiles []string         `yaml:"template_files"`
	} `yaml:"fofa"`

	LLM struct {
		Model                string  `yaml:"model"`
		BatchSize            int     `yaml:"batch_size"`
		MaxRetries           int     `yaml:"max_retries"`
		PromptPriceCNY       float64 `yaml:"prompt_price_cny_per_mtok"`
		CompletionPriceCNY   float64 `yaml:"completion_price_cny_per_mtok"`
		EligibilityPrefilter bool    `yaml:"eligibility_prefilter"`
	} `yaml:"llm"`

	Loader struct {
		CandidateFile       string   `yaml:"candidate_file"`
		CapitalThresholdW   float64  `yaml:"capital_threshold_wan"`
		ScopeKeywords       []string `yaml:"scope_keywords"`
		LocalModelPrefilter bool     `yaml:"local_model_prefilter"`
	} `yaml:"loader"`

	ModelDir               string   `yaml:"model_dir"`
	OutputDir              string   `yaml:"output_dir"`
	ArchiveDB              string   `yaml:"archive_db"`
	ProgressFile           string   `yaml:"progress_file"`
	ReanalysisProgressFile string   `yaml:"reanalysis_progress_file"`
	Denylist               []string `yaml:"denylist"`
}

type FOFACredential struct {
	Email string `yaml:"email"`
	Key   string `yaml:"key"`
}

// Load reads the YAML config at path. When the file does not exist a
// commented default is generated and generated=true is returned so the
// caller can tell the operator to fill in credentials and rerun.
func Load(path string) (cfg *Config, generated bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		if werr := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); werr != nil {
			return nil, false, fmt.Errorf("generate default config: %w", werr)
		}
		return nil, true, nil
	}

	cfg = &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, false, nil
}

func (c *Config) applyDefaults() {
	if c.FOFA.Mode == "" {
		c.FOFA.Mode = "api"
	}
	if c.FOFA.Size <= 0 {
		c.FOFA.Size = 10000
	}
	if c.FOFA.RateLimitMin <= 0 {
		c.FOFA.RateLimitMin = 2
	}
	if c.FOFA.RateLimitMax < c.FOFA.RateLimitMin {
		c.FOFA.RateLimitMax = c.FOFA.RateLimitMin + 3
	}
	if c.LLM.BatchSize <= 0 {
		c.LLM.BatchSize = 1000
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.PromptPriceCNY <= 0 {
		c.LLM.PromptPriceCNY = 2.0
	}
	if c.LLM.CompletionPriceCNY <= 0 {
		c.LLM.CompletionPriceCNY = 8.0
	}
	if c.Loader.CapitalThresholdW <= 0 {
		c.Loader.CapitalThresholdW = 1000
	}
	if c.ModelDir == "" {
		c.ModelDir = "models"
	}
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.ArchiveDB == "" {
		c.ArchiveDB = "audit_archive.db"
	}
	if c.ProgressFile == "" {
		c.ProgressFile = "progress.txt"
	}
	if c.ReanalysisProgressFile == "" {
		c.ReanalysisProgressFile = "reanalysis_progress.txt"
	}
}

const defaultConfigYAML = `# asset-audit configuration

fofa:
  mode: api                      # api | web
  api_url: "https://fofa.info/api/v1/search/all"
  size: 10000                    # max results per query
  rate_limit_min_seconds: 2      # random pause between searches
  rate_limit_max_seconds: 5
  credentials:                   # official API credential pool, rotated on failure
    - email: ""
      key: ""
  template_files: []             # captured raw HTTP request files for web mode

llm:
  model: ""                      # empty uses the built-in default
  batch_size: 1000               # assets per classification request
  max_retries: 3
  prompt_price_cny_per_mtok: 2.0
  completion_price_cny_per_mtok: 8.0
  eligibility_prefilter: true    # ask before spending search quota on a company

loader:
  candidate_file: "companies.xlsx"
  capital_threshold_wan: 1000    # minimum paid-in capital, in 万
  scope_keywords: ["软件", "网络", "信息技术", "系统集成", "数据"]
  local_model_prefilter: false

model_dir: "models"              # local_model.json / company_model.json / cnvd_model.json
output_dir: "output"
archive_db: "audit_archive.db"
progress_file: "progress.txt"
reanalysis_progress_file: "reanalysis_progress.txt"
denylist: []                     # extra junk-title terms on top of the built-ins
`
