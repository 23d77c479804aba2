package localmodel

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joelkehle/assetaudit/internal/asset"
)

const (
	AssetModelFile    = "local_model.json"
	CompanyModelFile  = "company_model.json"
	PriorityModelFile = "cnvd_model.json"
)

// Engine wraps the three optional persisted classifiers. Each artifact is
// loaded lazily on first use; a missing or corrupt artifact is non-fatal
// and degrades per call site: company eligibility fails open, asset
// classification reports itself unavailable, priority flagging is skipped.
type Engine struct {
	dir string

	assetOnce    sync.Once
	companyOnce  sync.Once
	priorityOnce sync.Once

	assetModel    *Model
	companyModel  *Model
	priorityModel *Model
}

func NewEngine(dir string) *Engine {
	return &Engine{dir: dir}
}

func (e *Engine) loadAsset() *Model {
	e.assetOnce.Do(func() {
		e.assetModel = e.load(AssetModelFile, "asset")
	})
	return e.assetModel
}

func (e *Engine) loadCompany() *Model {
	e.companyOnce.Do(func() {
		e.companyModel = e.load(CompanyModelFile, "company")
	})
	return e.companyModel
}

func (e *Engine) loadPriority() *Model {
	e.priorityOnce.Do(func() {
		e.priorityModel = e.load(PriorityModelFile, "priority")
	})
	return e.priorityModel
}

func (e *Engine) load(file, kind string) *Model {
	path := filepath.Join(e.dir, file)
	m, err := LoadModel(path)
	if err != nil {
		log.Printf("localmodel artifact_unavailable kind=%s path=%s err=%q", kind, path, err.Error())
		return nil
	}
	log.Printf("localmodel artifact_loaded kind=%s path=%s terms=%d", kind, path, len(m.Vocabulary))
	return m
}

// PredictCompanyEligibility decides whether a company is worth searching at
// all. Fail-open: a missing or broken local model never blocks the pipeline.
func (e *Engine) PredictCompanyEligibility(name string) (bool, string, asset.Usage) {
	m := e.loadCompany()
	if m == nil {
		return true, "local company model unavailable (default pass)", asset.Usage{}
	}
	label := m.Predict([]string{name})[0]
	proba := m.PredictProba([]string{name})[0]
	eligible := label == 1
	verdict := "rejected"
	if eligible {
		verdict = "passed"
	}
	log.Printf("localmodel company_eligibility name=%s eligible=%t confidence=%.2f", name, eligible, proba)
	return eligible, fmt.Sprintf("local model %s (confidence %.2f)", verdict, proba), asset.Usage{}
}

// PredictAssets classifies asset titles with the primary validity model,
// then consults the optional priority model for each valid asset. Output
// mirrors the remote classifier's decision shape; usage is always zero.
func (e *Engine) PredictAssets(assets []asset.Asset) ([]asset.Asset, []asset.Asset, asset.Usage, asset.Decision) {
	m := e.loadAsset()
	if m == nil {
		log.Printf("localmodel asset_model_unavailable count=%d", len(assets))
		return nil, nil, asset.Usage{}, asset.Decision{
			Summary:      "local asset model unavailable; no classification performed",
			CNVDStrategy: "none",
		}
	}

	titles := make([]string, len(assets))
	for i, a := range assets {
		titles[i] = strings.TrimSpace(a.Title)
	}
	labels := m.Predict(titles)

	priorityModel := e.loadPriority()
	validIDs := []int{}
	priorityIDs := []int{}
	for i, label := range labels {
		if label != 1 {
			continue
		}
		validIDs = append(validIDs, i)
		if priorityModel != nil && priorityModel.Predict([]string{titles[i]})[0] == 1 {
			priorityIDs = append(priorityIDs, i)
		}
	}

	decision := asset.Decision{
		ValidIDs:       validIDs,
		CNVDCandidates: priorityIDs,
		Summary: fmt.Sprintf("local model scan: %d assets, %d valid business systems, %d priority candidates",
			len(assets), len(validIDs), len(priorityIDs)),
		CNVDStrategy: "offline classification only; manual review recommended before testing",
	}
	clean := asset.Resolve(assets, validIDs)
	priority := asset.Resolve(assets, priorityIDs)
	log.Printf("localmodel assets_classified total=%d valid=%d priority=%d", len(assets), len(clean), len(priority))
	return clean, priority, asset.Usage{}, decision
}
