package triage

import (
	"log"
	"strings"

	"github.com/joelkehle/assetaudit/internal/asset"
)

// DefaultDenylist covers the junk classes that dominate raw search
// results: gambling and adult spam, parked pages, CDN test endpoints.
var DefaultDenylist = []string{
	"博彩", "赌博", "彩票", "娱乐城", "棋牌",
	"色情", "澳门", "威尼斯人",
	"404", "403", "502", "503",
	"test page", "welcome to nginx", "welcome to openresty",
	"it works", "apache2", "iis windows",
	"域名停靠", "域名出售", "站点已暂停", "建设中",
	"cloudflare", "cdn",
}

// FilterJunk drops assets whose title or link contains a denylisted
// term. Matching is case-insensitive substring over both fields; an
// empty denylist passes everything through unchanged.
func FilterJunk(assets []asset.Asset, denylist []string) ([]asset.Asset, int) {
	if len(denylist) == 0 {
		return assets, 0
	}
	terms := make([]string, len(denylist))
	for i, d := range denylist {
		terms[i] = strings.ToLower(d)
	}
	kept := make([]asset.Asset, 0, len(assets))
	removed := 0
	for _, a := range assets {
		haystack := strings.ToLower(a.Title + " " + a.Link)
		junk := false
		for _, term := range terms {
			if term != "" && strings.Contains(haystack, term) {
				junk = true
				break
			}
		}
		if junk {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	if removed > 0 {
		log.Printf("triage junk_filtered removed=%d kept=%d", removed, len(kept))
	}
	return kept, removed
}
