package fofa

import (
	"strconv"
	"strings"

	"github.com/joelkehle/assetaudit/internal/asset"
)

// ExtractAssets pulls assets out of a raw search response. Both response
// shapes are tolerated: the official API returns `results` as an array of
// field arrays (order matching the requested fields), the web front-end
// returns `data` or `results` as an array of objects. Records without a
// link never surface.
func ExtractAssets(raw any) []asset.Asset {
	items, apiShape := resultItems(raw)
	assets := make([]asset.Asset, 0, len(items))
	for _, item := range items {
		var a asset.Asset
		if apiShape {
			row, ok := item.([]any)
			if !ok {
				continue
			}
			// fields: host,ip,port,title,...
			a.Link = str(row, 0)
			a.IP = str(row, 1)
			a.Port = str(row, 2)
			a.Title = str(row, 3)
		} else {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			a.Link = stringValue(m["link"])
			if a.Link == "" {
				a.Link = stringValue(m["host"])
			}
			a.Title = stringValue(m["title"])
			a.IP = stringValue(m["ip"])
			a.Port = stringValue(m["port"])
		}
		a.Title = strings.TrimSpace(a.Title)
		if strings.TrimSpace(a.Link) == "" {
			continue
		}
		assets = append(assets, a)
	}
	return assets
}

func resultItems(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, false
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			return data, false
		}
		if results, ok := v["results"].([]any); ok {
			if len(results) > 0 {
				if _, isRow := results[0].([]any); isRow {
					return results, true
				}
			}
			return results, false
		}
	}
	return nil, false
}

func str(row []any, i int) string {
	if i >= len(row) {
		return ""
	}
	return stringValue(row[i])
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}
