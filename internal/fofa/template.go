package fofa

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
)

// RequestTemplate is a pre-captured raw HTTP request against a FOFA web
// front-end, replayed with the query substituted into the fofa_yf field.
// Templates are captured from an authenticated browser session and carry
// the session cookies in their headers.
type RequestTemplate struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// LoadTemplates parses raw HTTP request dumps into a template pool.
// Unparseable files are skipped with a warning rather than aborting:
// one stale capture should not take down the whole pool.
func LoadTemplates(paths []string) ([]RequestTemplate, error) {
	templates := make([]RequestTemplate, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			log.Printf("fofa template_read_error path=%s err=%q", path, err.Error())
			continue
		}
		tmpl, err := ParseTemplate(string(content))
		if err != nil {
			log.Printf("fofa template_parse_error path=%s err=%q", path, err.Error())
			continue
		}
		log.Printf("fofa template_loaded url=%s", tmpl.URL)
		templates = append(templates, tmpl)
	}
	return templates, nil
}

// ParseTemplate splits a raw HTTP request into request line, headers and
// body. Content-Length and Accept-Encoding are dropped; the transport
// recomputes them.
func ParseTemplate(content string) (RequestTemplate, error) {
	headerPart, bodyPart, ok := strings.Cut(content, "\n\n")
	if !ok {
		headerPart, bodyPart, ok = strings.Cut(content, "\r\n\r\n")
	}
	if !ok {
		return RequestTemplate{}, fmt.Errorf("no header/body separator")
	}

	lines := strings.Split(strings.ReplaceAll(headerPart, "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return RequestTemplate{}, fmt.Errorf("empty request")
	}
	reqLine := strings.Fields(lines[0])
	if len(reqLine) < 2 {
		return RequestTemplate{}, fmt.Errorf("malformed request line %q", lines[0])
	}
	method := reqLine[0]
	path := reqLine[1]

	headers := map[string]string{}
	host := ""
	for _, line := range lines[1:] {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch strings.ToLower(key) {
		case "host":
			host = val
		case "content-length", "accept-encoding":
			continue
		}
		headers[key] = val
	}
	if host == "" {
		return RequestTemplate{}, fmt.Errorf("missing Host header")
	}
	delete(headers, "Host")

	scheme := "https"
	if origin, ok := headers["Origin"]; ok && strings.HasPrefix(origin, "http:") {
		scheme = "http"
	}

	return RequestTemplate{
		URL:     scheme + "://" + host + path,
		Method:  method,
		Headers: headers,
		Body:    strings.TrimSpace(bodyPart),
	}, nil
}

// FormData rebuilds the captured form body with the query substituted in.
// fofa_ts is pinned to the maximum page size the web front-end accepts.
func (t RequestTemplate) FormData(query string) url.Values {
	form := url.Values{}
	if parsed, err := url.ParseQuery(t.Body); err == nil {
		for k, vals := range parsed {
			if len(vals) > 0 {
				form.Set(k, vals[0])
			}
		}
	}
	if len(form) == 0 {
		form.Set("action", "fofa_cx")
	}
	form.Set("fofa_yf", query)
	form.Set("fofa_ts", "10000")
	return form
}
