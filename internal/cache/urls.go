package cache

import (
	"path"
	"regexp"
	"strings"
)

var bareDomain = regexp.MustCompile(`(?i)^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*\.([a-z]{2,})(?::\d+)?$`)

// Extensions that make "guide.pdf" a file name rather than a host.
var fileExtensions = map[string]bool{
	"html": true, "htm": true, "md": true, "pdf": true, "txt": true,
	"php": true, "aspx": true, "docx": true, "doc": true, "csv": true,
	"json": true, "xml": true, "xlsx": true, "pptx": true,
}

// EnrichURL resolves a stored source URL against the deployment's canonical origin.
func EnrichURL(raw, origin string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if isAbsoluteURL(u) {
		return u
	}
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}

	origin = strings.TrimRight(origin, "/")
	if strings.HasPrefix(u, "/") {
		return origin + u
	}

	host := u
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if m := bareDomain.FindStringSubmatch(host); m != nil && !fileExtensions[strings.ToLower(m[1])] {
		return "https://" + u
	}

	return origin + "/" + strings.TrimPrefix(path.Clean("/"+u), "/")
}
