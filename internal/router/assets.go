package router

import (
	"path"
	"strings"
)

// Reserved paths answered by the proxy itself; they never reach the origin
// or the render pipeline.
const (
	healthPath  = "/shieldhealth"
	adminPrefix = "/shieldadmin"
)

// assetSuffixes marks paths that bypass the render pipeline entirely.
// Crawlers fetch these directly and rendering them is meaningless.
var assetSuffixes = map[string]struct{}{
	".js":    {},
	".css":   {},
	".png":   {},
	".jpg":   {},
	".jpeg":  {},
	".gif":   {},
	".svg":   {},
	".webp":  {},
	".ico":   {},
	".woff":  {},
	".woff2": {},
	".ttf":   {},
	".eot":   {},
	".mp4":   {},
	".webm":  {},
	".mp3":   {},
	".wav":   {},
	".pdf":   {},
	".json":  {},
	".xml":   {},
	".txt":   {},
	".rss":   {},
	".atom":  {},
}

func isReservedPath(p string) bool {
	return p == healthPath || p == adminPrefix || strings.HasPrefix(p, adminPrefix+"/")
}

// isAssetPath reports whether a path names a static asset. Directory-style
// paths ("/" or anything ending in "/") and reserved paths are never assets.
func isAssetPath(p string) bool {
	if p == "/" || strings.HasSuffix(p, "/") || isReservedPath(p) {
		return false
	}
	ext := strings.ToLower(path.Ext(p))
	_, ok := assetSuffixes[ext]
	return ok
}
