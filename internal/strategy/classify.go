// Package strategy decides how an intercepted request is answered: it
// classifies the request and routes it to Cache-First, Stale-While-Revalidate,
// the navigation fallback, or a plain uncached fetch.
package strategy

import (
	"net/http"
	"path"
	"strings"

	"github.com/shellcache/shellcache/internal/network"
)

// Class 是请求分类结果。
type Class string

const (
	ClassNavigation   Class = "navigation"
	ClassCoreAsset    Class = "core-asset"
	ClassStatic       Class = "static"
	ClassRuntimeMedia Class = "runtime-media"
	ClassPassthrough  Class = "passthrough"
)

// ManifestIndex 是分类器需要的最小清单能力。
type ManifestIndex interface {
	Contains(key string) bool
}

// Classify 是纯函数：同样的请求与清单总是得到同样的分类。
func Classify(req network.Request, manifest ManifestIndex) Class {
	if req.Method != http.MethodGet {
		return ClassPassthrough
	}
	if isNavigation(req) {
		return ClassNavigation
	}
	if manifest != nil && manifest.Contains(req.Key()) {
		return ClassCoreAsset
	}
	switch destinationOf(req) {
	case "script", "style":
		return ClassStatic
	case "image", "font", "json":
		return ClassRuntimeMedia
	}
	return ClassPassthrough
}

func isNavigation(req network.Request) bool {
	if req.Mode == "navigate" || req.Destination == "document" {
		return true
	}
	if req.Mode != "" || req.Destination != "" {
		return false
	}
	// 没有 Sec-Fetch-* 的老客户端：接受 HTML 的页面路径视为导航。
	ext := strings.ToLower(path.Ext(req.Path()))
	if ext != "" && ext != ".html" && ext != ".htm" {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// destinationOf 优先使用 Sec-Fetch-Dest；缺失时按扩展名推断。
// 空 destination 且以 .json 结尾的请求视为数据文档（fetch() 拉取的 JSON 即是如此）。
func destinationOf(req network.Request) string {
	ext := strings.ToLower(path.Ext(req.Path()))
	if req.Destination != "" && req.Destination != "empty" {
		return req.Destination
	}
	switch ext {
	case ".js", ".mjs":
		if req.Destination == "" {
			return "script"
		}
	case ".css":
		if req.Destination == "" {
			return "style"
		}
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico":
		if req.Destination == "" {
			return "image"
		}
	case ".woff", ".woff2", ".ttf", ".otf":
		if req.Destination == "" {
			return "font"
		}
	case ".json":
		return "json"
	}
	return ""
}
