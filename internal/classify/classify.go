// Package classify assigns every intercepted request to one of the resource
// classes the strategy engine understands. It relies on the Fetch Metadata
// headers browsers send (Sec-Fetch-Mode / Sec-Fetch-Dest) and falls back to
// Accept negotiation and file extensions for clients that omit them.
package classify

import (
	"net/http"
	"path"
	"strings"
)

// Class 是请求的资源类别。
type Class int

const (
	// Other 覆盖 XHR/fetch/数据请求以及无法识别的请求。
	Other Class = iota
	// Navigation 表示顶层 HTML 文档加载。
	Navigation
	// StaticAsset 表示 image/style/script/font 目标资源。
	StaticAsset
)

func (c Class) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case StaticAsset:
		return "static_asset"
	default:
		return "other"
	}
}

// Destination 对应 Fetch 规范中的 request.destination。
type Destination string

const (
	DestinationNone     Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationFont     Destination = "font"
)

var staticDestinations = map[Destination]struct{}{
	DestinationImage:  {},
	DestinationStyle:  {},
	DestinationScript: {},
	DestinationFont:   {},
}

var extensionDestinations = map[string]Destination{
	".png":   DestinationImage,
	".jpg":   DestinationImage,
	".jpeg":  DestinationImage,
	".gif":   DestinationImage,
	".webp":  DestinationImage,
	".avif":  DestinationImage,
	".svg":   DestinationImage,
	".ico":   DestinationImage,
	".css":   DestinationStyle,
	".js":    DestinationScript,
	".mjs":   DestinationScript,
	".woff":  DestinationFont,
	".woff2": DestinationFont,
	".ttf":   DestinationFont,
	".otf":   DestinationFont,
	".eot":   DestinationFont,
}

// Classify 是纯函数：只读取请求元数据，不产生副作用，也不会失败。
func Classify(req *http.Request) Class {
	if req == nil {
		return Other
	}
	if IsNavigation(req) {
		return Navigation
	}
	if _, ok := staticDestinations[DestinationOf(req)]; ok {
		return StaticAsset
	}
	return Other
}

// IsNavigation 判断请求是否为浏览器顶层导航。
func IsNavigation(req *http.Request) bool {
	if mode := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode"))); mode != "" {
		return mode == "navigate"
	}
	if req.Method != http.MethodGet {
		return false
	}
	return acceptsHTML(req.Header.Get("Accept"))
}

// DestinationOf 优先使用 Sec-Fetch-Dest，缺失时按扩展名推断。
func DestinationOf(req *http.Request) Destination {
	if dest := strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest"))); dest != "" {
		if dest == "empty" {
			return DestinationNone
		}
		return Destination(dest)
	}
	if req.URL == nil {
		return DestinationNone
	}
	ext := strings.ToLower(path.Ext(req.URL.Path))
	return extensionDestinations[ext]
}

// acceptsHTML 只把首选类型为 text/html 的请求视为文档请求，避免 */* 误判。
func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	first := strings.TrimSpace(strings.SplitN(accept, ",", 2)[0])
	if idx := strings.Index(first, ";"); idx >= 0 {
		first = strings.TrimSpace(first[:idx])
	}
	return strings.EqualFold(first, "text/html") || strings.EqualFold(first, "application/xhtml+xml")
}
