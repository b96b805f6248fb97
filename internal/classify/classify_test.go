package classify

import (
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name    string
		method  string
		target  string
		headers map[string]string
		want    Class
	}{
		{"navigate mode", "GET", "/about", map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}, Navigation},
		{"html accept without fetch metadata", "GET", "/services", map[string]string{"Accept": "text/html,application/xhtml+xml;q=0.9"}, Navigation},
		{"post with html accept", "POST", "/contact", map[string]string{"Accept": "text/html"}, Other},
		{"image destination", "GET", "/logo", map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "image"}, StaticAsset},
		{"style destination", "GET", "/app.css", map[string]string{"Sec-Fetch-Dest": "style"}, StaticAsset},
		{"script destination", "GET", "/app.js", map[string]string{"Sec-Fetch-Dest": "script"}, StaticAsset},
		{"font destination", "GET", "/inter.woff2", map[string]string{"Sec-Fetch-Dest": "font"}, StaticAsset},
		{"png by extension", "GET", "/lovable-uploads/logo.png", nil, StaticAsset},
		{"fetch api call", "GET", "/api/locations", map[string]string{"Sec-Fetch-Mode": "cors", "Sec-Fetch-Dest": "empty"}, Other},
		{"empty dest ignores extension", "GET", "/data.js", map[string]string{"Sec-Fetch-Dest": "empty"}, Other},
		{"manifest", "GET", "/manifest.json", map[string]string{"Sec-Fetch-Dest": "manifest"}, Other},
		{"wildcard accept", "GET", "/feed", map[string]string{"Accept": "*/*"}, Other},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "http://site.local"+tc.target, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := Classify(req); got != tc.want {
				t.Fatalf("Classify(%s %s) = %s, want %s", tc.method, tc.target, got, tc.want)
			}
		})
	}
}

func TestClassifyNilRequest(t *testing.T) {
	if got := Classify(nil); got != Other {
		t.Fatalf("nil request should default to other, got %s", got)
	}
}
