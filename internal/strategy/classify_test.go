package strategy

import (
	"net/http"
	"testing"

	"github.com/shellcache/shellcache/internal/network"
)

type manifestSet map[string]bool

func (m manifestSet) Contains(key string) bool { return m[key] }

func TestClassify(t *testing.T) {
	manifest := manifestSet{"/": true, "/assets/js/app.js": true, "/assets/i18n/en.json": true}
	html := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}

	testCases := []struct {
		name string
		req  network.Request
		want Class
	}{
		{"navigate mode", network.NewRequest("GET", "/guides/", "navigate", "document", nil, nil), ClassNavigation},
		{"navigate to manifest shell", network.NewRequest("GET", "/", "navigate", "document", nil, nil), ClassNavigation},
		{"html accept without fetch metadata", network.NewRequest("GET", "/about.html", "", "", html, nil), ClassNavigation},
		{"manifest script", network.NewRequest("GET", "/assets/js/app.js", "no-cors", "script", nil, nil), ClassCoreAsset},
		{"manifest json", network.NewRequest("GET", "/assets/i18n/en.json", "cors", "empty", nil, nil), ClassCoreAsset},
		{"other script", network.NewRequest("GET", "/assets/js/extra.js", "no-cors", "script", nil, nil), ClassStatic},
		{"style by extension", network.Get("/assets/css/print.css"), ClassStatic},
		{"image", network.NewRequest("GET", "/img/logo.png", "no-cors", "image", nil, nil), ClassRuntimeMedia},
		{"font by extension", network.Get("/fonts/inter.woff2"), ClassRuntimeMedia},
		{"data json", network.NewRequest("GET", "/assets/data/steps.json", "cors", "empty", nil, nil), ClassRuntimeMedia},
		{"post", network.NewRequest("POST", "/api/report", "cors", "empty", nil, []byte("{}")), ClassPassthrough},
		{"api fetch", network.NewRequest("GET", "/api/status", "cors", "empty", nil, nil), ClassPassthrough},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.req, manifest); got != tc.want {
				t.Fatalf("want %s got %s", tc.want, got)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	req := network.NewRequest("GET", "/img/a.webp", "no-cors", "image", nil, nil)
	first := Classify(req, nil)
	for i := 0; i < 10; i++ {
		if Classify(req, nil) != first {
			t.Fatalf("classification changed between calls")
		}
	}
}
