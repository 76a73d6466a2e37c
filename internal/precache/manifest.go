package precache

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shellcache/shellcache/internal/network"
)

// DefaultAssets 是站点应用外壳的预缓存清单：外壳 HTML、核心样式与脚本、
// 多语言词典、离线文档以及 PWA 图标。路径相对注册作用域解析。
var DefaultAssets = []string{
	"./",
	"index.html",
	"offline.html",
	"manifest.webmanifest",
	"assets/css/styles.css",
	"assets/css/site.css",
	"assets/css/footer.css",
	"assets/js/i18n.js",
	"assets/js/router.js",
	"assets/js/app.js",
	"assets/js/main.js",
	"assets/js/components.js",
	"assets/i18n/en.json",
	"assets/i18n/fr.json",
	"assets/i18n/es.json",
	"assets/icons/icon-192.png",
	"assets/icons/icon-512.png",
}

// Manifest 是有序、固定的预缓存清单。构造后不可修改。
type Manifest struct {
	scope   string
	offline string
	entries []string
	index   map[string]struct{}
}

// NewManifest 将 assets 相对 scope 解析为绝对路径，去重并保持顺序。
// offline 为离线文档路径，必须出现在清单中（不在时自动追加到末尾）。
func NewManifest(scope string, assets []string, offline string) (*Manifest, error) {
	if len(assets) == 0 {
		return nil, errors.New("precache manifest is empty")
	}
	if scope == "" {
		scope = "/"
	}
	m := &Manifest{
		scope: scope,
		index: make(map[string]struct{}, len(assets)+1),
	}
	for _, raw := range assets {
		resolved, err := resolve(scope, raw)
		if err != nil {
			return nil, err
		}
		m.add(resolved)
	}

	if offline != "" {
		resolved, err := resolve(scope, offline)
		if err != nil {
			return nil, fmt.Errorf("offline document: %w", err)
		}
		m.offline = resolved
		m.add(resolved)
	}
	return m, nil
}

func (m *Manifest) add(entry string) {
	if _, exists := m.index[entry]; exists {
		return
	}
	m.index[entry] = struct{}{}
	m.entries = append(m.entries, entry)
}

// Entries 返回清单副本。
func (m *Manifest) Entries() []string {
	return append([]string(nil), m.entries...)
}

// Contains 报告 key 是否与某个清单条目完全一致。
func (m *Manifest) Contains(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.index[key]
	return ok
}

func (m *Manifest) Len() int { return len(m.entries) }

func (m *Manifest) Scope() string { return m.scope }

// OfflineDocument 返回离线文档的缓存键，未配置时为空。
func (m *Manifest) OfflineDocument() string { return m.offline }

// manifestFile 是 YAML 清单文件的结构。
type manifestFile struct {
	Scope   string   `yaml:"scope"`
	Offline string   `yaml:"offline"`
	Assets  []string `yaml:"assets"`
}

// LoadManifest 读取 YAML 清单。文件内的 scope/offline 优先于调用方传入的默认值。
//
//	scope: /PRIVACY/
//	offline: offline.html
//	assets:
//	  - ./
//	  - assets/css/styles.css
func LoadManifest(file, scope, offline string) (*Manifest, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var doc manifestFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", file, err)
	}
	if doc.Scope != "" {
		scope = doc.Scope
	}
	if doc.Offline != "" {
		offline = doc.Offline
	}
	return NewManifest(scope, doc.Assets, offline)
}

func resolve(scope, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty manifest entry")
	}
	if strings.Contains(raw, "://") {
		return "", fmt.Errorf("cross-origin manifest entry: %s", raw)
	}
	if strings.HasPrefix(raw, "/") {
		return network.Get(raw).Key(), nil
	}
	joined := path.Join(scope, raw)
	if strings.HasSuffix(raw, "/") || raw == "." {
		joined = strings.TrimSuffix(joined, "/") + "/"
	}
	return network.Get(joined).Key(), nil
}
