// Package generation owns the versioned cache namespaces. A single version
// token names one core and one runtime generation; bumping the token is the
// only way to invalidate. Every other component reaches cache storage through
// the handles returned here.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/logging"
)

// Role 区分代际用途。
type Role string

const (
	RoleCore    Role = "core"
	RoleRuntime Role = "runtime"
)

// Names 是某个版本令牌对应的一组期望代际名称。
type Names struct {
	Core    string `json:"core"`
	Runtime string `json:"runtime"`
}

// NamesFor 由前缀与版本令牌推导代际名称，例如 sra-core-v3 / sra-runtime-v3。
func NamesFor(prefix, token string) Names {
	return Names{
		Core:    fmt.Sprintf("%s-%s-%s", prefix, RoleCore, token),
		Runtime: fmt.Sprintf("%s-%s-%s", prefix, RoleRuntime, token),
	}
}

// Contains 报告 name 是否属于这一组期望名称。
func (n Names) Contains(name string) bool {
	return name == n.Core || name == n.Runtime
}

// Registry 绑定一个版本令牌，负责代际的创建、查找与清理。
type Registry struct {
	store  cache.Store
	names  Names
	logger *logrus.Entry
}

// NewRegistry 创建绑定 token 的 Registry。
func NewRegistry(store cache.Store, prefix, token string, logger *logrus.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if prefix == "" || token == "" {
		return nil, errors.New("cache prefix and version token are required")
	}
	return &Registry{
		store:  store,
		names:  NamesFor(prefix, token),
		logger: logging.Component(logger, "generation").WithField("version", token),
	}, nil
}

// ExpectedNames 返回当前版本应当存活的代际名称。
func (r *Registry) ExpectedNames() Names {
	return r.names
}

// Core 返回核心代际句柄。
func (r *Registry) Core() *Generation {
	return &Generation{name: r.names.Core, role: RoleCore, store: r.store}
}

// Runtime 返回运行时代际句柄。
func (r *Registry) Runtime() *Generation {
	return &Generation{name: r.names.Runtime, role: RoleRuntime, store: r.store}
}

// ListNames 列出存储中现存的全部代际（含其他版本遗留的）。
func (r *Registry) ListNames(ctx context.Context) ([]string, error) {
	return r.store.Generations(ctx)
}

// ReconcileResult 汇总一次清理的结果。
type ReconcileResult struct {
	Deleted []string
	Failed  []string
	// ListErr 非空表示连现存代际都没能列出，本次清理被跳过。
	ListErr error
}

// Reconcile 删除所有不属于当前版本、也不在 keep 中的代际。单个代际删除失败
// 只记录日志并继续，不中断激活。
func (r *Registry) Reconcile(ctx context.Context, keep ...string) ReconcileResult {
	var result ReconcileResult
	kept := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		kept[name] = struct{}{}
	}

	existing, err := r.store.Generations(ctx)
	if err != nil {
		result.ListErr = err
		r.logger.WithError(err).Warn("generation_list_failed")
		return result
	}

	for _, name := range existing {
		if r.names.Contains(name) {
			continue
		}
		if _, ok := kept[name]; ok {
			continue
		}
		if err := r.store.DropGeneration(ctx, name); err != nil {
			result.Failed = append(result.Failed, name)
			r.logger.WithError(err).WithField("generation", name).Warn("generation_drop_failed")
			continue
		}
		result.Deleted = append(result.Deleted, name)
	}

	r.logger.WithFields(logrus.Fields{
		"action":  "reconcile",
		"deleted": result.Deleted,
		"failed":  result.Failed,
		"kept":    keep,
	}).Info("generations_reconciled")
	return result
}

// MatchAny 按 core → runtime → 其他现存代际的顺序查找 key。
func (r *Registry) MatchAny(ctx context.Context, key string) (*cache.Response, error) {
	for _, gen := range []*Generation{r.Core(), r.Runtime()} {
		resp, err := gen.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}

	names, err := r.store.Generations(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if r.names.Contains(name) {
			continue
		}
		resp, err := r.store.Get(ctx, cache.Locator{Generation: name, Key: key})
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}
	return nil, cache.ErrNotFound
}
