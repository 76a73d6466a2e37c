// Package precache populates the core generation ahead of time. The install
// is all-or-nothing: every manifest entry is fetched first and only a fully
// successful set is committed, in one batch, to the core generation.
package precache

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/network"
)

// ErrEntryFailed 标记某个清单条目抓取失败（传输错误或非 2xx）。
var ErrEntryFailed = errors.New("precache entry failed")

// Installer 负责把清单写入核心代际。
type Installer struct {
	fetcher     network.Fetcher
	concurrency int
	logger      *logrus.Entry
}

// NewInstaller 构造 Installer；concurrency <= 0 时退化为串行抓取。
func NewInstaller(fetcher network.Fetcher, concurrency int, logger *logrus.Logger) *Installer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Installer{
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logging.Component(logger, "precache"),
	}
}

// InstallCore 抓取全部清单条目，全部成功后一次性写入 core。
// 任一条目失败都会取消其余抓取并返回错误，core 不会写入任何条目；内部不重试。
func (i *Installer) InstallCore(ctx context.Context, core *generation.Generation, manifest *Manifest) error {
	if manifest == nil || manifest.Len() == 0 {
		return errors.New("precache manifest is empty")
	}
	entries := manifest.Entries()
	fetched := make([]cache.BatchEntry, len(entries))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.concurrency)
	for idx, key := range entries {
		group.Go(func() error {
			resp, err := i.fetcher.Fetch(groupCtx, network.Get(key))
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrEntryFailed, key, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: %w (status %d)", ErrEntryFailed, key, network.ErrUpstreamStatus, resp.Status)
			}
			fetched[idx] = cache.BatchEntry{Key: key, Response: resp}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		i.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "install",
			"generation": core.Name(),
			"entries":    len(entries),
		}).Warn("precache_failed")
		return err
	}

	if err := core.PutAll(ctx, fetched); err != nil {
		return fmt.Errorf("commit %s: %w", core.Name(), err)
	}

	i.logger.WithFields(logrus.Fields{
		"action":     "install",
		"generation": core.Name(),
		"entries":    len(entries),
	}).Info("precache_complete")
	return nil
}
