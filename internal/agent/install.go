package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// InstallReport 汇总 install 阶段每个清单条目的结果。
type InstallReport struct {
	Version string   `json:"version"`
	Stored  []string `json:"stored"`
	Failed  []string `json:"failed"`
}

// OnInstall 打开当前缓存代并并发预缓存整个清单。
// 单个条目失败（网络错误、非 2xx、写入失败）只记录不返回；只有打开缓存代失败才中止安装。
// 所有条目结束后调用 SkipWaiting。
func (a *Agent) OnInstall(ctx context.Context) (*InstallReport, error) {
	fields := logging.LifecycleFields("install", a.version)

	c, err := a.storage.Open(ctx, a.version)
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Error("install_open_cache_failed")
		return nil, fmt.Errorf("open cache %s: %w", a.version, err)
	}

	report := &InstallReport{Version: a.version}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, asset := range a.manifest {
		g.Go(func() error {
			err := a.precache(ctx, c, asset)
			a.metrics.RecordPrecache(ctx, a.version, err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, asset.String())
				a.logger.WithFields(fields).WithFields(logrus.Fields{
					"asset": asset.String(),
				}).WithError(err).Debug("precache_skipped")
				return nil
			}
			report.Stored = append(report.Stored, asset.String())
			return nil
		})
	}
	// goroutine 从不返回 error，Wait 只用于等待全部条目结束。
	_ = g.Wait()

	sort.Strings(report.Stored)
	sort.Strings(report.Failed)

	a.logger.WithFields(fields).WithFields(logrus.Fields{
		"stored": len(report.Stored),
		"failed": len(report.Failed),
	}).Info("install_complete")

	a.lifecycle.SkipWaiting()
	return report, nil
}

func (a *Agent) precache(ctx context.Context, c cache.Cache, u *url.URL) error {
	req := NewRequest(http.MethodGet, u)
	req.Cache = CacheReload

	resp, err := a.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() || isPartial(req, resp) {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return c.Put(ctx, req.Key(), resp)
}
