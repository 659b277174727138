package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/logging"
)

// ActivateReport 汇总 activate 阶段的清理结果。
type ActivateReport struct {
	Version string   `json:"version"`
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
	// CleanupErr 聚合所有删除失败，激活本身不因此失败。
	CleanupErr error `json:"-"`
}

// OnActivate 并发删除除当前版本外的所有缓存代，随后 Claim 已打开的页面。
// 列举缓存代失败会中止激活；单个删除失败与 install 的单条目失败一样只记录，
// 激活继续完成。
func (a *Agent) OnActivate(ctx context.Context) (*ActivateReport, error) {
	fields := logging.LifecycleFields("activate", a.version)

	names, err := a.storage.Keys(ctx)
	if err != nil {
		a.logger.WithFields(fields).WithError(err).Error("activate_list_caches_failed")
		return nil, fmt.Errorf("list caches: %w", err)
	}

	report := &ActivateReport{Version: a.version}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		if name == a.version {
			continue
		}
		g.Go(func() error {
			_, err := a.storage.Delete(ctx, name)
			a.metrics.RecordCleanup(ctx, name, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, name)
				report.CleanupErr = multierr.Append(report.CleanupErr, fmt.Errorf("delete %s: %w", name, err))
				return nil
			}
			report.Deleted = append(report.Deleted, name)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Deleted)
	sort.Strings(report.Failed)

	if report.CleanupErr != nil {
		a.logger.WithFields(fields).WithFields(logrus.Fields{
			"failed": report.Failed,
		}).WithError(report.CleanupErr).Warn("activate_cleanup_partial")
	}

	if err := a.lifecycle.Claim(ctx); err != nil {
		return report, fmt.Errorf("claim clients: %w", err)
	}

	a.logger.WithFields(fields).WithFields(logrus.Fields{
		"deleted": report.Deleted,
	}).Info("activate_complete")
	return report, nil
}
