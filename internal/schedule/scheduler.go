// Package schedule 按 cron 表达式周期性地提交运行。
package schedule

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"AgentLoom/internal/config"
	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/run"
	"AgentLoom/pkg/logger"
)

// Submitter 提交一次运行。由 run.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req run.SubmitRequest) (*run.Run, error)
}

// Scheduler 持有 cron 调度器与全部定时条目。
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *slog.Logger
}

// New 根据配置条目构建调度器。表达式非法立即返回错误。
func New(entries []config.ScheduleEntry, submitter Submitter) (*Scheduler, error) {
	if submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "submitter is required")
	}
	s := &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
		logger:    logger.Named("schedule"),
	}
	for _, entry := range entries {
		kind := run.Kind(entry.Kind)
		if kind == "" {
			kind = run.KindAgent
		}
		if !run.IsValidKind(kind) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"定时任务 "+entry.Target+" 的目标类型非法: "+entry.Kind)
		}
		target, vars := entry.Target, entry.Vars
		_, err := s.cron.AddFunc(entry.Cron, func() {
			s.fire(target, kind, vars)
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
				"cron 表达式 "+entry.Cron+" 非法")
		}
	}
	return s, nil
}

func (s *Scheduler) fire(target string, kind run.Kind, vars map[string]string) {
	ctx := context.Background()
	r, err := s.submitter.Submit(ctx, run.SubmitRequest{
		Target: target,
		Kind:   kind,
		Vars:   vars,
	})
	if err != nil {
		s.logger.Error("定时提交运行失败", "target", target, "error", err)
		return
	}
	s.logger.Info("定时提交运行", "target", target, "run_id", r.ID)
}

// Start 启动调度并阻塞到上下文取消。
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	// 等待在途的触发回调完成。
	<-stopCtx.Done()
	return ctx.Err()
}
