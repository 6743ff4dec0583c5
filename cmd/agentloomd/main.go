package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"AgentLoom/internal/api"
	"AgentLoom/internal/config"
	"AgentLoom/internal/engine"
	"AgentLoom/internal/llm"
	"AgentLoom/internal/llm/openai"
	"AgentLoom/internal/observability/alerting"
	"AgentLoom/internal/protocol"
	"AgentLoom/internal/run"
	"AgentLoom/internal/schedule"
	"AgentLoom/internal/tool"
	"AgentLoom/pkg/logger"
)

// main 是 AgentLoom 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("agentloomd 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	// .env 缺失不是错误，仅作本地开发便利。
	_ = godotenv.Load()

	configPath := os.Getenv("AGENTLOOM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentloom.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	generators, err := createGenerators(cfg)
	if err != nil {
		return err
	}

	agents, err := config.LoadAgentDir(cfg.Agents.Dir)
	if err != nil {
		return err
	}
	workflows, err := config.LoadWorkflowDir(cfg.Workflows.Dir)
	if err != nil {
		return err
	}
	logger.L().Info("声明加载完成",
		slog.Int("agents", len(agents)),
		slog.Int("workflows", len(workflows)),
	)

	dialer := &protocol.Dialer{
		CallTimeout: cfg.Protocol.Timeout.Std(),
		ClientName:  cfg.Protocol.Name,
	}

	eng, err := engine.New(agents, workflows, generators,
		engine.WithDialer(dialer),
		engine.WithShellTimeout(cfg.Runtime.ShellTimeout.Std()),
		engine.WithBaseDir(cfg.Agents.Dir),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	runStore, err := createStore(cfg)
	if err != nil {
		return err
	}
	runQueue, err := createQueue(cfg)
	if err != nil {
		_ = runStore.Close()
		return err
	}
	defer func() {
		if err := runQueue.Close(); err != nil {
			logger.L().Error("关闭运行队列失败", slog.Any("error", err))
		}
	}()

	runService := run.NewService(runStore, runQueue, cfg.Runtime.MaxRetries)
	defer runService.Close()

	processorOpts := []run.ProcessorOption{
		run.WithWorkerCount(cfg.Runtime.Workers),
		run.WithProcessorLogger(logger.Named("processor")),
	}
	if dispatcher, err := createAlertDispatcher(cfg); err != nil {
		return err
	} else if dispatcher != nil {
		processorOpts = append(processorOpts, run.WithAlertDispatcher(dispatcher))
	}
	processor := run.NewProcessor(eng, runStore, runQueue, runQueue, processorOpts...)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := processor.Start(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("运行处理器异常退出: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		err := api.NewServer(cfg.Server.Address, runService, eng).Start(groupCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if len(cfg.Schedules) > 0 {
		scheduler, err := schedule.New(cfg.Schedules, runService)
		if err != nil {
			return err
		}
		group.Go(func() error {
			err := scheduler.Start(groupCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.Protocol.Serve {
		registry, err := buildSharedRegistry()
		if err != nil {
			return err
		}
		server := protocol.NewServer(cfg.Protocol.Name, registry)
		group.Go(func() error {
			err := server.Listen(groupCtx, cfg.Protocol.Address)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return group.Wait()
}

// buildSharedRegistry 构建对外暴露的工具注册表：全部内置命名空间。
func buildSharedRegistry() (*tool.Registry, error) {
	registry := tool.NewRegistry()
	for name := range tool.Namespaces() {
		if err := registry.RegisterNamespace(name); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// createGenerators 构建生成后端注册表：默认后端来自 provider 配置，
// overrides 中的每个条目按引用字符串注册，空字段继承默认后端。
func createGenerators(cfg *config.Config) (*llm.Registry, error) {
	switch cfg.Generator.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.Generator.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 OPENAI_API_KEY")
		}
		fallback, err := openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Generator.OpenAI.BaseURL,
			Model:   cfg.Generator.OpenAI.Model,
			Timeout: cfg.Generator.OpenAI.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}

		generators := llm.NewRegistry(fallback)
		for ref, oc := range cfg.Generator.Overrides {
			if strings.TrimSpace(oc.APIKey) == "" {
				oc.APIKey = apiKey
			}
			if strings.TrimSpace(oc.BaseURL) == "" {
				oc.BaseURL = cfg.Generator.OpenAI.BaseURL
			}
			client, err := openai.NewClient(openai.Config{
				APIKey:  oc.APIKey,
				BaseURL: oc.BaseURL,
				Model:   oc.Model,
				Timeout: oc.Timeout.Std(),
			})
			if err != nil {
				return nil, fmt.Errorf("构建生成后端 %s 失败: %w", ref, err)
			}
			if err := generators.Register(ref, client); err != nil {
				return nil, err
			}
		}
		return generators, nil
	default:
		return nil, fmt.Errorf("未知的生成 provider: %s", cfg.Generator.Provider)
	}
}

// createAlertDispatcher 按配置装配告警派发器，未配置渠道时返回 nil。
func createAlertDispatcher(cfg *config.Config) (alerting.Dispatcher, error) {
	var notifiers []alerting.Notifier
	if strings.TrimSpace(cfg.Alerting.Webhook.URL) != "" {
		sender, err := alerting.NewHTTPWebhook(cfg.Alerting.Webhook.URL, cfg.Alerting.Webhook.Timeout.Std())
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.WebhookNotifier{Sender: sender})
	}
	if len(notifiers) == 0 {
		return nil, nil
	}
	return alerting.NewFanout(notifiers...), nil
}

func createStore(cfg *config.Config) (run.Store, error) {
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		return run.NewMemoryStore(), nil
	case "mysql":
		return run.NewMySQLStore(cfg.Storage.RunStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
}

func createQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return run.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
