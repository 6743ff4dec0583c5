// Package config 负责加载守护进程配置以及代理与工作流的声明文件。
// 配置文件使用 YAML 编写，字符串值中的 ${VAR} 会在解析前
// 替换为环境变量，便于注入密钥等敏感信息。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "AgentLoom/internal/errors"
)

// Duration 包装 time.Duration，支持 "30s"、"5m" 形式的 YAML 字面量。
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无法解析时长 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 描述守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Generator GeneratorConfig `yaml:"generator"`
	Logging   LoggingConfig   `yaml:"logging"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Agents    AgentsConfig    `yaml:"agents"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Schedules []ScheduleEntry `yaml:"schedules"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig 描述运行存储后端的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `yaml:"run_store"`
}

// RunStoreConfig 支持 memory 与 mysql 两种驱动。
type RunStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig 描述运行队列的实现与连接参数。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string   `yaml:"address"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Queue     string   `yaml:"queue"`
	BlockWait Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// GeneratorConfig 配置生成后端的调用方式。
type GeneratorConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
	// Overrides 按引用字符串(如 openai/gpt-4o)声明额外的后端，
	// 供代理与工作流步骤的 generator 字段按名选用。
	// 条目中留空的 api_key/base_url 继承默认后端的配置。
	Overrides map[string]OpenAIConfig `yaml:"overrides"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ProtocolConfig 控制对外的工具协议服务。
type ProtocolConfig struct {
	// Serve 开启后，本进程把自己的工具注册表通过协议端口暴露出去。
	Serve   bool     `yaml:"serve"`
	Address string   `yaml:"address"`
	Name    string   `yaml:"name"`
	Timeout Duration `yaml:"timeout"`
}

// AgentsConfig 指定代理声明文件的来源目录。
type AgentsConfig struct {
	Dir string `yaml:"dir"`
}

// WorkflowsConfig 指定工作流声明文件的来源目录。
type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

// ScheduleEntry 描述一条定时触发的运行。
type ScheduleEntry struct {
	// Cron 是标准的五段 cron 表达式。
	Cron   string            `yaml:"cron"`
	Target string            `yaml:"target"`
	Kind   string            `yaml:"kind"`
	Vars   map[string]string `yaml:"vars"`
}

// AlertingConfig 配置运行失败告警的外部通知渠道。
// 全部留空时不派发告警。
type AlertingConfig struct {
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

// WebhookAlertConfig 描述 HTTP 回调告警渠道。
type WebhookAlertConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	Workers      int      `yaml:"workers"`
	MaxRetries   int      `yaml:"max_retries"`
	ShellTimeout Duration `yaml:"shell_timeout"`
	DataDir      string   `yaml:"data_dir"`
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	expanded := os.Expand(string(content), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 64
	}
	if c.Generator.Provider == "" {
		c.Generator.Provider = "openai"
	}
	if c.Protocol.Name == "" {
		c.Protocol.Name = "agentloom"
	}
	if c.Protocol.Serve && c.Protocol.Address == "" {
		c.Protocol.Address = ":9090"
	}
	if c.Runtime.Workers <= 0 {
		c.Runtime.Workers = 4
	}
	if c.Runtime.MaxRetries <= 0 {
		c.Runtime.MaxRetries = 3
	}
	if c.Agents.Dir == "" {
		c.Agents.Dir = filepath.Join(baseDir, "agents")
	} else if !filepath.IsAbs(c.Agents.Dir) {
		c.Agents.Dir = filepath.Join(baseDir, c.Agents.Dir)
	}
	if c.Workflows.Dir != "" && !filepath.IsAbs(c.Workflows.Dir) {
		c.Workflows.Dir = filepath.Join(baseDir, c.Workflows.Dir)
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

func (c *Config) validate() error {
	switch c.Storage.RunStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.RunStore.DSN) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "mysql 存储需要提供 DSN")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的存储驱动 "+c.Storage.RunStore.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "redis 队列需要提供 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq 队列需要提供 url")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的队列驱动 "+c.Queue.Driver)
	}
	for i, entry := range c.Schedules {
		if strings.TrimSpace(entry.Cron) == "" || strings.TrimSpace(entry.Target) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("第 %d 条定时任务缺少 cron 表达式或目标", i+1))
		}
	}
	return nil
}
