package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.RunStore.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 64, cfg.Queue.Size)
	assert.Equal(t, "openai", cfg.Generator.Provider)
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, 3, cfg.Runtime.MaxRetries)
	// 相对目录以配置文件所在目录为基准。
	assert.True(t, filepath.IsAbs(cfg.Agents.Dir))
	assert.Equal(t, "agents", filepath.Base(cfg.Agents.Dir))
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MYSQL_DSN", "user:pass@tcp(localhost:3306)/agentloom")
	cfg, err := Load(writeConfig(t, `
storage:
  run_store:
    driver: mysql
    dsn: ${TEST_MYSQL_DSN}
`))
	require.NoError(t, err)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/agentloom", cfg.Storage.RunStore.DSN)
}

func TestLoadParsesDurationsAndSchedules(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
generator:
  provider: openai
  openai:
    model: gpt-4o-mini
    timeout: 90s
protocol:
  serve: true
  timeout: 15s
runtime:
  shell_timeout: 45s
schedules:
  - cron: "0 3 * * *"
    target: nightly-report
    kind: agent
    vars:
      scope: full
`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Generator.OpenAI.Timeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Runtime.ShellTimeout.Std())
	assert.Equal(t, ":9090", cfg.Protocol.Address, "开启协议服务时补默认监听地址")
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly-report", cfg.Schedules[0].Target)
	assert.Equal(t, "full", cfg.Schedules[0].Vars["scope"])
}

func TestLoadGeneratorOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
generator:
  provider: openai
  openai:
    model: gpt-4o-mini
  overrides:
    "openai/gpt-4o":
      model: gpt-4o
      timeout: 120s
    "openai/o3":
      model: o3
      base_url: https://alt.example.com/v1
`))
	require.NoError(t, err)
	require.Len(t, cfg.Generator.Overrides, 2)
	assert.Equal(t, "gpt-4o", cfg.Generator.Overrides["openai/gpt-4o"].Model)
	assert.Equal(t, 120*time.Second, cfg.Generator.Overrides["openai/gpt-4o"].Timeout.Std())
	assert.Equal(t, "https://alt.example.com/v1", cfg.Generator.Overrides["openai/o3"].BaseURL)
}

func TestLoadAlertingSection(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
alerting:
  webhook:
    url: https://hooks.example.com/runs
    timeout: 5s
`))
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/runs", cfg.Alerting.Webhook.URL)
	assert.Equal(t, 5*time.Second, cfg.Alerting.Webhook.Timeout.Std())

	// 未配置渠道时各字段保持零值，守护进程据此跳过告警装配。
	cfg, err = Load(writeConfig(t, "server: {}\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Alerting.Webhook.URL)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  run_store:\n    driver: mysql\n"))
	require.Error(t, err, "mysql 驱动缺 DSN 应报错")

	_, err = Load(writeConfig(t, "queue:\n  driver: kafka\n"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = Load(writeConfig(t, "schedules:\n  - cron: \"* * * * *\"\n"))
	require.Error(t, err, "定时任务缺目标应报错")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestLoadAgentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release-bot.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
description: Summarizes recent commits.
role: You are a release assistant.
task: Summarize the last {{ count | 10 }} commits.
generator: openai/gpt-4o-mini
using: [shell]
defaults:
  count: "10"
tools:
  - name: git_log
    description: Read recent commit subjects.
    arguments:
      - name: count
        required: true
    shell: git log --oneline -n {{ count }}
    timeout: 20s
  - name: submit_summary
    description: Deliver the final summary.
    arguments:
      - name: text
        required: true
    shell: "true"
    complete_task: true
limits:
  max_steps: 12
  timeout: 3m
`), 0o644))

	def, err := LoadAgentFile(path)
	require.NoError(t, err)
	// 未声明 name 时使用文件名。
	assert.Equal(t, "release-bot", def.Name)
	assert.Equal(t, []string{"shell"}, def.Using)
	assert.Equal(t, "10", def.Defaults["count"])
	assert.Equal(t, 12, def.Limits.MaxSteps)
	assert.Equal(t, 3*time.Minute, def.Limits.Timeout)

	require.Len(t, def.Tools, 2)
	assert.Equal(t, 20*time.Second, def.Tools[0].Timeout)
	assert.Equal(t, tool.BindingShell, def.Tools[0].Binding())
	assert.True(t, def.Tools[1].CompleteTask)
}

func TestLoadAgentFileRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("role: no task here\n"), 0o644))

	_, err := LoadAgentFile(path)
	require.Error(t, err, "缺少任务模板的定义应被拒绝")
}

func TestLoadAgentDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"),
		[]byte("task: do a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"),
		[]byte("task: do b\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"),
		[]byte("not yaml\n"), 0o644))

	defs, err := LoadAgentDir(dir)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.Contains(t, defs, "a")
	assert.Contains(t, defs, "b")

	// 目录不存在视为空集合。
	defs, err = LoadAgentDir(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoadAgentDirDuplicateName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yml"),
		[]byte("name: same\ntask: do it\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yml"),
		[]byte("name: same\ntask: do it again\n"), 0o644))

	_, err := LoadAgentDir(dir)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestLoadWorkflowDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.yml"), []byte(`
description: Build release notes.
steps:
  - agent: collector
  - agent: writer
    generator: openai/gpt-4o
    vars:
      format: markdown
`), 0o644))

	defs, err := LoadWorkflowDir(dir)
	require.NoError(t, err)
	require.Contains(t, defs, "release")
	wf := defs["release"]
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "collector", wf.Steps[0].Agent)
	assert.Empty(t, wf.Steps[0].Generator)
	assert.Equal(t, "openai/gpt-4o", wf.Steps[1].Generator)
	assert.Equal(t, "markdown", wf.Steps[1].Vars["format"])
}
