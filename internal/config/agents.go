package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"AgentLoom/internal/agent"
	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
)

// agentFile 是代理声明文件的 YAML 结构。
// 与 agent.Definition 分开定义，便于对时长字段做格式转换。
type agentFile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Role        string            `yaml:"role"`
	Task        string            `yaml:"task"`
	Generator   string            `yaml:"generator"`
	Using       []string          `yaml:"using"`
	Defaults    map[string]string `yaml:"defaults"`
	Tools       []toolDecl        `yaml:"tools"`
	Limits      limitsDecl        `yaml:"limits"`
}

type toolDecl struct {
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description"`
	Arguments    []tool.ArgSpec  `yaml:"arguments"`
	Shell        string          `yaml:"shell"`
	Remote       *tool.RemoteRef `yaml:"remote"`
	Timeout      Duration        `yaml:"timeout"`
	CompleteTask bool            `yaml:"complete_task"`
}

type limitsDecl struct {
	MaxSteps     int      `yaml:"max_steps"`
	Timeout      Duration `yaml:"timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	MaxMalformed int      `yaml:"max_malformed"`
}

// LoadAgentFile 解析单个代理声明文件。
func LoadAgentFile(path string) (*agent.Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取代理声明失败")
	}

	var file agentFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析代理声明 "+path+" 失败")
	}

	if file.Name == "" {
		// 文件名去掉扩展名作为代理名。
		base := filepath.Base(path)
		file.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	def := &agent.Definition{
		Name:        file.Name,
		Description: file.Description,
		Role:        file.Role,
		Task:        file.Task,
		Generator:   file.Generator,
		Using:       file.Using,
		Defaults:    file.Defaults,
		Limits: agent.Limits{
			MaxSteps:     file.Limits.MaxSteps,
			Timeout:      file.Limits.Timeout.Std(),
			MaxRetries:   file.Limits.MaxRetries,
			MaxMalformed: file.Limits.MaxMalformed,
		},
	}
	for _, decl := range file.Tools {
		def.Tools = append(def.Tools, tool.Spec{
			Name:         decl.Name,
			Description:  decl.Description,
			Args:         decl.Arguments,
			Shell:        decl.Shell,
			Remote:       decl.Remote,
			Timeout:      decl.Timeout.Std(),
			CompleteTask: decl.CompleteTask,
		})
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadAgentDir 解析目录下的全部代理声明，按名称索引。
// 忽略非 .yml/.yaml 文件；目录不存在视为空集合。
func LoadAgentDir(dir string) (map[string]*agent.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*agent.Definition{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取代理目录失败")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make(map[string]*agent.Definition, len(names))
	for _, name := range names {
		def, err := LoadAgentFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, ok := defs[def.Name]; ok {
			return nil, xerrors.New(xerrors.CodeConflict, "代理 "+def.Name+" 重复定义")
		}
		defs[def.Name] = def
	}
	return defs, nil
}
