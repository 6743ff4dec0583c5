package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/workflow"
)

// LoadWorkflowFile 解析单个工作流声明文件。
func LoadWorkflowFile(path string) (*workflow.Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取工作流声明失败")
	}

	var def workflow.Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析工作流声明 "+path+" 失败")
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadWorkflowDir 解析目录下的全部工作流声明，按名称索引。
// 目录为空或不存在视为空集合。
func LoadWorkflowDir(dir string) (map[string]*workflow.Definition, error) {
	if strings.TrimSpace(dir) == "" {
		return map[string]*workflow.Definition{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*workflow.Definition{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取工作流目录失败")
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

	defs := make(map[string]*workflow.Definition, len(names))
	for _, name := range names {
		def, err := LoadWorkflowFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, ok := defs[def.Name]; ok {
			return nil, xerrors.New(xerrors.CodeConflict, "工作流 "+def.Name+" 重复定义")
		}
		defs[def.Name] = def
	}
	return defs, nil
}
