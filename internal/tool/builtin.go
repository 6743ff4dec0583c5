package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Namespace 是一组可以按名启用的内置工具。
// 智能体声明 using: [shell, time] 即可获得对应能力。
type Namespace struct {
	Name        string
	Description string
	Specs       []Spec
}

// Namespaces 返回全部内置命名空间，按名称索引。
func Namespaces() map[string]Namespace {
	namespaces := []Namespace{
		shellNamespace(),
		timeNamespace(),
		filesystemNamespace(),
	}
	out := make(map[string]Namespace, len(namespaces))
	for _, ns := range namespaces {
		out[ns.Name] = ns
	}
	return out
}

// RegisterNamespace 把命名空间内的全部工具注册到注册表。
func (r *Registry) RegisterNamespace(name string) error {
	ns, ok := Namespaces()[name]
	if !ok {
		return fmt.Errorf("未知的内置命名空间: %s", name)
	}
	for _, spec := range ns.Specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func shellNamespace() Namespace {
	return Namespace{
		Name:        "shell",
		Description: "在本机执行 shell 命令",
		Specs: []Spec{
			{
				Name:        "execute_shell_command",
				Description: "Execute a shell command on the local computer and return its output.",
				Args: []ArgSpec{
					{Name: "command", Description: "The shell command to execute", Example: "ls -la", Required: true},
				},
				Shell: "{{ command }}",
			},
		},
	}
}

func timeNamespace() Namespace {
	return Namespace{
		Name:        "time",
		Description: "读取当前时间",
		Specs: []Spec{
			{
				Name:        "current_time",
				Description: "Get the current date and time.",
				Local: func(ctx context.Context, args map[string]string) (string, error) {
					return time.Now().Format(time.RFC3339), nil
				},
			},
		},
	}
}

func filesystemNamespace() Namespace {
	return Namespace{
		Name:        "filesystem",
		Description: "读取本地文件系统",
		Specs: []Spec{
			{
				Name:        "read_file",
				Description: "Read a file from the local filesystem and return its contents.",
				Args: []ArgSpec{
					{Name: "path", Description: "Path of the file to read", Example: "/tmp/notes.txt", Required: true},
				},
				Local: func(ctx context.Context, args map[string]string) (string, error) {
					data, err := os.ReadFile(args["path"])
					if err != nil {
						return "", err
					}
					return string(data), nil
				},
			},
			{
				Name:        "list_directory",
				Description: "List the entries of a directory.",
				Args: []ArgSpec{
					{Name: "path", Description: "Path of the directory to list", Example: "/tmp", Required: true},
				},
				Local: func(ctx context.Context, args map[string]string) (string, error) {
					entries, err := os.ReadDir(args["path"])
					if err != nil {
						return "", err
					}
					names := make([]string, 0, len(entries))
					for _, entry := range entries {
						name := entry.Name()
						if entry.IsDir() {
							name += string(filepath.Separator)
						}
						names = append(names, name)
					}
					return strings.Join(names, "\n"), nil
				},
			},
		},
	}
}
