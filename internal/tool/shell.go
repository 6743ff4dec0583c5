package tool

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	xerrors "AgentLoom/internal/errors"
)

// runShell 渲染 shell 模板并以子进程执行。
// stdout 作为成功值；非零退出码连同 stderr 一起构成工具级失败。
func (r *Registry) runShell(ctx context.Context, spec *Spec, args map[string]string) Result {
	command := spec.Shell
	if r.renderer != nil {
		rendered, err := r.renderer.Render(ctx, spec.Shell, args)
		if err != nil {
			// 模板里引用了未提供的变量属于声明错误，同样以失败结果回传，
			// 让模型有机会在下一轮修正参数。
			return Result{OK: false, Error: err.Error(), ExitCode: -1}
		}
		command = rendered
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimRight(stdout.String(), "\n")
	if err == nil {
		return Result{OK: true, Output: output}
	}

	if execCtx.Err() != nil && ctx.Err() == nil {
		timeoutErr := xerrors.New(xerrors.CodeTimeout, "命令执行超时: "+command)
		return Result{OK: false, Error: timeoutErr.Error(), ExitCode: -1}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	message := strings.TrimSpace(stderr.String())
	if message == "" {
		message = err.Error()
	}
	return Result{OK: false, Output: output, Error: message, ExitCode: exitCode}
}
