package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentLoom/internal/engine"
	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/run"
)

// Server 负责暴露 REST 接口，供外部提交与查询运行。
type Server struct {
	addr   string
	runs   *run.Service
	engine *engine.Engine
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *run.Service, eng *engine.Engine) *Server {
	return &Server{addr: addr, runs: runs, engine: eng}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunByID)
	mux.HandleFunc("/api/v1/runs/stats", s.handleStats)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitRun 处理提交运行的请求。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// handleListRuns 返回符合过滤条件的运行列表。
// 支持 limit/offset/status/kind/target/query 查询参数。
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := parseListOptions(r)
	results, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || id == "stats" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	result, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "运行服务未初始化", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.runs.Stats(r.Context(), parseListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleAgents 返回已装配的代理定义列表。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	agents := s.engine.Agents()
	type summary struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Generator   string   `json:"generator,omitempty"`
		Using       []string `json:"using,omitempty"`
		ToolCount   int      `json:"tool_count"`
	}
	out := make([]summary, 0, len(agents))
	for _, def := range agents {
		out = append(out, summary{
			Name:        def.Name,
			Description: def.Description,
			Generator:   def.Generator,
			Using:       def.Using,
			ToolCount:   len(def.Tools),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleWorkflows 返回已装配的工作流定义列表。
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.engine.Workflows())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func parseListOptions(r *http.Request) []run.ListOption {
	var opts []run.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]run.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, run.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := query.Get("kind"); raw != "" {
		kinds := make([]run.Kind, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			kinds = append(kinds, run.Kind(strings.TrimSpace(part)))
		}
		opts = append(opts, run.WithKinds(kinds...))
	}
	if raw := query.Get("target"); raw != "" {
		opts = append(opts, run.WithTarget(raw))
	}
	if raw := query.Get("query"); raw != "" {
		opts = append(opts, run.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	}
	return opts
}

// writeError 把统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case run.CodeRunNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case run.CodeRunValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case run.CodeRunConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
