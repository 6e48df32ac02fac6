package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"conclave/internal/agent"
	"conclave/internal/arbiter"
	"conclave/internal/config"
	"conclave/internal/domain"
	"conclave/internal/events"
	"conclave/internal/guard"
	"conclave/internal/negotiation"
	"conclave/internal/orchestrator"
	"conclave/internal/quota"
	sqlitestore "conclave/internal/store/sqlite"
)

type app struct {
	cfg    config.Config
	orch   *orchestrator.Service
	engine *negotiation.Engine
	ledger *quota.Ledger
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.conclave/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "workspace root for action execution override")
	arbiterFlag := flag.String("arbiter", "", "arbiter binary override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8092")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Server.DBPath, "data/conclave.db")
	workspaceRoot := firstNonEmpty(*workspaceFlag, cfg.Server.WorkspaceRoot, "workspace")
	arbiterBinary := firstNonEmpty(*arbiterFlag, cfg.Arbiter.Binary, "conclave-arbiter")
	dbPath = filepath.Clean(dbPath)
	workspaceRoot = filepath.Clean(workspaceRoot)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		log.Fatalf("create workspace directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := events.NewBroadcaster(256)
	ledger := quota.NewLedger(cfg.Constitution.TotalBudgetCents)
	guardEngine := guard.New()

	gateway, err := arbiter.New(arbiter.Config{
		Binary:    arbiterBinary,
		Args:      cfg.Arbiter.Args,
		Timeout:   durationMS(cfg.Arbiter.TimeoutMS, 5*time.Minute),
		CostCents: cfg.Constitution.ArbitrationCostCents,
		Logger:    log.Default(),
	}, ledger)
	if err != nil {
		log.Fatalf("create arbitration gateway: %v", err)
	}

	engine := negotiation.New(store, gateway, ledger, bus, nil, negotiation.Config{
		MaxRounds:            cfg.Constitution.MaxRounds,
		Timeout:              durationMS(cfg.Constitution.NegotiationTimeoutMS, 5*time.Minute),
		CostCapCents:         cfg.Constitution.NegotiationCostCapCents,
		DebateCostCents:      cfg.Constitution.DebateCostCents,
		ArbitrationCostCents: cfg.Constitution.ArbitrationCostCents,
		ConsensusThreshold:   cfg.Constitution.ConsensusThreshold,
		MinImprovement:       cfg.Constitution.MinImprovement,
		SweepInterval:        durationMS(cfg.Constitution.NegotiationSweepInterval, time.Second),
	}, log.Default())
	if err := engine.Resume(ctx); err != nil {
		log.Fatalf("resume negotiations: %v", err)
	}
	engine.Run(ctx)

	generator, err := agent.NewHTTPGenerator(agent.GeneratorConfig{
		Endpoint:  cfg.Generator.BaseURL,
		Model:     firstNonEmpty(cfg.Generator.Model, "default"),
		AuthToken: os.Getenv(cfg.Generator.APIKeyEnv),
		Timeout:   durationMS(cfg.Generator.TimeoutMS, 2*time.Minute),
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("create generator: %v", err)
	}

	var diagnoser orchestrator.Diagnoser
	if strings.TrimSpace(cfg.Diagnoser.BaseURL) != "" {
		d, err := agent.NewHTTPDiagnoser(agent.DiagnoserConfig{
			Endpoint:  cfg.Diagnoser.BaseURL,
			Model:     firstNonEmpty(cfg.Diagnoser.Model, "default"),
			AuthToken: os.Getenv(cfg.Diagnoser.APIKeyEnv),
			Timeout:   durationMS(cfg.Diagnoser.TimeoutMS, 2*time.Minute),
			Logger:    log.Default(),
		})
		if err != nil {
			log.Fatalf("create diagnoser: %v", err)
		}
		diagnoser = d
	}

	runner := agent.NewShellRunner(agent.RunnerConfig{
		WorkspaceRoot: workspaceRoot,
		Logger:        log.Default(),
	})

	orch := orchestrator.New(store, guardEngine, generator, runner, diagnoser, ledger, bus,
		&engineNegotiator{engine: engine}, orchestrator.Config{
			MaxRetries:         cfg.Constitution.MaxExecutionRetries,
			ExecutionTimeout:   durationMS(cfg.Constitution.ExecutionTimeoutMS, 2*time.Minute),
			ExecutionCostCents: cfg.Constitution.ExecutionCostCents,
		}, log.Default())
	orch.Start(ctx)
	if err := orch.Resume(ctx); err != nil {
		log.Fatalf("resume tasks: %v", err)
	}

	a := &app{
		cfg:    cfg,
		orch:   orch,
		engine: engine,
		ledger: ledger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/quota", a.handleQuota)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/negotiations", a.handleNegotiations)
	mux.HandleFunc("/negotiations/", a.handleNegotiationByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"conclave started addr=%s db=%s workspace=%s arbiter=%s budget_cents=%d",
		addr,
		dbPath,
		workspaceRoot,
		arbiterBinary,
		ledger.Total(),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

// engineNegotiator adapts the negotiation engine to the orchestrator's
// dispute interface: a dispute opens a negotiation and immediately
// starts its debate.
type engineNegotiator struct {
	engine *negotiation.Engine
}

func (n *engineNegotiator) OpenDispute(ctx context.Context, d orchestrator.Dispute) (domain.Negotiation, error) {
	created, err := n.engine.Create(ctx, negotiation.CreateInput{
		Title:        d.Title,
		Description:  d.Description,
		Conflicts:    d.Conflicts,
		Participants: d.Participants,
		TaskID:       d.TaskID,
	})
	if err != nil {
		return domain.Negotiation{}, err
	}
	return n.engine.StartNegotiation(ctx, created.ID)
}

func (n *engineNegotiator) Negotiation(ctx context.Context, id string) (domain.Negotiation, error) {
	return n.engine.Get(ctx, id)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleQuota(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total_cents":     a.ledger.Total(),
		"spent_cents":     a.ledger.Spent(),
		"remaining_cents": a.ledger.Remaining(),
	})
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.orch.ListTasks(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req struct {
			Goal    string `json:"goal"`
			Role    string `json:"role"`
			Context string `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Goal) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("goal is required"))
			return
		}
		task, err := a.orch.CreateTask(r.Context(), orchestrator.CreateTaskInput{
			Goal:    req.Goal,
			Role:    req.Role,
			Context: req.Context,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.orch.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch parts[1] {
	case "history":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.orch.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task.History)
	case "decisions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.orch.TaskDecisions(r.Context(), taskID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (a *app) handleNegotiations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.engine.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req struct {
			Title        string            `json:"title"`
			Description  string            `json:"description"`
			Conflicts    []domain.Conflict `json:"conflicts"`
			Participants []string          `json:"participants"`
			TaskID       string            `json:"task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		n, err := a.engine.Create(r.Context(), negotiation.CreateInput{
			Title:        req.Title,
			Description:  req.Description,
			Conflicts:    req.Conflicts,
			Participants: req.Participants,
			TaskID:       req.TaskID,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleNegotiationByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/negotiations/")
	parts := strings.Split(trimmed, "/")
	negotiationID := parts[0]
	if negotiationID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("negotiation id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n, err := a.engine.Get(r.Context(), negotiationID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, n)
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n, err := a.engine.StartNegotiation(r.Context(), negotiationID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	case "debate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Agent    string `json:"agent"`
			Argument string `json:"argument"`
			Evidence string `json:"evidence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		n, err := a.engine.SubmitDebate(r.Context(), negotiationID, negotiation.DebateInput{
			Agent:    req.Agent,
			Argument: req.Argument,
			Evidence: req.Evidence,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
