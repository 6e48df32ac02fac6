package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"conclave/internal/domain"
)

const DefaultTimeout = 5 * time.Minute

// Ledger is the slice of the quota ledger the gateway needs for cost
// accounting.
type Ledger interface {
	Reserve(costCents int64) error
}

// Gateway resolves deadlocks by delegating to an external decider process.
// It is the only core component allowed to block on a subprocess; the
// timeout kills the process outright so total latency stays bounded.
type Gateway struct {
	binary    string
	args      []string
	timeout   time.Duration
	costCents int64
	ledger    Ledger
	logger    *log.Logger
}

type Config struct {
	Binary    string
	Args      []string
	Timeout   time.Duration
	CostCents int64
	Logger    *log.Logger
}

func New(cfg Config, ledger Ledger) (*Gateway, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, fmt.Errorf("empty arbiter binary")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Gateway{
		binary:    binary,
		args:      cfg.Args,
		timeout:   cfg.Timeout,
		costCents: cfg.CostCents,
		ledger:    ledger,
		logger:    cfg.Logger,
	}, nil
}

// Arbitrate invokes the decider with the conflict summary and context as
// positional arguments and expects one JSON decision object on stdout.
func (g *Gateway) Arbitrate(ctx context.Context, conflictSummary, contextText string) (domain.ArbitrationDecision, error) {
	if g.ledger != nil && g.costCents > 0 {
		if err := g.ledger.Reserve(g.costCents); err != nil {
			return domain.ArbitrationDecision{}, fmt.Errorf("arbitration cost: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	args := make([]string, 0, len(g.args)+2)
	args = append(args, g.args...)
	args = append(args, conflictSummary, contextText)

	cmd := exec.CommandContext(runCtx, g.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if runCtx.Err() == context.DeadlineExceeded {
		g.logger.Printf("arbiter timed out after %s binary=%s", elapsed.Round(time.Millisecond), g.binary)
		return domain.ArbitrationDecision{}, fmt.Errorf("%w: after %s", domain.ErrArbitrationTimeout, g.timeout)
	}
	if err != nil {
		return domain.ArbitrationDecision{}, fmt.Errorf("%w: decider exited: %v; stderr: %s",
			domain.ErrDecisionParse, err, trim(stderr.String(), 400))
	}

	decision, err := parseDecision(stdout.Bytes())
	if err != nil {
		return domain.ArbitrationDecision{}, fmt.Errorf("%w: %v; output: %s",
			domain.ErrDecisionParse, err, trim(stdout.String(), 400))
	}
	g.logger.Printf("arbiter decided in %s decision=%q", elapsed.Round(time.Millisecond), trim(decision.Decision, 80))
	return decision, nil
}

func parseDecision(raw []byte) (domain.ArbitrationDecision, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ArbitrationDecision{}, errors.New("empty decider output")
	}

	var decision domain.ArbitrationDecision
	if err := json.Unmarshal([]byte(text), &decision); err != nil {
		return domain.ArbitrationDecision{}, err
	}
	if strings.TrimSpace(decision.Decision) == "" {
		return domain.ArbitrationDecision{}, errors.New("decision field is empty")
	}
	return decision, nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
