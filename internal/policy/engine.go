package policy

import (
	"context"
	"crypto/md5"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

//go:embed policies/*.rego
var embedded embed.FS

const decisionQuery = "data.solver.safety.decision"

// Input is the document a safety policy evaluates.
type Input struct {
	Text      string            `json:"text"`
	InputType string            `json:"input_type,omitempty"`
	RiskLevel string            `json:"risk_level,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations,omitempty"`
	RiskLevel  string   `json:"risk_level,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	// DryRun is set when a deny was downgraded to allow by ModeDryRun.
	DryRun        bool   `json:"dry_run,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// OPAEngine evaluates rego safety policies.
type OPAEngine struct {
	config Config
	logger *zap.Logger
	cache  *decisionCache

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
}

// NewOPAEngine compiles the configured policies. Load failures disable the
// engine unless FailClosed is set.
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Mode == "" {
		config.Mode = ModeEnforce
	}
	e := &OPAEngine{
		config: config,
		logger: logger,
		cache:  newDecisionCache(1000, 5*time.Minute),
	}
	if !e.active() {
		return e, nil
	}
	if err := e.LoadPolicies(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
	}
	return e, nil
}

func (e *OPAEngine) active() bool {
	return e.config.Enabled && e.config.Mode != ModeOff
}

// LoadPolicies (re)compiles policies from the configured directory, or the
// embedded default when no directory is set.
func (e *OPAEngine) LoadPolicies() error {
	policies, err := e.readPolicies()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %q", e.config.Path)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, policies[name]))
	}

	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(names, policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Clear()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
		zap.String("version", version),
	)
	recordPolicyLoad(len(policies))
	return nil
}

func (e *OPAEngine) readPolicies() (map[string]string, error) {
	var fsys fs.FS = embedded
	root := "policies"
	if e.config.Path != "" {
		fsys = os.DirFS(e.config.Path)
		root = "."
	}

	policies := make(map[string]string)
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
			return nil
		}
		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		policies[strings.TrimSuffix(filepath.ToSlash(path), ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	return policies, nil
}

// IsEnabled reports whether evaluations consult compiled policies.
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active() && e.compiled != nil
}

// Evaluate returns the policy decision for input.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	mode := string(e.config.Mode)

	e.mu.RLock()
	compiled, version := e.compiled, e.version
	e.mu.RUnlock()

	if !e.active() || compiled == nil {
		return &Decision{Allow: !e.config.FailClosed, Reason: "policy engine disabled or no policies loaded"}, nil
	}

	if d, ok := e.cache.Get(input); ok {
		recordCache(true)
		return d, nil
	}
	recordCache(false)

	results, err := compiled.Eval(ctx, rego.EvalInput(toMap(input)))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		recordError(mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return &Decision{Allow: true, Reason: "policy evaluation error, failing open"}, nil
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	if !decision.Allow && e.config.Mode == ModeDryRun {
		e.logger.Info("Dry-run policy evaluation would have denied",
			zap.Strings("violations", decision.Violations),
		)
		decision.Allow = true
		decision.DryRun = true
		decision.Reason = "DRY-RUN: would have been denied - " + decision.Reason
	}

	recordEvaluation(decision, mode, time.Since(start).Seconds())
	e.cache.Set(input, decision)
	return decision, nil
}

func toMap(input *Input) map[string]interface{} {
	m := map[string]interface{}{
		"text":       input.Text,
		"input_type": input.InputType,
		"risk_level": input.RiskLevel,
	}
	ctx := make(map[string]interface{}, len(input.Context))
	for k, v := range input.Context {
		ctx[k] = v
	}
	m["context"] = ctx
	return m
}

func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if list, ok := v["violations"].([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					decision.Violations = append(decision.Violations, s)
				}
			}
		}
		if risk, ok := v["risk_level"].(string); ok {
			decision.RiskLevel = risk
		}
	case bool:
		decision.Allow = v
	}

	if decision.Allow {
		decision.Reason = "allowed by policy"
	} else if len(decision.Violations) > 0 {
		decision.Reason = strings.Join(decision.Violations, ", ")
	} else {
		decision.Reason = "denied by policy"
	}
	return decision
}

func policyVersion(names []string, policies map[string]string) string {
	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}
