package sigma

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/procwatch/process"
)

// Detector evaluates delivered process creations against the Sigma rules
// in <RulesDir>/enabled_rules and reloads them when that directory changes.
type Detector struct {
	RulesDir string
	logger   *slog.Logger

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	reloadChan chan struct{}     // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
	done       chan struct{}
	closeOnce  sync.Once
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	RuleID     string
	Title      string
	Level      string
	Conditions []string
}

// Helper function to create hardcoded config
func createHardcodedConfig() sigma.Config {
	return sigma.Config{
		Title: "procwatch process creation",
		FieldMappings: map[string]sigma.FieldMapping{
			"CommandLine":      {TargetNames: []string{"CommandLine"}},
			"Image":            {TargetNames: []string{"Image"}},
			"OriginalFileName": {TargetNames: []string{"OriginalFileName"}},
			"ParentImage":      {TargetNames: []string{"ParentImage"}},
			"User":             {TargetNames: []string{"Username"}},
			"ProcessId":        {TargetNames: []string{"ProcessId"}},
			"ParentProcessId":  {TargetNames: []string{"ParentProcessId"}},
		},
	}
}

// Fields builds the Sigma event for a process creation.
func Fields(info *process.Info) map[string]interface{} {
	image := info.ExePath
	if image == "" {
		image = info.Name
	}
	event := map[string]interface{}{
		"Image":            image,
		"OriginalFileName": info.Name,
		"ProcessId":        int64(info.PID),
		"ParentProcessId":  int64(info.PPID),
	}
	if info.CmdLine != "" {
		event["CommandLine"] = info.CmdLine
	}
	if info.ParentExe != "" {
		event["ParentImage"] = info.ParentExe
	}
	if info.Username != "" {
		event["Username"] = info.Username
	}
	return event
}

// NewDetector loads the enabled rules under rulesDir and starts watching
// them. The enabled_rules and disabled_rules directories are created if
// missing.
func NewDetector(rulesDir string, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		logger:     logger,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan struct{}, 1),
		watcher:    watcher,
		done:       make(chan struct{}),
	}

	for _, dir := range []string{detector.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	// changes in disabled_rules don't matter
	if err := watcher.Add(detector.enabledDir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", detector.enabledDir(), err)
	}
	logger.Info("watching rule directory", "dir", detector.enabledDir())

	go detector.watchFileChanges()
	return detector, nil
}

func (sd *Detector) enabledDir() string {
	return filepath.Join(sd.RulesDir, "enabled_rules")
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func (sd *Detector) watchFileChanges() {
	defer close(sd.done)
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.logger.Debug("detected rule change", "file", event.Name, "op", event.Op.String())
				sd.ReloadRules()
			}

		case <-sd.reloadChan:
			if err := sd.LoadRules(); err != nil {
				sd.logger.Error("error reloading rules", "error", err)
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.logger.Warn("file watcher error", "error", err)
		}
	}
}

// ReloadRules schedules a reload. Requests made while one is pending
// coalesce.
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- struct{}{}:
	default:
	}
}

// LoadRules replaces the loaded rules with the rule files currently in
// enabled_rules. Files that fail to parse are skipped with a warning.
func (sd *Detector) LoadRules() error {
	files, err := os.ReadDir(sd.enabledDir())
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(sd.enabledDir(), file.Name())
		rule, err := loadRuleFile(filePath)
		if err != nil {
			sd.logger.Warn("failed to load rule file", "file", filePath, "error", err)
			continue
		}
		evaluators[rule.ID] = newEvaluator(rule)
		sd.logger.Debug("loaded rule", "id", rule.ID, "title", rule.Title)
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	sd.logger.Info("loaded sigma rules", "count", len(evaluators), "dir", sd.enabledDir())
	return nil
}

func loadRuleFile(filePath string) (sigma.Rule, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return sigma.Rule{}, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	return rule, nil
}

func newEvaluator(rule sigma.Rule) *evaluator.RuleEvaluator {
	return evaluator.ForRule(rule,
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// Aggregations need event history, which a single creation does not carry.
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	)
}

// RuleCount returns the number of loaded rules.
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// CheckEvent returns every loaded rule that matches event, ordered by rule
// ID.
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	sd.mu.RLock()
	defer sd.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range sd.evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.logger.Warn("error evaluating rule", "rule", ruleEvaluator.Rule.ID, "error", err)
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		sort.Strings(matchConditions)

		results = append(results, MatchResult{
			RuleID:     ruleEvaluator.Rule.ID,
			Title:      ruleEvaluator.Rule.Title,
			Level:      ruleEvaluator.Rule.Level,
			Conditions: matchConditions,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RuleID < results[j].RuleID })
	return results
}

// Close stops watching the rule directory.
func (sd *Detector) Close() error {
	var err error
	sd.closeOnce.Do(func() {
		err = sd.watcher.Close()
		<-sd.done
	})
	return err
}
