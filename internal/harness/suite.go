package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one failed scenario file.
type ScenarioFailure struct {
	Scenario string   `json:"scenario,omitempty"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// DiscoverScenarios expands path into scenario files. A directory yields
// its *.yaml and *.yml files in lexical order; a file yields itself.
func DiscoverScenarios(fs afero.Fs, path string) ([]string, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := afero.ReadDir(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			paths = append(paths, filepath.Join(path, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// RunSuite loads and runs every scenario under path. Load and run errors
// count as failures; they do not stop the suite.
func RunSuite(ctx context.Context, fs afero.Fs, path string, opts Options) (*SuiteResult, error) {
	paths, err := DiscoverScenarios(fs, path)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	for _, p := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(fs, p)
		if err != nil {
			result.fail(ScenarioFailure{Path: p, Errors: []string{err.Error()}})
			continue
		}

		runResult, err := Run(ctx, scenario, opts)
		if err != nil {
			result.fail(ScenarioFailure{Scenario: scenario.Name, Path: p, Errors: []string{fmt.Sprintf("scenario execution failed: %v", err)}})
			continue
		}
		if !runResult.Pass {
			result.fail(ScenarioFailure{Scenario: scenario.Name, Path: p, Errors: runResult.Errors})
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(f ScenarioFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}
