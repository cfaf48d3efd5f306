package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"errand/internal/logging"
)

// LocalSkills runs pre-installed skills as sandboxed subprocesses. A skill
// is a directory under the skills root containing an executable named
// `run`; it receives params as JSON on stdin and must print a JSON result.
// The subprocess gets an empty environment, so it cannot read host
// credentials.
type LocalSkills struct {
	root    string
	timeout time.Duration
}

// NewLocalSkills builds the runner over a skills directory.
func NewLocalSkills(root string, timeout time.Duration) *LocalSkills {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalSkills{root: root, timeout: timeout}
}

func (s *LocalSkills) binPath(skillID string) string {
	return filepath.Join(s.root, filepath.Base(skillID), "run")
}

// Has reports whether a skill is installed. Used at plan time, so a missing
// skill becomes a plan gap rather than a runtime error.
func (s *LocalSkills) Has(skillID string) bool {
	if skillID == "" {
		return false
	}
	info, err := os.Stat(s.binPath(skillID))
	return err == nil && !info.IsDir()
}

type skillResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Execute runs one skill to completion.
func (s *LocalSkills) Execute(ctx context.Context, skillID string, params map[string]string) (string, error) {
	if !s.Has(skillID) {
		return "", fmt.Errorf("skill %q not installed", skillID)
	}

	input, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode skill params: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.binPath(skillID))
	cmd.Dir = filepath.Join(s.root, filepath.Base(skillID))
	cmd.Env = []string{} // no host environment leaks into the sandbox
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	timer := logging.StartTimer(logging.CategoryEngine, fmt.Sprintf("skill %s", skillID))
	err = cmd.Run()
	timer.Stop()

	if err != nil {
		return "", fmt.Errorf("skill %s failed: %v: %s", skillID, err, clip(stderr.String(), 500))
	}

	var res skillResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return "", fmt.Errorf("skill %s produced invalid output: %w", skillID, err)
	}
	if !res.Success {
		return "", fmt.Errorf("skill %s reported failure: %s", skillID, res.Error)
	}
	return res.Result, nil
}
