package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"pkt.systems/catalogd/internal/correlation"
	"pkt.systems/pslog"
)

// Command runs an external program as a pipeline. Exit code 0 maps to 200 and
// anything else to 500. When stdout is a JSON object with status, message or
// extra fields they are copied into the outcome; other JSON is exposed as
// extra.result.
type Command struct {
	Kind   string
	Path   string
	Args   []string
	Dir    string
	Env    map[string]string
	Logger pslog.Logger
}

// ParseCommandSpec parses "kind=command arg..." as used by the CLI.
func ParseCommandSpec(spec string) (Command, error) {
	kind, command, ok := strings.Cut(spec, "=")
	kind = strings.TrimSpace(kind)
	fields := strings.Fields(command)
	if !ok || kind == "" || len(fields) == 0 {
		return Command{}, fmt.Errorf("pipeline: invalid command spec %q (want kind=command [args])", spec)
	}
	if kind == KindRoot {
		return Command{}, fmt.Errorf("pipeline: kind %q is reserved", kind)
	}
	return Command{Kind: kind, Path: fields[0], Args: fields[1:]}, nil
}

type commandReport struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra"`
}

// Run executes the command. Jobs run to completion; only ctx cancellation
// stops them early.
func (c Command) Run(ctx context.Context) (Outcome, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	reqID := correlation.ID(ctx)
	if len(c.Env) > 0 || reqID != "" {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		if reqID != "" {
			env = append(env, correlation.EnvVar+"="+reqID)
		}
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := c.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger.Info("pipeline.command.start", "kind", c.Kind, "path", c.Path, "req_id", reqID)
	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Outcome{}, fmt.Errorf("pipeline %s: start %s: %w", c.Kind, c.Path, runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if stderr.Len() > 0 {
		logger.Debug("pipeline.command.stderr", "kind", c.Kind, "stderr", strings.TrimSpace(stderr.String()))
	}

	out := Outcome{HTTPStatus: http.StatusOK, Status: "SUCCESS", Message: c.Kind + " completed"}
	if exitCode != 0 {
		out = Outcome{HTTPStatus: http.StatusInternalServerError, Status: "ERROR", Message: fmt.Sprintf("%s exited with code %d", c.Kind, exitCode)}
	}
	if trimmed := bytes.TrimSpace(stdout.Bytes()); len(trimmed) > 0 {
		var report commandReport
		if json.Unmarshal(trimmed, &report) == nil && (report.Status != "" || report.Message != "" || report.Extra != nil) {
			if report.Status != "" {
				out.Status = report.Status
			}
			if report.Message != "" {
				out.Message = report.Message
			}
			out.Extra = report.Extra
		} else {
			var anyJSON any
			if json.Unmarshal(trimmed, &anyJSON) == nil {
				out.Extra = map[string]any{"result": anyJSON}
			}
		}
	}
	logger.Info("pipeline.command.done", "kind", c.Kind, "exit_code", exitCode, "status", out.Status)
	return out, nil
}
