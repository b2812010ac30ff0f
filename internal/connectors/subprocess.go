package connectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultScripts скрипты внешних моделей по use case.
var DefaultScripts = map[string]string{
	"demand_forecast":   "demand_lightgbm.py",
	"stockout_risk":     "stockout_xgboost.py",
	"anomaly_detection": "anomaly_iforest.py",
}

// SubprocessConfig настройки запуска внешних скриптов.
type SubprocessConfig struct {
	Interpreter string
	ScriptDir   string
	Scripts     map[string]string
	Timeout     time.Duration
}

// SubprocessRunner запускает скрипт модели: JSON входа первым аргументом,
// JSON результата в stdout.
type SubprocessRunner struct {
	cfg    SubprocessConfig
	logger *zap.Logger
	// run подменяется в тестах
	run func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

func NewSubprocessRunner(cfg SubprocessConfig, logger *zap.Logger) *SubprocessRunner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Scripts == nil {
		cfg.Scripts = DefaultScripts
	}
	return &SubprocessRunner{
		cfg:    cfg,
		logger: logger.Named("subprocess").With(zap.String("dir", cfg.ScriptDir)),
		run:    runCommand,
	}
}

// Call реализует predict.Transport.
func (r *SubprocessRunner) Call(ctx context.Context, useCase string, payload []byte) ([]byte, error) {
	script, ok := r.cfg.Scripts[useCase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUseCase, useCase)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := r.run(ctx, r.cfg.Interpreter, filepath.Join(r.cfg.ScriptDir, script), string(payload))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("subprocess: %s timed out after %v: %w", script, r.cfg.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("subprocess: %s failed: %w (stderr: %s)", script, err, strings.TrimSpace(string(stderr)))
	}
	r.logger.Debug("script finished",
		zap.String("script", script),
		zap.Duration("took", time.Since(start)),
	)
	return bytes.TrimSpace(stdout), nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
