package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/pipeflow/flow/tool"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// TimeoutTool is implemented by tools that carry their own call timeout.
type TimeoutTool interface {
	Timeout() time.Duration
}

// toolTimeout determines the timeout of a call by precedence:
//  1. the tool's own Timeout
//  2. the engine's ToolTimeout
//  3. 0 (no timeout)
func toolTimeout(t tool.Tool, defaultTimeout time.Duration) time.Duration {
	if tt, ok := t.(TimeoutTool); ok && tt.Timeout() > 0 {
		return tt.Timeout()
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// callTool runs t with its timeout applied and records the call latency.
func (e *Engine) callTool(ctx context.Context, t tool.Tool, args map[string]interface{}) (*tool.Result, error) {
	timeout := toolTimeout(t, e.opts.ToolTimeout)
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := e.clock()
	res, err := t.Call(callCtx, args)
	latency := e.clock().Sub(start)

	status := "success"
	switch {
	case timeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		status = "timeout"
		err = &EngineError{
			Code:    CodeToolTimeout,
			Message: fmt.Sprintf("tool %s exceeded timeout of %v", t.Name(), timeout),
			Cause:   err,
		}
	case err != nil:
		status = "error"
	case res == nil:
		status = "error"
		err = fmt.Errorf("tool %s returned no result", t.Name())
	case !res.Success:
		status = "failed"
	}
	e.metrics.RecordToolLatency(t.Name(), latency, status)
	ctxlog.FromContext(ctx).Debug("Tool called.", "tool", t.Name(), "status", status, "duration_ms", latency.Milliseconds())

	if err != nil {
		return nil, err
	}
	return res, nil
}
