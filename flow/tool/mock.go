package tool

import (
	"context"
	"sync"

	"github.com/dshills/pipeflow/flow/schema"
)

// MockTool is a test implementation of Tool.
//
// Each Call returns the next entry of Results, repeating the last one once
// they are exhausted. Err, when set, is returned instead.
//
//	mock := &MockTool{
//	    ToolName: "search",
//	    Results:  []*Result{OK(map[string]interface{}{"hits": 2})},
//	}
type MockTool struct {
	ToolName  string
	ArgSchema schema.Schema
	Results   []*Result
	Err       error

	// CallFunc, when set, replaces Results and Err.
	CallFunc func(ctx context.Context, args map[string]interface{}) (*Result, error)

	// Calls records every invocation.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation.
type MockToolCall struct {
	Args map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Schema implements Tool.
func (m *MockTool) Schema() schema.Schema { return m.ArgSchema }

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, MockToolCall{Args: args})
	fn := m.CallFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, args)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Results) == 0 {
		return OK(map[string]interface{}{}), nil
	}
	idx := m.callIndex
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	} else {
		m.callIndex++
	}
	return m.Results[idx], nil
}

// Reset clears the call history and rewinds Results.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of calls so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
