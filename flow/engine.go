package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/expr"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// PendingTransition is an externally requested transition, typically a
// manual one, delivered with the next run of its workflow.
type PendingTransition struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflowId"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Payload is the input of ProcessPipeline.
type Payload struct {
	// Transition is delivered to the workflow it names, if any.
	Transition *PendingTransition `json:"transition,omitempty"`

	// Data is exposed to every block as ctx.payload.
	Data map[string]interface{} `json:"data,omitempty"`
}

// handler processes one block kind.
type handler func(ctx context.Context, r *run, b block.Block) error

// Engine processes pipelines.
//
// An Engine is safe for concurrent use by independent runs. Runs against
// the same workflow must be serialized by the caller.
type Engine struct {
	registry  *block.Registry
	tools     *tool.Registry
	store     store.Store
	factory   *block.Factory
	evaluator *expr.Evaluator

	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	logger     *slog.Logger
	validators []Validator
	clock      func() time.Time
	opts       Options

	mu       sync.RWMutex
	handlers map[block.Kind]handler
}

// New creates an engine over a block registry, a tool registry and a store.
func New(registry *block.Registry, tools *tool.Registry, st store.Store, options ...Option) (*Engine, error) {
	if registry == nil {
		return nil, &EngineError{Code: CodeInvalidArgument, Message: "block registry is required"}
	}
	if st == nil {
		return nil, &EngineError{Code: CodeMissingStore, Message: "store is required"}
	}
	if tools == nil {
		empty, _ := tool.NewRegistry()
		tools = empty
	}

	cfg := &engineConfig{}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, &EngineError{Code: CodeInvalidArgument, Message: "invalid option", Cause: err}
		}
	}
	if cfg.opts.MaxIterations == 0 {
		cfg.opts.MaxIterations = DefaultMaxIterations
	}
	if cfg.opts.ValidationMode == "" {
		cfg.opts.ValidationMode = ValidationStrict
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.evaluator == nil {
		eo := expr.DefaultOptions()
		eo.Logger = cfg.logger
		cfg.evaluator = expr.New(eo)
	}
	if cfg.validators == nil {
		cfg.validators = DefaultValidators()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}

	e := &Engine{
		registry:   registry,
		tools:      tools,
		store:      st,
		evaluator:  cfg.evaluator,
		emitter:    cfg.emitter,
		metrics:    cfg.metrics,
		logger:     cfg.logger,
		validators: cfg.validators,
		clock:      cfg.clock,
		opts:       cfg.opts,
	}
	e.factory = block.NewFactory(registry, block.NewCapabilityBuilder(block.Capabilities{
		Store:     st,
		Tools:     tools,
		Evaluator: cfg.evaluator,
		Logger:    cfg.logger,
		Emitter:   cfg.emitter,
	}))
	e.handlers = map[block.Kind]handler{
		block.KindWorkflow:  e.processWorkflow,
		block.KindTool:      e.processTool,
		block.KindDocument:  e.processDocument,
		block.KindPipeline:  e.processPipelineBlock,
		block.KindWorkspace: e.processPipelineBlock,
		block.KindFactory:   e.processFactory,
	}
	return e, nil
}

// Factory returns the block factory the engine instantiates blocks with.
func (e *Engine) Factory() *block.Factory { return e.factory }

// run is the state of one ProcessPipeline call.
type run struct {
	id       string
	userID   string
	pipeline *store.Pipeline

	pending    *PendingTransition
	pendingKey *store.WorkflowKey
}

// takePending returns the pending transition when key is the workflow it
// was addressed to. It is handed out at most once per run.
func (r *run) takePending(key store.WorkflowKey) *PendingTransition {
	if r.pending == nil || r.pendingKey == nil || *r.pendingKey != key {
		return nil
	}
	p := r.pending
	r.pending = nil
	return p
}

// ProcessPipeline runs the pipeline stored under pipelineID and returns the
// root block's result snapshot.
func (e *Engine) ProcessPipeline(ctx context.Context, pipelineID, userID string, payload Payload) (map[string]interface{}, error) {
	r := &run{id: store.NewID(), userID: userID}
	ctx = ctxlog.WithLogger(ctx, e.loggerFor(ctx).With("run_id", r.id, "pipeline_id", pipelineID))
	logger := ctxlog.FromContext(ctx)

	result, err := e.processPipeline(ctx, r, pipelineID, payload)
	if err != nil {
		logger.Error("Pipeline run failed.", "error", err)
		e.metrics.RecordRun("failed")
		return nil, err
	}
	logger.Info("Pipeline run finished.")
	e.metrics.RecordRun("ok")
	return result, nil
}

func (e *Engine) processPipeline(ctx context.Context, r *run, pipelineID string, payload Payload) (map[string]interface{}, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &EngineError{Code: CodeNotFound, Message: "pipeline " + pipelineID, Cause: err}
		}
		return nil, storeErr("load pipeline", err)
	}
	r.pipeline = p

	if payload.Transition != nil {
		if err := e.resolvePending(ctx, r, payload.Transition); err != nil {
			return nil, err
		}
	}

	if p.NamespaceID == "" {
		ns := &store.Namespace{
			WorkspaceID: p.WorkspaceID,
			PipelineID:  p.ID,
			Name:        p.ID,
			Label:       "Pipeline",
		}
		if err := e.store.CreateNamespace(ctx, ns); err != nil {
			return nil, storeErr("create root namespace", err)
		}
		p.NamespaceID = ns.ID
		if err := e.store.SavePipeline(ctx, p); err != nil {
			return nil, storeErr("save pipeline", err)
		}
	}

	bctx := block.ExecContext{
		WorkspaceID: p.WorkspaceID,
		PipelineID:  p.ID,
		NamespaceID: p.NamespaceID,
		UserID:      r.userID,
		Payload:     payload.Data,
	}
	root, err := e.factory.CreateBlock(ctx, p.Block, p.Args, bctx)
	if err != nil {
		return nil, &ConfigTraceError{Block: p.Block, Kind: "pipeline", Cause: err}
	}
	root.Common().ID = p.Block
	if err := e.process(ctx, r, root); err != nil {
		return nil, err
	}
	return block.Snapshot(root), nil
}

// resolvePending locates the workflow a pending transition is addressed to.
// An unknown workflow id leaves the transition undelivered.
func (e *Engine) resolvePending(ctx context.Context, r *run, pt *PendingTransition) error {
	wf, err := e.store.GetWorkflow(ctx, pt.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		ctxlog.FromContext(ctx).Warn("Pending transition targets unknown workflow.", "workflow_id", pt.WorkflowID, "transition", pt.ID)
		return nil
	}
	if err != nil {
		return storeErr("load pending workflow", err)
	}
	key := wf.Key()
	r.pending = pt
	r.pendingKey = &key
	return nil
}

// process dispatches b to the handler of its kind.
func (e *Engine) process(ctx context.Context, r *run, b block.Block) error {
	e.mu.RLock()
	h, ok := e.handlers[b.Kind()]
	e.mu.RUnlock()
	if !ok {
		return &EngineError{Code: CodeUnknownKind, Message: fmt.Sprintf("no handler for block kind %q", b.Kind())}
	}
	if err := h(ctx, r, b); err != nil {
		var trace *ConfigTraceError
		if errors.As(err, &trace) {
			return err
		}
		return &ConfigTraceError{Block: b.Common().Name, Kind: string(b.Kind()), Cause: err}
	}
	return nil
}

func (e *Engine) emit(r *run, step int, blockID, workflowID, msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		RunID:      r.id,
		Step:       step,
		BlockID:    blockID,
		WorkflowID: workflowID,
		Msg:        msg,
		Meta:       meta,
	})
}

func (e *Engine) loggerFor(ctx context.Context) *slog.Logger {
	if l := ctxlog.FromContext(ctx); l != slog.Default() {
		return l
	}
	return e.logger
}

func storeErr(op string, err error) error {
	return &EngineError{Code: CodeStoreError, Message: op, Cause: err}
}

func traceErr(b block.Block, path string, err error) error {
	var trace *ConfigTraceError
	if errors.As(err, &trace) {
		return err
	}
	return &ConfigTraceError{Block: b.Common().Name, Kind: string(b.Kind()), Path: path, Cause: err}
}
