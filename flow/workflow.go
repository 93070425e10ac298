package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// workflowRun is one pass of a workflow block through its state machine.
type workflowRun struct {
	e   *Engine
	r   *run
	w   *block.Workflow
	rec *store.Workflow

	pending *PendingTransition
	deps    map[string]*store.Document
	step    int
	logger  *slog.Logger

	// superseded holds earlier document versions to invalidate when the
	// current transition commits; created holds documents stored early by
	// a committing tool call, invalidated again on rollback.
	superseded []string
	created    []string
}

// processWorkflow loads (or creates) the persisted workflow behind b and
// drives it until it suspends, ends or fails.
func (e *Engine) processWorkflow(ctx context.Context, r *run, b block.Block) error {
	w, ok := b.(*block.Workflow)
	if !ok {
		return fmt.Errorf("unexpected block type %T for kind %s", b, b.Kind())
	}
	c := w.Common()

	key := store.WorkflowKey{
		NamespaceID: c.Ctx.NamespaceID,
		BlockName:   c.Name,
		Labels:      store.LabelsKey(c.Ctx.Labels),
	}
	rec, err := e.store.FindWorkflow(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		rec = store.NewWorkflow(key, c.Ctx.Labels)
		rec.WorkspaceID = c.Ctx.WorkspaceID
		rec.PipelineID = c.Ctx.PipelineID
		if err = e.store.CreateWorkflow(ctx, rec); err != nil {
			return storeErr("create workflow", err)
		}
	} else if err != nil {
		return storeErr("find workflow", err)
	}
	c.Processor = rec.ID

	wr := &workflowRun{
		e:       e,
		r:       r,
		w:       w,
		rec:     rec,
		pending: r.takePending(key),
		logger:  ctxlog.FromContext(ctx).With("block", c.Name, "workflow_id", rec.ID),
	}
	return wr.execute(ctxlog.WithLogger(ctx, wr.logger))
}

func (wr *workflowRun) execute(ctx context.Context) error {
	e, rec := wr.e, wr.rec
	rec.Status = store.StatusRunning
	rec.Error = ""
	wr.emit(emit.MsgWorkflowStart, map[string]interface{}{"place": rec.Place})

	vc := &ValidationContext{Store: e.store, Block: wr.w, Workflow: rec}
	valid, updates, err := canSkipRun(ctx, e.validators, vc)
	if err != nil {
		return wr.finish(ctx, traceErr(wr.w, "dependencies", err))
	}
	wr.deps = vc.Documents
	if wr.pending != nil && wr.pending.WorkflowID != rec.ID {
		valid = false
	}

	if valid {
		block.MergeState(wr.w, block.State{Args: rec.Args})
	} else {
		wr.reset()
	}
	applyHashes(rec, updates)

	return wr.finish(ctx, wr.loop(ctx))
}

// reset moves the workflow back to "start", keeping the previous run's
// transition data in prevData.
func (wr *workflowRun) reset() {
	rec := wr.rec
	from := rec.Place
	rec.PrevData = rec.CurrData
	if rec.PrevData == nil {
		rec.PrevData = map[string]map[string]interface{}{}
	}
	rec.CurrData = map[string]map[string]interface{}{}
	rec.Place = store.PlaceStart
	rec.Args = nil

	wr.logger.Info("Workflow invalidated.", "from", from)
	wr.emit(emit.MsgWorkflowInvalidated, map[string]interface{}{"from": from, "to": store.PlaceStart})
	wr.e.metrics.IncrementInvalidations(wr.w.Name)
}

func (wr *workflowRun) loop(ctx context.Context) error {
	e := wr.e
	fired := 0
	for {
		wr.step++
		transitions, err := wr.transitions()
		if err != nil {
			return err
		}
		// fire may swap wr.rec for its snapshot on rollback.
		available := availableAt(transitions, wr.rec.Place)
		wr.rec.PlaceInfo = placeInfo(available)
		if err := e.store.SaveWorkflow(ctx, wr.rec); err != nil {
			return storeErr("save workflow", err)
		}

		t, ok := wr.choose(available, fired == 0)
		// The pending payload is only in scope for the transition it requested.
		if wr.pending != nil && (!ok || t.ID != wr.pending.ID) {
			wr.pending = nil
		}
		if !ok {
			return nil
		}
		if fired >= e.opts.MaxIterations {
			e.metrics.IncrementLoopGuardTrips(wr.w.Name)
			return &EngineError{
				Code:    CodeLoopExceeded,
				Message: fmt.Sprintf("workflow %q fired %d transitions without suspending", wr.w.Name, fired),
			}
		}
		fired++
		err = wr.fire(ctx, t)
		wr.pending = nil
		if err != nil {
			return err
		}
	}
}

// transitions evaluates the configured transition graph against the live
// workflow output. Call args and assign directives stay raw; they are
// evaluated right before each call.
func (wr *workflowRun) transitions() ([]block.TransitionConfig, error) {
	raw, ok := wr.w.Config["transitions"].([]interface{})
	if (!ok && wr.w.Config["transitions"] != nil) || len(raw) != len(wr.w.Spec.Transitions) {
		return nil, traceErr(wr.w, "transitions", fmt.Errorf("config holds %T with %d entries, decoded %d transitions",
			wr.w.Config["transitions"], len(raw), len(wr.w.Spec.Transitions)))
	}
	vars := wr.vars()
	out := make([]block.TransitionConfig, len(raw))
	for i, item := range raw {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, traceErr(wr.w, fmt.Sprintf("transitions[%d]", i), fmt.Errorf("transition is %T, want object", item))
		}
		lazy := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			if k != "call" {
				lazy[k] = v
			}
		}
		evaluated, err := wr.e.evaluator.EvaluateTree(lazy, vars)
		if err != nil {
			return nil, traceErr(wr.w, fmt.Sprintf("transitions[%d]", i), err)
		}
		var t block.TransitionConfig
		if err := block.Decode(evaluated, &t); err != nil {
			return nil, traceErr(wr.w, fmt.Sprintf("transitions[%d]", i), err)
		}
		t.Call = wr.w.Spec.Transitions[i].Call
		out[i] = t
	}
	return out, nil
}

func availableAt(transitions []block.TransitionConfig, place string) []block.TransitionConfig {
	var out []block.TransitionConfig
	for _, t := range transitions {
		if t.LeavesFrom(place) {
			out = append(out, t)
		}
	}
	return out
}

func placeInfo(available []block.TransitionConfig) []store.AvailableTransition {
	out := make([]store.AvailableTransition, 0, len(available))
	for _, t := range available {
		out = append(out, store.AvailableTransition{
			ID:     t.ID,
			To:     append([]string(nil), t.To...),
			When:   t.When,
			Manual: !t.Automatic(),
		})
	}
	return out
}

// choose picks the pending transition on the first iteration when it is
// available, otherwise the first automatic one.
func (wr *workflowRun) choose(available []block.TransitionConfig, first bool) (block.TransitionConfig, bool) {
	if first && wr.pending != nil {
		p := wr.pending
		for _, t := range available {
			if t.ID == p.ID {
				return t, true
			}
		}
		wr.logger.Warn("Pending transition is not available.", "transition", p.ID, "place", wr.rec.Place)
	}
	for _, t := range available {
		if t.Automatic() {
			return t, true
		}
	}
	return block.TransitionConfig{}, false
}

// fire runs t's tool calls and commits it. A failing call either aborts
// the run or, when t declares onError, restores the pre-transition state
// and redirects there.
func (wr *workflowRun) fire(ctx context.Context, t block.TransitionConfig) error {
	e := wr.e
	wr.emit(emit.MsgTransitionSelected, map[string]interface{}{"transition": t.ID, "from": wr.rec.Place})

	snapshot, err := wr.rec.Clone()
	if err != nil {
		return storeErr("snapshot workflow", err)
	}
	argsSnapshot := block.Export(wr.w).Args
	wr.superseded, wr.created = nil, nil

	outcome := "committed"
	results, effects, err := wr.runCalls(ctx, t)
	if err != nil {
		if t.OnError == "" {
			e.metrics.RecordTransition(wr.w.Name, "failed")
			return traceErr(wr.w, "transitions["+t.ID+"]", err)
		}
		if rerr := wr.rollback(ctx, snapshot, argsSnapshot); rerr != nil {
			return rerr
		}
		msg := err.Error()
		var ce *callError
		if errors.As(err, &ce) {
			msg = ce.Err.Error()
		}
		wr.logger.Warn("Transition failed, redirecting.", "transition", t.ID, "to", t.OnError, "error", err)
		wr.emit(emit.MsgTransitionRedirect, map[string]interface{}{"transition": t.ID, "to": t.OnError, "error": msg})
		outcome = "redirected"
		results = map[string]interface{}{"error": msg}
		effects = tool.Effects{SetTransitionPlace: t.OnError}
	}

	if wr.rec.CurrData == nil {
		wr.rec.CurrData = map[string]map[string]interface{}{}
	}
	wr.rec.CurrData[t.ID] = results
	if err := wr.commit(ctx, t, effects); err != nil {
		return err
	}
	e.metrics.RecordTransition(wr.w.Name, outcome)
	return nil
}

// rollback restores the workflow and its args to the state captured
// before the transition started.
func (wr *workflowRun) rollback(ctx context.Context, snapshot *store.Workflow, args map[string]interface{}) error {
	wr.rec = snapshot
	wr.w.Common().Args = args
	wr.superseded = nil
	if len(wr.created) > 0 {
		if err := wr.e.store.InvalidateDocuments(ctx, wr.created); err != nil {
			return storeErr("invalidate documents", err)
		}
		wr.created = nil
	}
	return nil
}

// runCalls executes t's calls in order. Results are kept by index and by
// call id for persisted results.
func (wr *workflowRun) runCalls(ctx context.Context, t block.TransitionConfig) (map[string]interface{}, tool.Effects, error) {
	var effects tool.Effects
	results := map[string]interface{}{}
	for i, call := range t.Call {
		path := fmt.Sprintf("transitions[%s].call[%d]", t.ID, i)
		vars := wr.vars()
		vars["calls"] = results

		args, err := wr.e.evaluateArgs(call.Args, vars)
		if err != nil {
			return nil, effects, &callError{Path: path + ".args", Err: err}
		}
		b, err := wr.e.factory.CreateBlock(ctx, call.Tool, args, wr.w.Ctx)
		if err != nil {
			return nil, effects, &callError{Path: path, Err: err}
		}
		tb, ok := b.(*block.Tool)
		if !ok || tb.Impl == nil {
			return nil, effects, &callError{Path: path, Err: fmt.Errorf("block %q is a %s, not a tool", call.Tool, b.Kind())}
		}

		wr.emit(emit.MsgToolCall, map[string]interface{}{"transition": t.ID, "tool": call.Tool, "call": i})
		res, err := wr.e.callTool(ctx, tb.Impl, tb.Args)
		if err != nil {
			return nil, effects, &callError{Path: path, Err: err}
		}
		if !res.Success {
			return nil, effects, &callError{Path: path, Err: &EngineError{Code: CodeToolFailed, Message: fmt.Sprintf("tool %s: %s", call.Tool, res.Message())}}
		}

		if res.Persist {
			results[strconv.Itoa(i)] = res.Data
			if call.ID != "" {
				results[call.ID] = res.Data
			}
		}
		if err := wr.assign(call, res, results); err != nil {
			return nil, effects, &callError{Path: path + ".assign", Err: err}
		}

		drafts, err := wr.checkDrafts(res.Effects.AddWorkflowDocuments)
		if err != nil {
			return nil, effects, &callError{Path: path, Err: err}
		}
		res.Effects.AddWorkflowDocuments = drafts
		if res.Effects.Commit {
			for _, d := range drafts {
				doc, err := wr.addDocument(ctx, t.ID, d)
				if err != nil {
					return nil, effects, &callError{Path: path, Err: err}
				}
				wr.created = append(wr.created, doc.ID)
			}
			res.Effects.AddWorkflowDocuments = nil
			res.Effects.Commit = false
		}
		effects.Merge(res.Effects)
	}
	return results, effects, nil
}

// assign evaluates the call's assign directives with the call result in
// scope and writes them to the workflow's inputs.
func (wr *workflowRun) assign(call block.CallConfig, res *tool.Result, results map[string]interface{}) error {
	if len(call.Assign) == 0 {
		return nil
	}
	vars := wr.vars()
	vars["calls"] = results
	vars["result"] = res.Data

	keys := make([]string, 0, len(call.Assign))
	for k := range call.Assign {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, property := range keys {
		v, err := wr.e.evaluator.EvaluateTree(call.Assign[property], vars)
		if err != nil {
			return fmt.Errorf("%s: %w", property, err)
		}
		if err := block.Assign(wr.w, property, v); err != nil {
			return err
		}
		if wr.rec.Args == nil {
			wr.rec.Args = map[string]interface{}{}
		}
		wr.rec.Args[property] = v
	}
	return nil
}

// checkDrafts validates draft contents against the schema of a document
// block registered under the same name, if any. Strict mode fails; safe
// mode records the failure in the document's meta.
func (wr *workflowRun) checkDrafts(drafts []store.DocumentDraft) ([]store.DocumentDraft, error) {
	for i := range drafts {
		d := &drafts[i]
		def, err := wr.e.registry.Lookup(d.Name)
		if err != nil || def.Kind != block.KindDocument {
			continue
		}
		var dc block.DocumentConfig
		if err := block.Decode(def.Config, &dc); err != nil || dc.Schema.IsZero() {
			continue
		}
		contents, ok := d.Contents.(map[string]interface{})
		if !ok {
			err = fmt.Errorf("contents are %T, want object", d.Contents)
		} else {
			var parsed map[string]interface{}
			if parsed, err = dc.Schema.Validate(contents); err == nil {
				d.Contents = parsed
			}
		}
		if err == nil {
			continue
		}
		if wr.e.opts.ValidationMode == ValidationStrict {
			return nil, &block.SchemaError{Block: d.Name, Property: schemaProperty(err), Cause: err}
		}
		wr.logger.Warn("Document failed schema validation.", "document", d.Name, "error", err)
		if d.Meta == nil {
			d.Meta = map[string]interface{}{}
		}
		d.Meta["validationError"] = err.Error()
	}
	return drafts, nil
}

// addDocument stores d as the next version of (name, type) for this
// workflow. Earlier versions are invalidated when the transition commits.
func (wr *workflowRun) addDocument(ctx context.Context, transitionID string, d store.DocumentDraft) (*store.Document, error) {
	rec := wr.rec
	typ := d.Type
	if typ == "" {
		typ = "document"
	}
	version := 0
	for _, prev := range rec.Documents {
		if prev.Name != d.Name || prev.Type != typ {
			continue
		}
		if prev.Version > version {
			version = prev.Version
		}
		if !prev.IsInvalidated {
			wr.superseded = append(wr.superseded, prev.ID)
		}
	}

	doc := &store.Document{
		WorkspaceID:  rec.WorkspaceID,
		PipelineID:   rec.PipelineID,
		WorkflowID:   rec.ID,
		NamespaceID:  rec.NamespaceID,
		Name:         d.Name,
		Type:         typ,
		Version:      version + 1,
		TransitionID: transitionID,
		Place:        rec.Place,
		Contents:     d.Contents,
		Meta:         d.Meta,
		CreatedAt:    wr.e.clock(),
	}
	if err := wr.e.store.CreateDocument(ctx, doc); err != nil {
		return nil, storeErr("create document", err)
	}
	rec.Documents = append(rec.Documents, doc)
	wr.logger.Debug("Document added.", "document_id", doc.ID, "name", doc.Name, "version", doc.Version)
	return doc, nil
}

// commit lands t, stores its queued documents and persists the workflow.
func (wr *workflowRun) commit(ctx context.Context, t block.TransitionConfig, effects tool.Effects) error {
	rec := wr.rec
	landing := effects.SetTransitionPlace
	if landing == "" {
		landing = t.To.First()
	}
	if landing == "" || !(t.To.Contains(landing) || t.From.Contains(landing) || landing == t.OnError) {
		return &EngineError{
			Code:    CodeInvalidLanding,
			Message: fmt.Sprintf("transition %q cannot land on %q", t.ID, landing),
		}
	}

	for _, d := range effects.AddWorkflowDocuments {
		if _, err := wr.addDocument(ctx, t.ID, d); err != nil {
			return err
		}
	}
	if err := wr.invalidateSuperseded(ctx); err != nil {
		return err
	}

	from := rec.Place
	rec.History = append(rec.History, store.HistoryEntry{Transition: t.ID, From: from, To: landing, At: wr.e.clock()})
	rec.Place = landing
	if err := wr.e.store.SaveWorkflow(ctx, rec); err != nil {
		return storeErr("save workflow", err)
	}
	wr.created = nil

	wr.logger.Debug("Transition committed.", "transition", t.ID, "from", from, "to", landing)
	wr.emit(emit.MsgTransitionCommitted, map[string]interface{}{"transition": t.ID, "from": from, "to": landing})
	return nil
}

func (wr *workflowRun) invalidateSuperseded(ctx context.Context) error {
	if len(wr.superseded) == 0 {
		return nil
	}
	if err := wr.e.store.InvalidateDocuments(ctx, wr.superseded); err != nil {
		return storeErr("invalidate documents", err)
	}
	stale := make(map[string]bool, len(wr.superseded))
	for _, id := range wr.superseded {
		stale[id] = true
	}
	for _, doc := range wr.rec.Documents {
		if stale[doc.ID] {
			doc.IsInvalidated = true
		}
	}
	wr.superseded = nil
	return nil
}

// finish derives the exit status, persists the workflow and publishes its
// outputs. It returns runErr, or the error that prevented persisting.
func (wr *workflowRun) finish(ctx context.Context, runErr error) error {
	e, rec, c := wr.e, wr.rec, wr.w.Common()

	var result interface{}
	if runErr == nil && wr.w.Spec.Result != nil {
		v, err := e.evaluator.EvaluateTree(wr.w.Spec.Result, wr.vars())
		if err != nil {
			runErr = traceErr(wr.w, "result", err)
		} else {
			result = v
		}
	}

	switch {
	case runErr != nil:
		rec.Status = store.StatusFailed
		rec.Error = runErr.Error()
	case rec.Place == store.PlaceEnd:
		rec.Status = store.StatusCompleted
	default:
		rec.Status = store.StatusWaiting
	}
	if err := e.store.SaveWorkflow(ctx, rec); err != nil && runErr == nil {
		runErr = storeErr("save workflow", err)
	}

	c.State["place"] = rec.Place
	c.State["status"] = string(rec.Status)
	c.State["result"] = result
	c.State["data"] = dataView(rec.CurrData)
	c.State["error"] = rec.Error
	c.State["documents"] = documentsView(rec.Documents)

	if runErr != nil {
		wr.logger.Error("Workflow failed.", "place", rec.Place, "error", runErr)
	} else {
		wr.logger.Info("Workflow stopped.", "place", rec.Place, "status", rec.Status)
	}
	wr.emit(emit.MsgWorkflowEnd, map[string]interface{}{"place": rec.Place, "status": string(rec.Status), "error": rec.Error})
	e.metrics.RecordWorkflowExit(wr.w.Name, string(rec.Status))
	return runErr
}

// vars is the expression scope of the workflow.
func (wr *workflowRun) vars() map[string]interface{} {
	rec, c := wr.rec, wr.w.Common()

	history := make([]interface{}, len(rec.History))
	for i, h := range rec.History {
		history[i] = map[string]interface{}{"transition": h.Transition, "from": h.From, "to": h.To}
	}
	payload := map[string]interface{}{}
	if wr.pending != nil && wr.pending.Payload != nil {
		payload = wr.pending.Payload
	}
	deps := map[string]interface{}{}
	for name, doc := range wr.deps {
		deps[name] = documentView(doc)
	}

	return map[string]interface{}{
		"args": c.Args,
		"ctx":  c.Ctx.Vars(),
		"workflow": map[string]interface{}{
			"id":      rec.ID,
			"name":    rec.BlockName,
			"place":   rec.Place,
			"status":  string(rec.Status),
			"history": history,
		},
		"data":      dataView(rec.CurrData),
		"prev":      dataView(rec.PrevData),
		"payload":   payload,
		"deps":      deps,
		"documents": documentsView(rec.Documents),
	}
}

func (wr *workflowRun) emit(msg string, meta map[string]interface{}) {
	wr.e.emit(wr.r, wr.step, wr.w.Name, wr.rec.ID, msg, meta)
}

func dataView(data map[string]map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// documentsView maps each document name to its latest valid version.
func documentsView(docs []*store.Document) map[string]interface{} {
	out := map[string]interface{}{}
	latest := map[string]*store.Document{}
	for _, d := range docs {
		if d.IsInvalidated || d.IsPendingRemoval {
			continue
		}
		if cur, ok := latest[d.Name]; !ok || d.Index > cur.Index {
			latest[d.Name] = d
		}
	}
	for name, d := range latest {
		out[name] = documentView(d)
	}
	return out
}

// callError locates a failure inside a transition's call list.
type callError struct {
	Path string
	Err  error
}

func (e *callError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *callError) Unwrap() error { return e.Err }

func schemaProperty(err error) string {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.Property
	}
	return ""
}
