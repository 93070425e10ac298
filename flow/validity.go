package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/store"
)

// Hash targets written by the default validators.
const (
	TargetFirstRun     = "firstRun"
	TargetArgs         = "args"
	TargetDependencies = "dependencies"
)

// Verdict is one validator's opinion on whether a workflow may resume
// where it left off. A non-empty Target records Hash under that key.
type Verdict struct {
	Valid  bool
	Target string
	Hash   string
}

// ValidationContext is what validators inspect.
type ValidationContext struct {
	Store    store.Store
	Block    *block.Workflow
	Workflow *store.Workflow

	// Documents collects dependency documents by name for expression scope.
	Documents map[string]*store.Document
}

// Validator decides one aspect of workflow validity. A validator may
// update the workflow record in place (DependencyValidator refreshes its
// dependency set).
type Validator interface {
	Name() string
	Validate(ctx context.Context, vc *ValidationContext) (Verdict, error)
}

// DefaultValidators returns the validators used when none are configured.
func DefaultValidators() []Validator {
	return []Validator{FirstRunValidator{}, OptionValidator{}, DependencyValidator{}}
}

// canSkipRun ANDs every validator and merges their hash updates by target.
func canSkipRun(ctx context.Context, validators []Validator, vc *ValidationContext) (bool, map[string]string, error) {
	valid := true
	updates := map[string]string{}
	for _, v := range validators {
		verdict, err := v.Validate(ctx, vc)
		if err != nil {
			return false, nil, fmt.Errorf("validator %s: %w", v.Name(), err)
		}
		if !verdict.Valid {
			valid = false
		}
		if verdict.Target != "" {
			updates[verdict.Target] = verdict.Hash
		}
	}
	return valid, updates, nil
}

// applyHashes merges validator hash updates into wf.
func applyHashes(wf *store.Workflow, updates map[string]string) {
	if wf.Hashes == nil {
		wf.Hashes = map[string]string{}
	}
	for target, hash := range updates {
		wf.Hashes[target] = hash
		if target == TargetDependencies {
			wf.DependenciesHash = hash
		}
	}
}

// FirstRunValidator is invalid until the workflow has run once.
type FirstRunValidator struct{}

func (FirstRunValidator) Name() string { return "first_run" }

func (FirstRunValidator) Validate(_ context.Context, vc *ValidationContext) (Verdict, error) {
	return Verdict{
		Valid:  vc.Workflow.Hashes[TargetFirstRun] != "",
		Target: TargetFirstRun,
		Hash:   "1",
	}, nil
}

// OptionValidator is invalid when the block's arguments changed since the
// last run.
type OptionValidator struct{}

func (OptionValidator) Name() string { return "options" }

func (OptionValidator) Validate(_ context.Context, vc *ValidationContext) (Verdict, error) {
	hash, err := HashArgs(vc.Block.Args)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Valid:  vc.Workflow.Hashes[TargetArgs] == hash,
		Target: TargetArgs,
		Hash:   hash,
	}, nil
}

// DependencyValidator recomputes the workflow's dependency documents. For
// each declared dependency it replaces the matching (name, type) entries
// and leaves the rest alone; when the id set changed the workflow gets its
// new dependencies and is invalid.
type DependencyValidator struct{}

func (DependencyValidator) Name() string { return "dependencies" }

func (DependencyValidator) Validate(ctx context.Context, vc *ValidationContext) (Verdict, error) {
	wf := vc.Workflow
	if vc.Documents == nil {
		vc.Documents = map[string]*store.Document{}
	}

	deps := append([]store.Dependency(nil), wf.Dependencies...)
	for _, dc := range vc.Block.Spec.Dependencies {
		q := store.DocumentQuery{
			PipelineID: wf.PipelineID,
			Name:       dc.Name,
			Type:       dc.Type,
			Global:     dc.Global,
		}
		if !dc.Global {
			scope, err := dependencyScope(ctx, vc.Store, wf, dc.Namespace)
			if err != nil {
				return Verdict{}, err
			}
			q.NamespaceIDs = scope
		}
		docs, err := vc.Store.QueryDocuments(ctx, q)
		if err != nil {
			return Verdict{}, err
		}

		kept := deps[:0:0]
		for _, d := range deps {
			if !matchesDependency(d, dc) {
				kept = append(kept, d)
			}
		}
		for _, doc := range docs {
			if doc.WorkflowID == wf.ID {
				continue
			}
			kept = append(kept, store.Dependency{DocumentID: doc.ID, Name: doc.Name, Type: doc.Type})
			vc.Documents[doc.Name] = doc
		}
		deps = kept
	}

	if !sameIDs(dependencyIDs(wf.Dependencies), dependencyIDs(deps)) {
		wf.Dependencies = deps
	}
	hash := HashDependencies(dependencyIDs(wf.Dependencies))
	return Verdict{
		Valid:  hash == wf.DependenciesHash,
		Target: TargetDependencies,
		Hash:   hash,
	}, nil
}

// dependencyScope returns the namespaces a branch-local dependency looks in.
func dependencyScope(ctx context.Context, st store.Store, wf *store.Workflow, which string) ([]string, error) {
	switch which {
	case "", "self":
		return []string{wf.NamespaceID}, nil
	case "parent":
		ns, err := st.GetNamespace(ctx, wf.NamespaceID)
		if err != nil {
			return nil, err
		}
		if ns.ParentID == "" {
			return []string{wf.NamespaceID}, nil
		}
		return []string{ns.ParentID}, nil
	}
	return nil, fmt.Errorf("unknown dependency namespace %q", which)
}

func matchesDependency(d store.Dependency, dc block.DependencyConfig) bool {
	return (dc.Name == "" || d.Name == dc.Name) && (dc.Type == "" || d.Type == dc.Type)
}

func dependencyIDs(deps []store.Dependency) []string {
	ids := make([]string, len(deps))
	for i, d := range deps {
		ids[i] = d.DocumentID
	}
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return HashDependencies(a) == HashDependencies(b)
}

// HashDependencies is an order-independent digest of a document id set.
// The empty set hashes to "".
func HashDependencies(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// HashArgs digests block arguments. encoding/json sorts map keys, so equal
// argument trees hash equally.
func HashArgs(args map[string]interface{}) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to hash args: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
