package store

import (
	"context"
	"errors"
	"testing"
)

// testStoreContract exercises the Store contract against any backend.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("workflow not found", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetWorkflow() error = %v, want ErrNotFound", err)
		}
		if _, err := s.FindWorkflow(ctx, WorkflowKey{NamespaceID: "ns", BlockName: "b"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindWorkflow() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("create find and save workflow", func(t *testing.T) {
		s := newStore(t)
		labels := map[string]string{"lang": "en", "kind": "draft"}
		wf := NewWorkflow(WorkflowKey{NamespaceID: "ns-1", BlockName: "summarize"}, labels)
		wf.WorkspaceID = "ws"
		if err := s.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("CreateWorkflow() error = %v", err)
		}
		if wf.ID == "" {
			t.Fatal("expected id to be assigned")
		}

		got, err := s.FindWorkflow(ctx, WorkflowKey{NamespaceID: "ns-1", BlockName: "summarize", Labels: "kind=draft,lang=en"})
		if err != nil {
			t.Fatalf("FindWorkflow() error = %v", err)
		}
		if got.ID != wf.ID || got.Place != PlaceStart {
			t.Errorf("FindWorkflow() = %+v", got)
		}

		got.Place = "review"
		got.CurrData["draft"] = map[string]interface{}{"text": "hello"}
		got.History = append(got.History, HistoryEntry{Transition: "draft", From: PlaceStart, To: "review"})
		if err := s.SaveWorkflow(ctx, got); err != nil {
			t.Fatalf("SaveWorkflow() error = %v", err)
		}

		reloaded, err := s.GetWorkflow(ctx, wf.ID)
		if err != nil {
			t.Fatalf("GetWorkflow() error = %v", err)
		}
		if reloaded.Place != "review" || len(reloaded.History) != 1 {
			t.Errorf("reloaded = %+v", reloaded)
		}
		if reloaded.CurrData["draft"]["text"] != "hello" {
			t.Errorf("CurrData = %v", reloaded.CurrData)
		}
	})

	t.Run("save unknown workflow", func(t *testing.T) {
		s := newStore(t)
		wf := NewWorkflow(WorkflowKey{BlockName: "x"}, nil)
		wf.ID = "nope"
		if err := s.SaveWorkflow(ctx, wf); !errors.Is(err, ErrNotFound) {
			t.Errorf("SaveWorkflow() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("documents are indexed queried and invalidated", func(t *testing.T) {
		s := newStore(t)
		a := &Document{WorkspaceID: "ws", WorkflowID: "wf", NamespaceID: "ns-a", Name: "outline", Type: "md", Version: 1, Contents: "v1"}
		b := &Document{WorkspaceID: "ws", WorkflowID: "wf", NamespaceID: "ns-b", Name: "outline", Type: "md", Version: 2, Contents: "v2"}
		c := &Document{WorkspaceID: "ws", WorkflowID: "other", NamespaceID: "ns-a", Name: "notes", Type: "txt", Version: 1}
		for _, d := range []*Document{a, b, c} {
			if err := s.CreateDocument(ctx, d); err != nil {
				t.Fatalf("CreateDocument() error = %v", err)
			}
		}
		if !(a.Index < b.Index && b.Index < c.Index) {
			t.Fatalf("indexes not increasing: %d %d %d", a.Index, b.Index, c.Index)
		}

		docs, err := s.QueryDocuments(ctx, DocumentQuery{WorkspaceID: "ws", Name: "outline", Type: "md", Global: true})
		if err != nil {
			t.Fatalf("QueryDocuments() error = %v", err)
		}
		if len(docs) != 2 || docs[0].ID != a.ID {
			t.Fatalf("global query = %d docs", len(docs))
		}

		docs, _ = s.QueryDocuments(ctx, DocumentQuery{WorkspaceID: "ws", Name: "outline", NamespaceIDs: []string{"ns-b"}})
		if len(docs) != 1 || docs[0].ID != b.ID {
			t.Errorf("namespace query = %v", docs)
		}

		docs, _ = s.QueryDocuments(ctx, DocumentQuery{WorkspaceID: "ws", Global: true, MaxIndex: a.Index})
		if len(docs) != 1 {
			t.Errorf("watermark query = %d docs, want 1", len(docs))
		}

		if err := s.InvalidateDocuments(ctx, []string{a.ID}); err != nil {
			t.Fatalf("InvalidateDocuments() error = %v", err)
		}
		docs, _ = s.QueryDocuments(ctx, DocumentQuery{Name: "outline", Global: true})
		if len(docs) != 1 || docs[0].ID != b.ID {
			t.Errorf("after invalidation = %v", docs)
		}
		docs, _ = s.QueryDocuments(ctx, DocumentQuery{Name: "outline", Global: true, IncludeInvalidated: true})
		if len(docs) != 2 || !docs[0].IsInvalidated {
			t.Errorf("invalidated documents must be kept")
		}
	})

	t.Run("dependents derive from workflow dependencies", func(t *testing.T) {
		s := newStore(t)
		doc := &Document{WorkspaceID: "ws", Name: "outline", Type: "md", Version: 1}
		if err := s.CreateDocument(ctx, doc); err != nil {
			t.Fatal(err)
		}
		wf := NewWorkflow(WorkflowKey{BlockName: "consumer"}, nil)
		if err := s.CreateWorkflow(ctx, wf); err != nil {
			t.Fatal(err)
		}
		wf.Dependencies = []Dependency{{DocumentID: doc.ID, Name: "outline", Type: "md"}}
		if err := s.SaveWorkflow(ctx, wf); err != nil {
			t.Fatal(err)
		}
		docs, err := s.QueryDocuments(ctx, DocumentQuery{Name: "outline", Global: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || len(docs[0].Dependents) != 1 || docs[0].Dependents[0] != wf.ID {
			t.Errorf("Dependents = %v", docs[0].Dependents)
		}
	})

	t.Run("namespace deletion detaches children and flags documents", func(t *testing.T) {
		s := newStore(t)
		root := &Namespace{Name: "root", Label: "Pipeline"}
		if err := s.CreateNamespace(ctx, root); err != nil {
			t.Fatal(err)
		}
		a := &Namespace{ParentID: root.ID, Name: "0", Label: "Group"}
		b := &Namespace{ParentID: root.ID, Name: "1", Label: "Group"}
		for _, ns := range []*Namespace{a, b} {
			if err := s.CreateNamespace(ctx, ns); err != nil {
				t.Fatal(err)
			}
		}
		grandchild := &Namespace{ParentID: b.ID, Name: "0"}
		if err := s.CreateNamespace(ctx, grandchild); err != nil {
			t.Fatal(err)
		}
		doc := &Document{NamespaceID: b.ID, Name: "n", Type: "t", Version: 1}
		if err := s.CreateDocument(ctx, doc); err != nil {
			t.Fatal(err)
		}

		children, err := s.ListChildNamespaces(ctx, root.ID)
		if err != nil || len(children) != 2 {
			t.Fatalf("ListChildNamespaces() = %v, %v", children, err)
		}

		if err := s.DeleteNamespaces(ctx, []string{b.ID}); err != nil {
			t.Fatalf("DeleteNamespaces() error = %v", err)
		}
		if _, err := s.GetNamespace(ctx, b.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted namespace still present: %v", err)
		}
		gc, err := s.GetNamespace(ctx, grandchild.ID)
		if err != nil {
			t.Fatalf("grandchild should survive: %v", err)
		}
		if gc.ParentID != "" {
			t.Errorf("grandchild ParentID = %q, want empty", gc.ParentID)
		}
		docs, _ := s.QueryDocuments(ctx, DocumentQuery{Global: true, IncludeInvalidated: true})
		if len(docs) != 1 || !docs[0].IsPendingRemoval {
			t.Errorf("document should be flagged pending removal: %+v", docs)
		}
	})

	t.Run("pipelines", func(t *testing.T) {
		s := newStore(t)
		p := &Pipeline{ID: "p1", WorkspaceID: "ws", Block: "main", Args: map[string]interface{}{"topic": "go"}}
		if err := s.SavePipeline(ctx, p); err != nil {
			t.Fatal(err)
		}
		p.Block = "other"
		if err := s.SavePipeline(ctx, p); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetPipeline(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Block != "other" || got.Args["topic"] != "go" {
			t.Errorf("GetPipeline() = %+v", got)
		}
		if _, err := s.GetPipeline(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetPipeline(missing) error = %v", err)
		}
	})
}

func TestMemStore_Contract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	wf := NewWorkflow(WorkflowKey{BlockName: "b"}, nil)
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetWorkflow(ctx, wf.ID)
	got.Place = "mutated"

	again, _ := s.GetWorkflow(ctx, wf.ID)
	if again.Place != PlaceStart {
		t.Errorf("store state leaked through returned record: place = %q", again.Place)
	}
}

func TestMemStore_Closed(t *testing.T) {
	s := NewMemStore()
	_ = s.Close()
	if _, err := s.GetPipeline(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}

func TestLabelsKey(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"nil", nil, ""},
		{"single", map[string]string{"a": "1"}, "a=1"},
		{"sorted", map[string]string{"b": "2", "a": "1"}, "a=1,b=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LabelsKey(tt.labels); got != tt.want {
				t.Errorf("LabelsKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
