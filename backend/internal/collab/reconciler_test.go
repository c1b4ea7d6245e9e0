package collab

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlushAll_PerDocumentFailureIsolation(t *testing.T) {
	// 两篇文档各有待落库日志，其中一篇的存储写入被注入故障。
	// 另一篇必须照常落库，故障篇的日志原样保留到下个周期。
	dc := newFakeDocCache()
	ds := newFakeStore()
	ds.docs["1"] = &StoredDocument{DocID: "1", Title: "a", Content: []byte(`{"ops":[{"insert":"Hi"}]}`), OwnerID: owner}
	ds.docs["2"] = &StoredDocument{DocID: "2", Title: "b", Content: []byte(`{"ops":[{"insert":"Hi"}]}`), OwnerID: owner}
	cs := &fakeCollaborators{roles: map[string]string{"1:1": "Owner", "2:1": "Owner"}}
	svc := NewSyncService(dc, ds, cs, nil, time.Minute)

	for _, id := range []string{"1", "2"} {
		if _, err := svc.ApplyChanges(context.Background(), id, owner, bang()); err != nil {
			t.Fatalf("apply (doc=%s) error = %v", id, err)
		}
	}
	ds.saveErr["2"] = errors.New("connection reset")

	r := NewReconciler(svc, dc, time.Minute)
	r.FlushAll(context.Background())

	if got := string(ds.content("1")); got != `{"ops":[{"insert":"Hi!"}]}` {
		t.Fatalf("doc 1 persisted = %s, want Hi!", got)
	}
	if dc.logLen("1") != 0 {
		t.Fatalf("doc 1 log not cleared")
	}
	if got := string(ds.content("2")); got != `{"ops":[{"insert":"Hi"}]}` {
		t.Fatalf("doc 2 persisted = %s, want unchanged", got)
	}
	if dc.logLen("2") != 1 {
		t.Fatalf("doc 2 log dropped despite failed write")
	}

	// 故障恢复，下个周期补上
	delete(ds.saveErr, "2")
	r.FlushAll(context.Background())
	if got := string(ds.content("2")); got != `{"ops":[{"insert":"Hi!"}]}` {
		t.Fatalf("doc 2 persisted after retry = %s, want Hi!", got)
	}
}

func TestFlushAll_OrphanLogNotRetried(t *testing.T) {
	dc := newFakeDocCache()
	ds := newFakeStore()
	ds.docs["1"] = &StoredDocument{DocID: "1", Title: "a", Content: []byte(`{"ops":[{"insert":"Hi"}]}`), OwnerID: owner}
	cs := &fakeCollaborators{roles: map[string]string{"1:1": "Owner"}}
	svc := NewSyncService(dc, ds, cs, nil, time.Minute)

	if _, err := svc.ApplyChanges(context.Background(), "1", owner, bang()); err != nil {
		t.Fatalf("apply error = %v", err)
	}
	ds.mu.Lock()
	delete(ds.docs, "1")
	ds.mu.Unlock()

	r := NewReconciler(svc, dc, time.Minute)
	r.FlushAll(context.Background())

	// 孤儿日志已被清掉，下个周期的扫描不会再捡起它
	docs, err := dc.PendingDocuments(context.Background())
	if err != nil {
		t.Fatalf("PendingDocuments() error = %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("orphan still pending: %v", docs)
	}
}

func TestFlushAll_NoPendingDocuments(t *testing.T) {
	dc := newFakeDocCache()
	ds := newFakeStore()
	svc := NewSyncService(dc, ds, &fakeCollaborators{roles: map[string]string{}}, nil, time.Minute)
	r := NewReconciler(svc, dc, time.Minute)
	r.FlushAll(context.Background())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dc := newFakeDocCache()
	ds := newFakeStore()
	svc := NewSyncService(dc, ds, &fakeCollaborators{roles: map[string]string{}}, nil, time.Minute)
	r := NewReconciler(svc, dc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
