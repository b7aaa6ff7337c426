package workspace

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/service"
)

type nopService struct{}

func (nopService) Transform(context.Context, service.Endpoint, cloak.TransformRequest) (*cloak.TransformResult, error) {
	return &cloak.TransformResult{}, nil
}

func (nopService) Chat(context.Context, service.ChatRequest) (*service.ChatReply, error) {
	return &service.ChatReply{Text: "ok"}, nil
}

func testDeps() Deps {
	return Deps{Transformer: nopService{}, Chatter: nopService{}}
}

func pngUpload(t *testing.T) filehandler.Upload {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return filehandler.Upload{Name: "a.png", MIMEType: "image/png", Data: buf.Bytes()}
}

func TestGetOrCreate(t *testing.T) {
	m := NewManager(testDeps(), ManagerOptions{})
	defer m.Shutdown()

	a := m.GetOrCreate("one")
	if b := m.GetOrCreate("one"); b != a {
		t.Error("GetOrCreate returned a different workspace for the same ID")
	}
	if m.Get("two") != nil {
		t.Error("Get should not create")
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
	if s, ok := a.Surface("face"); !ok || s != a.Face {
		t.Error("Surface(face) did not return the face controller")
	}
	if _, ok := a.Surface("video"); ok {
		t.Error("Surface(video) should not exist")
	}
}

func TestDeleteReleasesBindings(t *testing.T) {
	m := NewManager(testDeps(), ManagerOptions{})
	defer m.Shutdown()

	ws := m.GetOrCreate("s")
	if err := ws.Art.SelectSource(pngUpload(t)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	if err := ws.Face.SelectTarget(pngUpload(t)); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if err := ws.Playground.AttachDraftImage(pngUpload(t)); err != nil {
		t.Fatalf("AttachDraftImage: %v", err)
	}
	if live := ws.Registry.Stats().Live; live != 3 {
		t.Fatalf("live bindings = %d, want 3", live)
	}

	m.Delete("s")
	m.Delete("s")

	stats := ws.Registry.Stats()
	if stats.Live != 0 || stats.Released != 3 {
		t.Errorf("Stats after Delete = %+v", stats)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
}

func TestEvictLRU(t *testing.T) {
	m := NewManager(testDeps(), ManagerOptions{MaxWorkspaces: 3})
	defer m.Shutdown()

	first := m.GetOrCreate("s0")
	if err := first.Art.SelectSource(pngUpload(t)); err != nil {
		t.Fatalf("SelectSource: %v", err)
	}
	for i := 1; i < 3; i++ {
		time.Sleep(time.Millisecond)
		m.GetOrCreate(fmt.Sprintf("s%d", i))
	}
	time.Sleep(time.Millisecond)
	m.GetOrCreate("s3")

	if m.Count() != 3 {
		t.Errorf("Count = %d, want 3", m.Count())
	}
	if m.Get("s0") != nil {
		t.Error("least recently used workspace should be evicted")
	}
	if first.Registry.Stats().Live != 0 {
		t.Error("evicted workspace should release its bindings")
	}
}

func TestCleanupIdle(t *testing.T) {
	m := NewManager(testDeps(), ManagerOptions{IdleTimeout: time.Minute})
	defer m.Shutdown()

	m.GetOrCreate("old")
	m.GetOrCreate("new")
	m.mu.Lock()
	m.entries["old"].lastActivity = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()

	if removed := m.cleanupIdle(time.Now()); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if m.Get("old") != nil || m.Get("new") == nil {
		t.Error("only the idle workspace should be removed")
	}
}

func TestShutdownClosesWorkspaces(t *testing.T) {
	m := NewManager(testDeps(), ManagerOptions{})
	ws := m.GetOrCreate("s")
	m.Shutdown()

	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
	if err := ws.Art.SelectSource(pngUpload(t)); err == nil {
		t.Error("controllers should be closed after Shutdown")
	}
}

func TestGetOrCreateDuringIdleCleanup(t *testing.T) {
	m := NewManager(testDeps(), ManagerOptions{IdleTimeout: time.Minute})
	defer m.Shutdown()

	for i := range 200 {
		id := fmt.Sprintf("s%d", i)
		m.GetOrCreate(id)
		m.mu.Lock()
		m.entries[id].lastActivity = time.Now().Add(-2 * time.Minute)
		m.mu.Unlock()

		var wg sync.WaitGroup
		var ws *Workspace
		wg.Add(2)
		go func() {
			defer wg.Done()
			ws = m.GetOrCreate(id)
		}()
		go func() {
			defer wg.Done()
			m.cleanupIdle(time.Now())
		}()
		wg.Wait()

		if got := m.Get(id); got != ws {
			t.Fatalf("iteration %d: GetOrCreate returned a workspace that is no longer live", i)
		}
		m.Delete(id)
	}
}
