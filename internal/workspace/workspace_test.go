package workspace_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"slide-guide/internal/logger"
	"slide-guide/internal/questions"
	"slide-guide/internal/workspace"
)

func newManager(t *testing.T) *workspace.Manager {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir(), logger.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestWorkspacesAreIsolated(t *testing.T) {
	m := newManager(t)

	var wg sync.WaitGroup
	spaces := make([]*workspace.Workspace, 2)
	errs := make([]error, 2)
	for i, session := range []string{"session-a", "session-b"} {
		wg.Add(1)
		go func(i int, session string) {
			defer wg.Done()
			ws, err := m.Open(session)
			if err != nil {
				errs[i] = err
				return
			}
			spaces[i] = ws
			errs[i] = ws.WriteFile("slide_001.jpg", []byte("payload from "+session))
		}(i, session)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("workspace %d: %v", i, err)
		}
	}

	a, b := spaces[0], spaces[1]
	if a.Dir() == b.Dir() {
		t.Fatal("distinct sessions share a directory")
	}
	gotA, err := a.ReadFile("slide_001.jpg")
	if err != nil || string(gotA) != "payload from session-a" {
		t.Fatalf("session a read %q, %v", gotA, err)
	}
	gotB, err := b.ReadFile("slide_001.jpg")
	if err != nil || string(gotB) != "payload from session-b" {
		t.Fatalf("session b read %q, %v", gotB, err)
	}

	if err := m.Close("session-a"); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if _, err := os.Stat(a.Dir()); !os.IsNotExist(err) {
		t.Fatalf("closed workspace still on disk: %v", err)
	}
	gotB, err = b.ReadFile("slide_001.jpg")
	if err != nil || string(gotB) != "payload from session-b" {
		t.Fatalf("closing a disturbed b: %q, %v", gotB, err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	m := newManager(t)
	first, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("Open returned a different workspace for the same session")
	}
	if m.Len() != 1 {
		t.Fatalf("expected one workspace, got %d", m.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newManager(t)
	if _, err := m.Open("s1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Close("s1"); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if err := m.Close("never-opened"); err != nil {
		t.Fatalf("closing an unknown session: %v", err)
	}
	if _, err := m.Get("s1"); !errors.Is(err, workspace.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestDirectoryNeverDerivesFromSessionID(t *testing.T) {
	m := newManager(t)
	hostile := "../../etc/passwd"
	ws, err := m.Open(hostile)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(ws.Dir()) != filepath.Clean(m.Root()) {
		t.Fatalf("workspace escaped the root: %s", ws.Dir())
	}
	if strings.Contains(ws.Dir(), "passwd") {
		t.Fatalf("directory name derived from session id: %s", ws.Dir())
	}
	if _, err := m.Open(""); !errors.Is(err, workspace.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	m := newManager(t)
	ws, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../other/slide.jpg", "/etc/passwd", "a/../../b", ".."} {
		if _, err := ws.Path(name); !errors.Is(err, workspace.ErrInvalidName) {
			t.Errorf("Path(%q) = %v, want ErrInvalidName", name, err)
		}
		if err := ws.WriteFile(name, []byte("x")); err == nil {
			t.Errorf("WriteFile(%q) succeeded", name)
		}
	}
	if err := ws.WriteFile("slides/slide_002.jpg", []byte("nested")); err != nil {
		t.Fatalf("nested write: %v", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	m := newManager(t)
	ws, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close("s1"); err != nil {
		t.Fatal(err)
	}
	err = ws.WriteFile("late.jpg", []byte("x"))
	var wsErr *workspace.WorkspaceError
	if !errors.As(err, &wsErr) || !errors.Is(err, workspace.ErrClosed) {
		t.Fatalf("expected a closed workspace error, got %v", err)
	}
	if _, statErr := os.Stat(ws.Dir()); !os.IsNotExist(statErr) {
		t.Fatal("late write recreated the directory")
	}
}

func TestResetStartsOver(t *testing.T) {
	m := newManager(t)
	old, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	_ = old.Update(func(s *workspace.State) error {
		s.SourceName = "lecture.pdf"
		return nil
	})

	fresh, err := m.Reset("s1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Dir() == old.Dir() {
		t.Fatal("reset reused the old directory")
	}
	if snap := fresh.Snapshot(); snap.SourceName != "" {
		t.Fatalf("reset kept state: %+v", snap)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	m := newManager(t)
	ws, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	_ = ws.Update(func(s *workspace.State) error {
		s.SourceName = "kept.pdf"
		return nil
	})
	boom := errors.New("boom")
	err = ws.Update(func(s *workspace.State) error {
		s.SourceName = "discarded.pdf"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the update error, got %v", err)
	}
	if got := ws.Snapshot().SourceName; got != "kept.pdf" {
		t.Fatalf("failed update leaked: %q", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := newManager(t)
	ws, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	_ = ws.Update(func(s *workspace.State) error {
		s.Slides = []workspace.Slide{{
			Page:      1,
			Questions: questions.Set{&questions.OpenEnded{Question: "q"}},
		}}
		return nil
	})

	snap := ws.Snapshot()
	snap.Slides[0].Questions[0].Common().SetSelected(false)
	snap.Slides[0].Page = 99

	again := ws.Snapshot()
	if again.Slides[0].Page != 1 || !again.Slides[0].Questions[0].Common().IsSelected() {
		t.Fatal("mutating a snapshot changed workspace state")
	}
}

func TestConcurrentUpdatesWithinOneWorkspace(t *testing.T) {
	m := newManager(t)
	ws, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = ws.Update(func(s *workspace.State) error {
				s.Slides = append(s.Slides, workspace.Slide{Page: i + 1})
				return nil
			})
		}(i)
	}
	wg.Wait()
	if got := len(ws.Snapshot().Slides); got != 50 {
		t.Fatalf("lost updates: %d slides", got)
	}
}

func TestRemoveOrphans(t *testing.T) {
	m := newManager(t)
	live, err := m.Open("s1")
	if err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(m.Root(), "6f1c1f8e-0d7e-4b8a-9a55-2f4b6c1d2e3f")
	if err := os.Mkdir(orphan, 0o700); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(m.Root(), "keep-me")
	if err := os.Mkdir(unrelated, 0o700); err != nil {
		t.Fatal(err)
	}

	removed, err := m.RemoveOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	for path, want := range map[string]bool{live.Dir(): true, orphan: false, unrelated: true} {
		_, err := os.Stat(path)
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", filepath.Base(path), exists, want)
		}
	}
}

func TestCloseAll(t *testing.T) {
	m := newManager(t)
	var dirs []string
	for i := 0; i < 3; i++ {
		ws, err := m.Open(fmt.Sprintf("s%d", i))
		if err != nil {
			t.Fatal(err)
		}
		dirs = append(dirs, ws.Dir())
	}
	if err := m.CloseAll(); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Fatalf("sessions left: %d", m.Len())
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("%s still exists", dir)
		}
	}
}
