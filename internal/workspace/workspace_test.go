package workspace

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/Mirai3103/playground-runner/internal/models"
)

func newTestManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	logger := zerolog.Nop()
	return NewManager(fs, "/sandbox", 0, &logger), fs
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"main.c", "main.c", false},
		{"../../etc/passwd", "....etcpasswd", false},
		{"my file (1).c", "myfile1.c", false},
		{"utils_v2-final.h", "utils_v2-final.h", false},
		{"/////", "", true},
		{"..", "", true},
		{"./", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := SanitizeName(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrNoUsableName) {
				t.Errorf("SanitizeName(%q) err = %v, want ErrNoUsableName", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestCreateRejectsPathLikeIDs(t *testing.T) {
	m, _ := newTestManager(t)
	for _, id := range []string{"", "a/b", "..", ".hidden"} {
		if _, err := m.Create(id); !errors.Is(err, ErrInvalidJobID) {
			t.Errorf("Create(%q) err = %v, want ErrInvalidJobID", id, err)
		}
	}
}

func TestMaterializeWritesSanitizedFiles(t *testing.T) {
	m, fs := newTestManager(t)
	ws, err := m.Create("job-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stdin := "42\n"
	files := []models.SubmittedFile{
		{Name: "main.c", Content: "int main(void){return 0;}"},
		{Name: "../evil.c", Content: "x"},
		{Name: "util.h", Content: "#pragma once"},
		{Name: "///", Content: "dropped"},
		{Name: "b.c", Content: "int b;"},
	}
	written, err := ws.Materialize(files, &stdin)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	wantWritten := []string{"main.c", "..evil.c", "util.h", "b.c"}
	if !reflect.DeepEqual(written, wantWritten) {
		t.Fatalf("written = %v, want %v", written, wantWritten)
	}
	if got, want := ws.Sources(), []string{"..evil.c", "b.c", "main.c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sources = %v, want %v", got, want)
	}

	entries, err := afero.ReadDir(fs, ws.Dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if clean, err := SanitizeName(e.Name()); err != nil || clean != e.Name() {
			t.Errorf("unsanitized file on disk: %q", e.Name())
		}
	}
	if exists, _ := afero.Exists(fs, "/evil.c"); exists {
		t.Fatal("file escaped the workspace")
	}

	if !ws.HasInput() {
		t.Fatal("stdin not recorded")
	}
	data, err := afero.ReadFile(fs, filepath.Join(ws.Dir, InputFile))
	if err != nil || string(data) != stdin {
		t.Fatalf("input.txt = %q, %v", data, err)
	}
}

func TestMaterializeWithoutStdin(t *testing.T) {
	m, fs := newTestManager(t)
	ws, _ := m.Create("job-2")
	if _, err := ws.Materialize([]models.SubmittedFile{{Name: "a.c", Content: ""}}, nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if ws.HasInput() {
		t.Fatal("HasInput with nil stdin")
	}
	if exists, _ := afero.Exists(fs, ws.InputPath()); exists {
		t.Fatal("input.txt written for nil stdin")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, fs := newTestManager(t)
	ws, _ := m.Create("job-3")
	_, _ = ws.Materialize([]models.SubmittedFile{{Name: "a.c", Content: "x"}}, nil)

	ws.Destroy()
	ws.Destroy()

	if exists, _ := afero.DirExists(fs, ws.Dir); exists {
		t.Fatal("workspace still present")
	}
}

func TestDestroyAsyncRunsThenAfterRemoval(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger := zerolog.Nop()
	m := NewManager(fs, "/sandbox", 10*time.Millisecond, &logger)
	ws, _ := m.Create("job-4")

	done := make(chan bool, 1)
	ws.DestroyAsync(func() {
		exists, _ := afero.DirExists(fs, ws.Dir)
		done <- exists
	})

	select {
	case stillThere := <-done:
		if stillThere {
			t.Fatal("then ran before the workspace was removed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("then was never called")
	}
}

func TestSweepRemovesOnlyStaleDirectories(t *testing.T) {
	m, fs := newTestManager(t)
	old, _ := m.Create("old")
	fresh, _ := m.Create("fresh")

	past := time.Now().Add(-time.Hour)
	if err := fs.Chtimes(old.Dir, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	n, err := m.Sweep(30 * time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if exists, _ := afero.DirExists(fs, old.Dir); exists {
		t.Fatal("stale workspace kept")
	}
	if exists, _ := afero.DirExists(fs, fresh.Dir); !exists {
		t.Fatal("fresh workspace removed")
	}
}

func TestSweepMissingBaseDir(t *testing.T) {
	m, _ := newTestManager(t)
	if n, err := m.Sweep(time.Minute); n != 0 || err != nil {
		t.Fatalf("Sweep on missing base = %d, %v", n, err)
	}
}
