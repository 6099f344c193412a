package history

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSessionStoreOnly(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSession(dir, Target{Enabled: true}, Target{}, "FEASDIR")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if s.HotStart() {
		t.Error("no hot start was requested")
	}
	if !s.Recording() {
		t.Fatal("expected recording session")
	}
	s.Writer.WriteScalar(IdentObj, 1)
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !Exists(filepath.Join(dir, "FEASDIR")) {
		t.Error("history not written under default name")
	}
}

func TestSessionMissingHotStartIsCold(t *testing.T) {
	s, err := OpenSession(t.TempDir(), Target{}, Target{Enabled: true, Name: "missing"}, "FEASDIR")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if s.HotStart() {
		t.Error("missing history must not enable hot start")
	}
}

func TestSessionSameFileSwapsOnCommit(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "hist")
	writeRun(t, name, 2)

	target := Target{Enabled: true, Name: "hist"}
	s, err := OpenSession(dir, target, target, "FEASDIR")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if !s.HotStart() || !s.Recording() {
		t.Fatal("expected hot start and recording")
	}
	if s.Writer.Name() != name+"_tmp" {
		t.Errorf("writer should record to temp name, got %s", s.Writer.Name())
	}

	vals, end, err := s.Reader.Read(IdentObj)
	if err != nil || end {
		t.Fatalf("Read failed: end=%v err=%v", end, err)
	}
	s.Writer.WriteVector(IdentObj, vals[IdentObj].Data)
	s.Writer.WriteVector(IdentObj, []float64{42})

	if err := s.EndHotStart(); err != nil {
		t.Fatalf("EndHotStart failed: %v", err)
	}
	if s.HotStart() {
		t.Error("hot start should be over")
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tmpCue, _ := Files(name + "_tmp")
	if _, err := os.Stat(tmpCue); !os.IsNotExist(err) {
		t.Error("temp history should be renamed away")
	}

	r, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if got := r.Count()[IdentObj]; got != 2 {
		t.Errorf("replaced history has %d obj records, want 2", got)
	}
	if got := r.Count()[IdentSeed]; got != 0 {
		t.Errorf("original history should be gone, found %d seed records", got)
	}
}

func TestSessionAbortKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "hist")
	writeRun(t, name, 3)

	target := Target{Enabled: true, Name: "hist"}
	s, err := OpenSession(dir, target, target, "FEASDIR")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	s.Writer.WriteScalar(IdentObj, 7)
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	if Exists(name + "_tmp") {
		t.Error("temp history should be removed on abort")
	}
	r, err := Open(name)
	if err != nil {
		t.Fatalf("original history lost: %v", err)
	}
	defer r.Close()
	if got := r.Count()[IdentObj]; got != 3 {
		t.Errorf("original history changed: %d obj records", got)
	}
}

func TestNilSession(t *testing.T) {
	var s *Session
	if s.HotStart() || s.Recording() {
		t.Error("nil session reports activity")
	}
	if err := s.Commit(); err != nil {
		t.Error(err)
	}
	if err := s.Abort(); err != nil {
		t.Error(err)
	}
	if err := s.EndHotStart(); err != nil {
		t.Error(err)
	}
	if err := s.Flush(); err != nil {
		t.Error(err)
	}
}
