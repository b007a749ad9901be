package ciresult

import (
	"testing"

	"github.com/pop-os/pop-ci/internal/catalog"
)

func TestInsertPackageDuplicatePanics(t *testing.T) {
	c := New()
	focal, _ := catalog.SuiteByCodename("focal")
	c.InsertPackage("master", focal, "alpha", "c0ffee1", NewPackage())

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("InsertPackage duplicate did not panic")
		}
	}()
	c.InsertPackage("master", focal, "alpha", "c0ffee1", NewPackage())
}

func TestReposForPocketSuiteIsolatesCaller(t *testing.T) {
	c := New()
	focal, _ := catalog.SuiteByCodename("focal")
	c.InsertPackage("master", focal, "alpha", "c0ffee1", NewPackage())

	repos := c.ReposForPocketSuite("master", focal)
	repos["injected"] = CommitPackage{}

	again := c.ReposForPocketSuite("master", focal)
	if _, ok := again["injected"]; ok {
		t.Error("mutating a returned snapshot leaked into the Context")
	}
	if len(again) != 1 {
		t.Errorf("len(again) = %d, want 1", len(again))
	}
}

func TestLogsPreserveInsertionOrder(t *testing.T) {
	c := New()
	c.AddLog(LogEntry{Name: "a"})
	c.AddLog(LogEntry{Name: "b"})
	logs := c.Logs()
	if len(logs) != 2 || logs[0].Name != "a" || logs[1].Name != "b" {
		t.Errorf("Logs() = %v, want [a b]", logs)
	}
}
