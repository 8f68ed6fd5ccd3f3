package progress

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

// TestCLIProgress_Counts verifies concurrent adds reach the total.
func TestCLIProgress_Counts(t *testing.T) {
	var out bytes.Buffer
	p := NewCLIProgress(&out)
	p.Start(3, "Sending requests")

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Add(1)
		}()
	}
	wg.Wait()
	p.Finish()

	if got := out.String(); !strings.Contains(got, "3/3") || !strings.Contains(got, "Sending requests") {
		t.Errorf("unexpected progress output %q", got)
	}
}

// TestCLIProgress_BeforeStart verifies calls before Start are ignored.
func TestCLIProgress_BeforeStart(t *testing.T) {
	var out bytes.Buffer
	p := NewCLIProgress(&out)
	p.Add(1)
	p.Finish()
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}

	p.Error(errors.New("boom"))
	if !strings.Contains(out.String(), "Error: boom") {
		t.Errorf("unexpected error output %q", out.String())
	}
}

// TestNoOpProgress verifies the no-op reporter satisfies Reporter.
func TestNoOpProgress(t *testing.T) {
	var r Reporter = NewNoOpProgress()
	r.Start(1, "x")
	r.Add(1)
	r.Finish()
	r.Error(nil)
}
