package plan

import (
	"strings"
	"testing"
)

func TestParseAndRender(t *testing.T) {
	text := `Here is my plan:

- [ ] open the file manager
- [x] take an initial screenshot
- [ ] rename the files

Some trailing prose.`

	s := Parse(text)
	items := s.Items()
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Done || !items[1].Done || items[2].Done {
		t.Fatalf("done flags wrong: %+v", items)
	}

	rendered := s.Render()
	if !strings.Contains(rendered, "- [ ] open the file manager") ||
		!strings.Contains(rendered, "- [x] take an initial screenshot") {
		t.Fatalf("render:\n%s", rendered)
	}
}

func TestParseIgnoresNonChecklistLines(t *testing.T) {
	s := Parse("just prose\n* bullet\n1. numbered")
	if !s.Empty() {
		t.Fatalf("items = %+v, want none", s.Items())
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := New()
	if err := s.Add("verify the result"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("Verify The Result"); err == nil {
		t.Fatal("duplicate add must fail")
	}
	if err := s.Add("  "); err == nil {
		t.Fatal("blank add must fail")
	}
}

func TestCompleteMatching(t *testing.T) {
	s := Parse("- [ ] open the browser\n- [ ] open the terminal\n- [ ] save the report")

	// Exact match.
	if err := s.Complete("save the report"); err != nil {
		t.Fatalf("exact complete: %v", err)
	}
	// Unique substring.
	if err := s.Complete("terminal"); err != nil {
		t.Fatalf("substring complete: %v", err)
	}
	// Ambiguous substring.
	if err := s.Complete("open the"); err == nil {
		t.Fatal("ambiguous complete must fail")
	}
	// No match.
	if err := s.Complete("reboot"); err == nil {
		t.Fatal("unmatched complete must fail")
	}

	done, total := s.Progress()
	if done != 2 || total != 3 {
		t.Fatalf("progress = %d/%d, want 2/3", done, total)
	}
}

func TestAllDone(t *testing.T) {
	s := New()
	if s.AllDone() {
		t.Fatal("empty plan must not be done")
	}
	_ = s.Add("only step")
	if s.AllDone() {
		t.Fatal("unfinished plan must not be done")
	}
	_ = s.Complete("only step")
	if !s.AllDone() {
		t.Fatal("finished plan must be done")
	}
}

func TestDeviationsRendered(t *testing.T) {
	s := Parse("- [ ] install the package")
	s.RecordDeviation("used a tarball instead", "package manager was locked")
	s.RecordDeviation("skipped the cleanup step", "")
	s.RecordDeviation("", "reasoning without a description is dropped")

	devs := s.Deviations()
	if len(devs) != 2 {
		t.Fatalf("deviations = %v", devs)
	}
	if devs[0].Description != "used a tarball instead" || devs[0].Reasoning != "package manager was locked" {
		t.Fatalf("first deviation = %+v", devs[0])
	}
	rendered := s.Render()
	if !strings.Contains(rendered, "Deviations:") ||
		!strings.Contains(rendered, "used a tarball instead (reason: package manager was locked)") ||
		!strings.Contains(rendered, "- skipped the cleanup step\n") {
		t.Fatalf("render:\n%s", rendered)
	}
}
