// Package plan tracks the checklist a task is executed against: the
// items proposed up front, their completion, and any deviations taken
// along the way.
package plan

import (
	"fmt"
	"strings"
	"sync"
)

// Item is one checklist entry.
type Item struct {
	Text string
	Done bool
}

// Deviation records a departure from the plan and the reason for it.
type Deviation struct {
	Description string
	Reasoning   string
}

// State is a mutable plan checklist. All methods are safe for
// concurrent use; the agent loop and the gateway both read it.
type State struct {
	mu         sync.Mutex
	items      []Item
	deviations []Deviation
}

// New returns an empty plan.
func New() *State {
	return &State{}
}

// Parse builds a plan from markdown checklist text. Lines that are not
// checklist entries are ignored, so the model may decorate its plan
// with headings or prose.
func Parse(text string) *State {
	s := New()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- [ ] "):
			s.items = append(s.items, Item{Text: strings.TrimSpace(line[6:])})
		case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
			s.items = append(s.items, Item{Text: strings.TrimSpace(line[6:]), Done: true})
		}
	}
	return s
}

// Render writes the plan back out as a markdown checklist, with any
// deviations appended as a notes section.
func (s *State) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, item := range s.items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, item.Text)
	}
	if len(s.deviations) > 0 {
		b.WriteString("\nDeviations:\n")
		for _, d := range s.deviations {
			if d.Reasoning != "" {
				fmt.Fprintf(&b, "- %s (reason: %s)\n", d.Description, d.Reasoning)
			} else {
				fmt.Fprintf(&b, "- %s\n", d.Description)
			}
		}
	}
	return b.String()
}

// Add appends a new unfinished item. Duplicate text is rejected so the
// model cannot pad the checklist with repeats.
func (s *State) Add(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty plan item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if strings.EqualFold(item.Text, text) {
			return fmt.Errorf("plan item already exists: %q", text)
		}
	}
	s.items = append(s.items, Item{Text: text})
	return nil
}

// Complete marks an item done. The item is matched by case-insensitive
// exact text first, then by unique substring.
func (s *State) Complete(text string) error {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.items {
		if strings.EqualFold(item.Text, text) {
			s.items[i].Done = true
			return nil
		}
	}

	match := -1
	lower := strings.ToLower(text)
	for i, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), lower) {
			if match >= 0 {
				return fmt.Errorf("plan item %q is ambiguous", text)
			}
			match = i
		}
	}
	if match < 0 {
		return fmt.Errorf("no plan item matches %q", text)
	}
	s.items[match].Done = true
	return nil
}

// Replace swaps the checklist for a new set of items. Recorded
// deviations are kept.
func (s *State) Replace(items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]Item(nil), items...)
}

// RecordDeviation notes a departure from the original plan without
// altering the checklist itself. description says what was done
// differently; reasoning says why, and may be empty.
func (s *State) RecordDeviation(description, reasoning string) {
	description = strings.TrimSpace(description)
	if description == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviations = append(s.deviations, Deviation{
		Description: description,
		Reasoning:   strings.TrimSpace(reasoning),
	})
}

// Items returns a copy of the checklist.
func (s *State) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Deviations returns a copy of the recorded deviations.
func (s *State) Deviations() []Deviation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Deviation, len(s.deviations))
	copy(out, s.deviations)
	return out
}

// Progress returns the number of completed items and the total.
func (s *State) Progress() (done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Done {
			done++
		}
	}
	return done, len(s.items)
}

// Empty reports whether the plan has no items.
func (s *State) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0
}

// AllDone reports whether every item is complete. An empty plan is not
// done; it was never planned.
func (s *State) AllDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return false
	}
	for _, item := range s.items {
		if !item.Done {
			return false
		}
	}
	return true
}
