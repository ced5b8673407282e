package message

import (
	"sync"
	"testing"
)

func TestSessionAppendAssignsMonotonicIDs(t *testing.T) {
	s := NewSession("")
	if s.ID() == "" {
		t.Fatal("expected generated session id")
	}
	a := s.Append(NewText(RoleUser, "one"))
	b := s.Append(NewText(RoleAssistant, "two"))
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids = %d, %d", a.ID, b.ID)
	}

	s.Reset(NewText(RoleUser, "summary"))
	if s.Len() != 1 {
		t.Fatalf("len after reset = %d", s.Len())
	}
	last, _ := s.Last()
	if last.ID != 3 {
		t.Fatalf("reset should keep ids increasing, got %d", last.ID)
	}
	if last.Text() != "summary" {
		t.Fatalf("text = %q", last.Text())
	}
}

func TestSessionSnapshotIsolation(t *testing.T) {
	s := NewSession("fixed")
	call := ToolCall{ID: "c1", Name: "grep", Arguments: map[string]any{"pattern": "x", "opts": map[string]any{"n": 1}}}
	msg := NewAssistant("", "", []ToolCall{call})
	s.Append(msg)

	call.Arguments["pattern"] = "mutated"
	snap := s.Snapshot()
	snap[0].Blocks[0].ToolCall.Arguments["opts"].(map[string]any)["n"] = 9

	again := s.Snapshot()
	got := again[0].ToolCalls()[0]
	if got.Arguments["pattern"] != "x" {
		t.Fatalf("pattern mutated: %v", got.Arguments["pattern"])
	}
	if got.Arguments["opts"].(map[string]any)["n"] != 1 {
		t.Fatalf("nested args mutated: %v", got.Arguments["opts"])
	}
}

func TestSessionTokenEstimateTracksResets(t *testing.T) {
	s := NewSession("")
	s.Append(NewText(RoleUser, "0123456789012345678901234567890123456789"))
	if s.TokenEstimate() < 10 {
		t.Fatalf("estimate = %d", s.TokenEstimate())
	}
	s.Reset()
	if s.TokenEstimate() != 0 {
		t.Fatalf("estimate after reset = %d", s.TokenEstimate())
	}
}

func TestSessionConcurrentReaders(t *testing.T) {
	s := NewSession("")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.Append(NewText(RoleUser, "msg"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.Snapshot()
			_ = s.TokenEstimate()
		}
	}()
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("len = %d", s.Len())
	}
}

func TestFillMissingResults(t *testing.T) {
	calls := []ToolCall{{ID: "a", Name: "read_file"}, {ID: "b", Name: "grep"}}
	tests := []struct {
		name string
		in   []Message
		want int
	}{
		{
			name: "no tool message",
			in:   []Message{NewText(RoleUser, "hi"), NewAssistant("", "", calls)},
			want: 2,
		},
		{
			name: "partial tool message",
			in: []Message{
				NewAssistant("", "", calls),
				NewToolResults([]ToolResult{{CallID: "a", Name: "read_file", Content: "ok"}}),
				NewText(RoleUser, "next"),
			},
			want: 2,
		},
		{
			name: "complete",
			in: []Message{
				NewAssistant("", "", calls),
				NewToolResults([]ToolResult{{CallID: "a", Content: "ok"}, {CallID: "b", Content: "ok"}}),
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FillMissingResults(tt.in)
			for i, m := range out {
				if m.Role != RoleAssistant || len(m.ToolCalls()) == 0 {
					continue
				}
				if i+1 >= len(out) || out[i+1].Role != RoleTool {
					t.Fatalf("assistant at %d not followed by tool message", i)
				}
				if got := len(out[i+1].ToolResults()); got != tt.want {
					t.Fatalf("results = %d, want %d", got, tt.want)
				}
			}
		})
	}
}
