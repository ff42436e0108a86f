package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/matthewjhunter/kleinwatch"
)

var testImpl = &mcp.Implementation{Name: "kleinwatch-test", Version: "0.1.0"}

type fakeBackend struct {
	intervals map[int64]int
	checked   []int64
}

func (b *fakeBackend) Status(chatID int64) (*kleinwatch.Status, error) {
	if chatID != 1 {
		return nil, fmt.Errorf("%w: %d", kleinwatch.ErrUnknownSubscriber, chatID)
	}
	return &kleinwatch.Status{
		Subscriber:   kleinwatch.Subscriber{ChatID: 1, Username: "anna"},
		Subscribed:   true,
		SeenListings: 4,
		Interval:     5 * time.Minute,
	}, nil
}

func (b *fakeBackend) Subscribers() ([]kleinwatch.Subscriber, error) {
	return []kleinwatch.Subscriber{{ChatID: 1}, {ChatID: 2}}, nil
}

func (b *fakeBackend) RunCheckForUser(_ context.Context, chatID int64) (*kleinwatch.CheckResult, error) {
	b.checked = append(b.checked, chatID)
	return &kleinwatch.CheckResult{ChatID: chatID, Total: 8, New: 2, Sent: 2}, nil
}

func (b *fakeBackend) SetInterval(chatID int64, minutes int) error {
	if minutes < 5 {
		return kleinwatch.ErrIntervalTooShort
	}
	b.intervals[chatID] = minutes
	return nil
}

func session(t *testing.T, b Backend) *mcp.ClientSession {
	t.Helper()
	srv := NewServer(b, "test")

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	s, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func call(t *testing.T, s *mcp.ClientSession, name string, args any) (*mcp.CallToolResult, string) {
	t.Helper()
	result, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return result, tc.Text
}

func TestListTools(t *testing.T) {
	s := session(t, &fakeBackend{})
	res, err := s.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{"subscriber_status", "list_subscribers", "check_subscriber", "set_interval"} {
		if !got[name] {
			t.Errorf("missing tool %q", name)
		}
	}
}

func TestSubscriberStatus(t *testing.T) {
	s := session(t, &fakeBackend{})
	res, text := call(t, s, "subscriber_status", map[string]any{"chat_id": 1})
	if err := res.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}

	var st kleinwatch.Status
	if err := json.Unmarshal([]byte(text), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Subscriber.Username != "anna" || st.SeenListings != 4 || !st.Subscribed {
		t.Errorf("status = %+v", st)
	}
}

func TestSubscriberStatusUnknown(t *testing.T) {
	s := session(t, &fakeBackend{})
	res, _ := call(t, s, "subscriber_status", map[string]any{"chat_id": 9})
	if !res.IsError {
		t.Fatal("expected tool error for unknown subscriber")
	}
}

func TestSubscriberStatusRequiresChatID(t *testing.T) {
	s := session(t, &fakeBackend{})
	res, text := call(t, s, "subscriber_status", map[string]any{})
	if !res.IsError {
		t.Fatalf("expected tool error, got %s", text)
	}
}

func TestListSubscribers(t *testing.T) {
	s := session(t, &fakeBackend{})
	_, text := call(t, s, "list_subscribers", map[string]any{})

	var subs []kleinwatch.Subscriber
	if err := json.Unmarshal([]byte(text), &subs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("got %d subscribers, want 2", len(subs))
	}
}

func TestCheckSubscriber(t *testing.T) {
	b := &fakeBackend{}
	s := session(t, b)
	_, text := call(t, s, "check_subscriber", map[string]any{"chat_id": 3})

	var r kleinwatch.CheckResult
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Sent != 2 || r.Total != 8 {
		t.Errorf("result = %+v", r)
	}
	if len(b.checked) != 1 || b.checked[0] != 3 {
		t.Errorf("checked = %v", b.checked)
	}
}

func TestSetInterval(t *testing.T) {
	b := &fakeBackend{intervals: map[int64]int{}}
	s := session(t, b)

	res, _ := call(t, s, "set_interval", map[string]any{"chat_id": 1, "minutes": 2})
	if !res.IsError {
		t.Error("expected error for interval below base")
	}

	res, _ = call(t, s, "set_interval", map[string]any{"chat_id": 1, "minutes": 0})
	if !res.IsError {
		t.Error("expected error for zero minutes")
	}

	res, _ = call(t, s, "set_interval", map[string]any{"chat_id": 1, "minutes": 30})
	if err := res.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	if b.intervals[1] != 30 {
		t.Errorf("interval = %d, want 30", b.intervals[1])
	}
}
