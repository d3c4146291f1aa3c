package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat-go/internal/rag"
	"github.com/54b3r/ragchat-go/internal/store"
)

// fakeRetriever returns fixed chunks, all ranked with score 1.
type fakeRetriever struct {
	chunks []rag.Chunk
}

func (r *fakeRetriever) Candidates(context.Context, string) ([]rag.Chunk, error) {
	return r.chunks, nil
}

func (r *fakeRetriever) Rank(_ context.Context, candidates []rag.Chunk, _, _ string) ([]rag.Scored, error) {
	out := make([]rag.Scored, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, rag.Scored{Chunk: c, Score: 1})
	}
	return out, nil
}

// scriptedCompleter answers each call with the next canned stream and
// records the prompts it was sent.
type scriptedCompleter struct {
	mu      sync.Mutex
	streams []io.Reader
	err     error
	prompts [][]*schema.Message
}

func (c *scriptedCompleter) Stream(_ context.Context, msgs []*schema.Message, _ string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, msgs)
	if c.err != nil {
		return nil, c.err
	}
	r := c.streams[0]
	c.streams = c.streams[1:]
	return io.NopCloser(r), nil
}

func deltas(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(`data: {"choices":[{"delta":{"content":"` + p + `"}}]}` + "\n\n")
	}
	return b.String()
}

const usageFrame = "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":50,\"completion_tokens\":5}}\n\n"

type orchestratorFixture struct {
	store *store.SQLiteStore
	coll  *store.Collection
	comp  *scriptedCompleter
	orch  *Orchestrator
}

func newOrchestratorFixture(t *testing.T, chunks []rag.Chunk, streams ...string) *orchestratorFixture {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	coll, err := s.CreateCollection(context.Background(), "acct", "handbook")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	comp := &scriptedCompleter{}
	for _, st := range streams {
		comp.streams = append(comp.streams, strings.NewReader(st))
	}
	orch, err := New(Config{Store: s, Retriever: &fakeRetriever{chunks: chunks}, Completer: comp})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &orchestratorFixture{store: s, coll: coll, comp: comp, orch: orch}
}

func (f *orchestratorFixture) turn(t *testing.T, convID, question string) (*Turn, Result, string) {
	t.Helper()
	turn, err := f.orch.Prepare(context.Background(), Request{
		OwnerID:        "acct",
		CollectionID:   f.coll.ID,
		ConversationID: convID,
		Message:        question,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	var out bytes.Buffer
	res, err := turn.Stream(&out)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return turn, res, out.String()
}

var handbookChunks = []rag.Chunk{
	{ID: "c1", DocumentID: "d1", DocumentName: "handbook.pdf", Content: "Vacation is 25 days.", Embedding: []float32{1, 0}},
}

func Test_Orchestrator_NoChunksHasNoSideEffects(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, nil)

	_, err := f.orch.Prepare(context.Background(), Request{OwnerID: "acct", CollectionID: f.coll.ID, Message: "hello?"})
	if !errors.Is(err, ErrNoChunks) {
		t.Fatalf("err = %v, want ErrNoChunks", err)
	}
	n, err := f.store.CountConversations(context.Background(), f.coll.ID)
	if err != nil || n != 0 {
		t.Errorf("conversations = %d, %v; want none", n, err)
	}
	usage, _ := f.store.ListUsage(context.Background(), "acct")
	if len(usage) != 0 {
		t.Errorf("usage records = %d, want none", len(usage))
	}
	if len(f.comp.prompts) != 0 {
		t.Errorf("provider was called")
	}
}

func Test_Orchestrator_Validation(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, handbookChunks)
	other, err := f.store.CreateCollection(context.Background(), "someone-else", "private")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "blank message", req: Request{OwnerID: "acct", CollectionID: f.coll.ID, Message: "   "}, want: ErrEmptyMessage},
		{name: "missing collection", req: Request{OwnerID: "acct", Message: "hi"}, want: ErrMissingCollection},
		{name: "foreign collection", req: Request{OwnerID: "acct", CollectionID: other.ID, Message: "hi"}, want: store.ErrNotFound},
		{name: "unknown conversation", req: Request{OwnerID: "acct", CollectionID: f.coll.ID, ConversationID: "nope", Message: "hi"}, want: store.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := f.orch.Prepare(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func Test_Orchestrator_MultiTurnHistory(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, handbookChunks,
		deltas("25 ", "days.")+usageFrame+"data: [DONE]\n\n",
		deltas("Yes.")+"data: [DONE]\n\n",
	)

	first, res, out := f.turn(t, "", "How much vacation do I get?")
	if !res.Persisted || res.Answer != "25 days." || res.End != EndDone {
		t.Fatalf("first turn = %+v", res)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") || !strings.Contains(out, `"content":"25 "`) {
		t.Errorf("client did not receive the provider frames: %q", out)
	}
	if res.Usage.InputTokens != 50 || res.Usage.OutputTokens != 5 || res.Usage.Estimated {
		t.Errorf("first usage = %+v, want provider counts", res.Usage)
	}
	convID := first.Conversation.ID
	if first.Conversation.Title != "How much vacation do I get?" {
		t.Errorf("title = %q", first.Conversation.Title)
	}

	_, res, _ = f.turn(t, convID, "Is that per year?")
	if !res.Persisted {
		t.Fatalf("second turn not persisted: %+v", res)
	}
	if !res.Usage.Estimated || res.Usage.InputTokens == 0 || res.Usage.OutputTokens == 0 {
		t.Errorf("second usage = %+v, want estimates", res.Usage)
	}

	prompt := f.comp.prompts[1]
	var roles, contents []string
	for _, m := range prompt {
		roles = append(roles, string(m.Role))
		contents = append(contents, m.Content)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if strings.Join(roles, ",") != strings.Join(wantRoles, ",") {
		t.Fatalf("prompt roles = %v, want %v", roles, wantRoles)
	}
	if contents[1] != "How much vacation do I get?" || contents[2] != "25 days." || contents[3] != "Is that per year?" {
		t.Errorf("prompt contents = %q", contents[1:])
	}
	if !strings.Contains(contents[0], "[Source: handbook.pdf]\nVacation is 25 days.") {
		t.Errorf("system prompt lacks context: %q", contents[0])
	}

	conv, err := f.store.GetConversation(context.Background(), "acct", f.coll.ID, convID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", conv.MessageCount)
	}
	msgs, _ := f.store.ListMessages(context.Background(), convID)
	if len(msgs) != 4 {
		t.Errorf("messages = %d, want 4", len(msgs))
	}
	usage, _ := f.store.ListUsage(context.Background(), "acct")
	if len(usage) != 2 {
		t.Errorf("usage records = %d, want 2", len(usage))
	}
}

func Test_Orchestrator_InterruptedStreamIsDiscarded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stream  string
		wantEnd End
	}{
		{name: "provider error", stream: deltas("half an ") + "data: {\"error\":{\"message\":\"overloaded\"}}\n\n", wantEnd: EndProviderError},
		{name: "empty answer", stream: "data: [DONE]\n\n", wantEnd: EndDone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newOrchestratorFixture(t, handbookChunks, tc.stream)
			turn, err := f.orch.Prepare(context.Background(), Request{OwnerID: "acct", CollectionID: f.coll.ID, Message: "question"})
			if err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			res, _ := turn.Stream(io.Discard)
			if res.End != tc.wantEnd || res.Persisted {
				t.Fatalf("result = %+v", res)
			}

			msgs, _ := f.store.ListMessages(context.Background(), turn.Conversation.ID)
			if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
				t.Errorf("messages = %+v, want only the user turn", msgs)
			}
			conv, _ := f.store.GetConversation(context.Background(), "acct", "", turn.Conversation.ID)
			if conv.MessageCount != 0 {
				t.Errorf("MessageCount = %d, want 0", conv.MessageCount)
			}
			usage, _ := f.store.ListUsage(context.Background(), "acct")
			if len(usage) != 0 {
				t.Errorf("usage records = %d, want none", len(usage))
			}
		})
	}
}

func Test_Orchestrator_ProviderRejectsBeforeStream(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, handbookChunks)
	f.comp.err = rag.NewUpstreamError("openai-chat", 429, []byte(`{"error":"rate limited"}`))

	_, err := f.orch.Prepare(context.Background(), Request{OwnerID: "acct", CollectionID: f.coll.ID, Message: "question"})
	ue, ok := rag.AsUpstream(err)
	if !ok || ue.HTTPStatus() != 429 {
		t.Fatalf("err = %v, want upstream 429", err)
	}
}

func Test_Title(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("word ", 30)
	got := title(long)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) > titleRunes+1 {
		t.Errorf("title(%q) = %q", long, got)
	}
	if title("short") != "short" {
		t.Errorf("short title changed")
	}
}
