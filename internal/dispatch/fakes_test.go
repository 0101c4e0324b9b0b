package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/internal/repository/memory"
	"github.com/jwalitptl/bulk-mail/internal/template"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

// fakeTransport records sends, fails for listed addresses and can block until released.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []mailer.Message
	failFor map[string]bool

	block   chan struct{}
	started chan struct{}

	active    int32
	maxActive int32
	calls     int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[string]bool)}
}

func (t *fakeTransport) blocking() *fakeTransport {
	t.block = make(chan struct{})
	t.started = make(chan struct{}, 1024)
	return t
}

func (t *fakeTransport) Send(ctx context.Context, msg mailer.Message) (mailer.SendResult, error) {
	atomic.AddInt32(&t.calls, 1)
	n := atomic.AddInt32(&t.active, 1)
	defer atomic.AddInt32(&t.active, -1)
	for {
		cur := atomic.LoadInt32(&t.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&t.maxActive, cur, n) {
			break
		}
	}

	if t.block != nil {
		t.started <- struct{}{}
		<-t.block
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFor[msg.To] {
		return mailer.SendResult{}, errors.New("550 mailbox unavailable")
	}
	t.sent = append(t.sent, msg)
	return mailer.SendResult{MessageID: "msg-" + msg.To}, nil
}

func (t *fakeTransport) sentTo() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = m.To
	}
	return out
}

// failingEvents makes Create fail while armed.
type failingEvents struct {
	repository.MailEventRepository
	fail atomic.Bool
}

func (f *failingEvents) Create(ctx context.Context, e *model.MailEvent) error {
	if f.fail.Load() {
		return errors.New("connection reset by peer")
	}
	return f.MailEventRepository.Create(ctx, e)
}

// failingKV rejects writes of batch keys while armed, like a store that drops
// connections mid-partition.
type failingKV struct {
	kvstore.Store
	fail atomic.Bool
}

func (f *failingKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.fail.Load() && strings.Contains(key, ":batch:") {
		return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func withKV(kv kvstore.Store) harnessOption {
	return func(_ *Config, d *Deps) { d.KV = kv }
}

type staticLinks struct{}

func (staticLinks) UnsubscribeURL(recipientID, campaignID uuid.UUID) (string, error) {
	return "https://u/" + recipientID.String(), nil
}

type harness struct {
	t         *testing.T
	store     *memory.Store
	kv        *kvstore.MemoryStore
	events    *failingEvents
	transport *fakeTransport
	metrics   *metrics.Metrics
	engine    *Engine
	tpl       *model.Template
	clock     time.Time
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     memory.NewStore(),
		kv:        kvstore.NewMemoryStore(time.Minute),
		transport: newFakeTransport(),
		metrics:   metrics.New("test"),
		clock:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.events = &failingEvents{MailEventRepository: h.store.MailEvents()}
	h.engine = h.build(opts...)

	h.tpl = &model.Template{Name: "news", HTML: "<p>Hi {{name}}</p><a href=\"{{unsubscribeUrl}}\">unsubscribe</a>"}
	require.NoError(t, h.store.Templates().Create(context.Background(), h.tpl))
	return h
}

// build creates another engine over the same stores, like a second process instance.
func (h *harness) build(opts ...harnessOption) *Engine {
	cfg := Config{
		PollInterval: 20 * time.Millisecond,
		InstanceID:   "test-" + uuid.NewString()[:4],
		DefaultSender: Sender{
			Email: "news@example.com",
			Name:  "News",
		},
	}
	deps := Deps{
		Campaigns:  h.store.Campaigns(),
		Recipients: h.store.Recipients(),
		Events:     h.events,
		KV:         h.kv,
		Transport:  h.transport,
		Renderer:   template.NewRenderer(h.store.Templates(), time.Minute),
		Links:      staticLinks{},
		Logger:     logger.Nop(),
		Metrics:    h.metrics,
		Now:        func() time.Time { return h.clock },
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	return NewEngine(cfg, deps)
}

func withBatchSize(n int) harnessOption {
	return func(c *Config, _ *Deps) { c.BatchSize = n }
}

func withChunkSize(n int) harnessOption {
	return func(c *Config, _ *Deps) { c.ChunkSize = n }
}

func withCampaignsPerTick(n int) harnessOption {
	return func(c *Config, _ *Deps) { c.CampaignsPerTick = n }
}

func (h *harness) recipients(n int, status model.RecipientStatus) []*model.Recipient {
	h.t.Helper()
	out := make([]*model.Recipient, n)
	for i := range out {
		r := &model.Recipient{
			Email:        fmt.Sprintf("%s@example.com", uuid.NewString()[:12]),
			Name:         fmt.Sprintf("R%d", i),
			Status:       status,
			CustomFields: model.CustomFields{"plan": "pro"},
		}
		require.NoError(h.t, h.store.Recipients().Create(context.Background(), r))
		out[i] = r
	}
	return out
}

func ids(rs []*model.Recipient) []uuid.UUID {
	out := make([]uuid.UUID, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func (h *harness) campaign(status model.CampaignStatus, rs []*model.Recipient) *model.Campaign {
	h.t.Helper()
	c := &model.Campaign{
		UserID:     uuid.New(),
		Name:       "spring",
		Subject:    "Hello {{name}}",
		TemplateID: h.tpl.ID,
		Status:     status,
	}
	require.NoError(h.t, h.store.Campaigns().Create(context.Background(), c, ids(rs), nil))
	return c
}

func (h *harness) status(id uuid.UUID) model.CampaignStatus {
	h.t.Helper()
	c, err := h.store.Campaigns().Get(context.Background(), id)
	require.NoError(h.t, err)
	return c.Status
}

func (h *harness) batchKeys(id uuid.UUID) []string {
	h.t.Helper()
	keys, err := h.engine.Queue.Pending(context.Background(), id)
	require.NoError(h.t, err)
	return keys
}

func (h *harness) batch(key string) *BatchPayload {
	h.t.Helper()
	p, err := h.engine.Queue.Load(context.Background(), key)
	require.NoError(h.t, err)
	return p
}

func (h *harness) eventTypes(id uuid.UUID) map[model.MailEventType]int {
	out := make(map[model.MailEventType]int)
	for _, e := range h.store.Events(id) {
		out[e.Type]++
	}
	return out
}

func (h *harness) send(c *model.Campaign) *model.Campaign {
	h.t.Helper()
	updated, err := h.engine.TransitionStatus(context.Background(), c.ID, model.CampaignStatusSending, nil)
	require.NoError(h.t, err)
	return updated
}

func hasKey(keys []string, suffix string) bool {
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}
