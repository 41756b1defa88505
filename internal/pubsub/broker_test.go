package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recorder) handle(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, msg := range r.messages {
		out[i] = msg.Topic
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	return New(Options{MaxHistory: 5})
}

func TestSubscribeRejectsEmptyInput(t *testing.T) {
	broker := newTestBroker(t)
	rec := &recorder{}
	if broker.Subscribe("", []string{"alerts.cms"}, rec.handle, nil) {
		t.Fatalf("empty id should be rejected")
	}
	if broker.Subscribe("a", nil, rec.handle, nil) {
		t.Fatalf("empty topics should be rejected")
	}
	if broker.Subscribers() != 0 {
		t.Fatalf("no subscriber should be registered")
	}
}

func TestPublishExactTopic(t *testing.T) {
	broker := newTestBroker(t)
	cms, xss := &recorder{}, &recorder{}
	broker.Subscribe("cms", []string{"alerts.cms"}, cms.handle, nil)
	broker.Subscribe("xss", []string{"alerts.xss"}, xss.handle, nil)

	msg := broker.Publish(context.Background(), "alerts.cms", map[string]any{"title": "wp"})
	if len(msg.ID) != 16 {
		t.Fatalf("message id should be 16 hex chars, got %q", msg.ID)
	}
	if cms.count() != 1 || xss.count() != 0 {
		t.Fatalf("unexpected delivery counts cms=%d xss=%d", cms.count(), xss.count())
	}
}

func TestCatchAllReceivesEveryAlertTopic(t *testing.T) {
	broker := newTestBroker(t)
	all := &recorder{}
	broker.Subscribe("all", []string{AllTopic}, all.handle, nil)

	broker.Publish(context.Background(), "alerts.sqli", nil)
	broker.Publish(context.Background(), "alerts.brand_new", nil)
	broker.Publish(context.Background(), "metrics.cpu", nil)

	if got := all.topics(); len(got) != 2 || got[0] != "alerts.sqli" || got[1] != "alerts.brand_new" {
		t.Fatalf("alerts.all 应收到全部 alerts.* 消息, got %v", got)
	}
}

func TestWildcardSubscriptionDeliversOnce(t *testing.T) {
	broker := newTestBroker(t)
	rec := &recorder{}
	broker.Subscribe("wild", []string{"alerts.*", "alerts.cms"}, rec.handle, nil)

	broker.Publish(context.Background(), "alerts.cms", nil)
	if rec.count() != 1 {
		t.Fatalf("同一订阅者即使多条路径匹配也只应收到一次, got %d", rec.count())
	}

	if broker.SubscriberCount("alerts.rce") != 1 {
		t.Fatalf("wildcard should be expanded to catalog topics")
	}

	// 订阅之后才出现的主题不会计入展开集合，但仍通过通配祖先送达。
	broker.Publish(context.Background(), "alerts.lfi", nil)
	if broker.SubscriberCount("alerts.lfi") != 0 {
		t.Fatalf("expansion is captured at subscribe time")
	}
	if rec.count() != 2 {
		t.Fatalf("wildcard ancestor should still route alerts.lfi")
	}
}

func TestUnsubscribeWildcardRemovesExpansion(t *testing.T) {
	broker := newTestBroker(t)
	rec := &recorder{}
	broker.Subscribe("wild", []string{"alerts.*", "alerts.cms"}, rec.handle, nil)

	if !broker.Unsubscribe("wild", "alerts.*") {
		t.Fatalf("unsubscribe should succeed")
	}
	if broker.SubscriberCount("alerts.rce") != 0 || broker.SubscriberCount("alerts.*") != 0 {
		t.Fatalf("expanded index entries should be removed")
	}
	if broker.SubscriberCount("alerts.cms") != 1 {
		t.Fatalf("explicit topic must survive wildcard removal")
	}

	if !broker.Unsubscribe("wild") {
		t.Fatalf("unsubscribe all should succeed")
	}
	if broker.Subscribers() != 0 || broker.SubscriberCount("alerts.cms") != 0 {
		t.Fatalf("subscriber should be fully removed")
	}
	if broker.Unsubscribe("wild") {
		t.Fatalf("unknown subscriber should return false")
	}
}

func TestResubscribeReplacesPreviousRegistration(t *testing.T) {
	broker := newTestBroker(t)
	first, second := &recorder{}, &recorder{}
	broker.Subscribe("s", []string{"alerts.cms"}, first.handle, nil)
	broker.Subscribe("s", []string{"alerts.xss"}, second.handle, nil)

	if broker.SubscriberCount("alerts.cms") != 0 {
		t.Fatalf("old index entries should be dropped")
	}
	broker.Publish(context.Background(), "alerts.xss", nil)
	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("only the new handler should receive messages")
	}
}

func TestFiltersNarrowDelivery(t *testing.T) {
	broker := newTestBroker(t)
	rec := &recorder{}
	broker.Subscribe("f", []string{AllTopic}, rec.handle, Filters{
		"severity": []string{"critical", "high"},
		"platform": "php",
	})

	broker.Publish(context.Background(), "alerts.cms", map[string]any{"severity": "critical", "platform": "php"})
	broker.Publish(context.Background(), "alerts.cms", map[string]any{"severity": "low", "platform": "php"})
	broker.Publish(context.Background(), "alerts.cms", map[string]any{"severity": "high"})

	if rec.count() != 1 {
		t.Fatalf("only the first message matches the filters, got %d", rec.count())
	}
}

func TestFilterValueNormalisation(t *testing.T) {
	filters := Filters{"exploit_id": "5"}
	if !filters.Matches(map[string]any{"exploit_id": float64(5)}) {
		t.Fatalf("string filter should match decoded JSON number")
	}
	if (Filters{"tags": []any{"a"}}).Matches(map[string]any{"tags": []any{"b"}}) {
		t.Fatalf("slice payload should not match a set that lacks it")
	}
	if !(Filters{}).Matches(nil) {
		t.Fatalf("empty filters always match")
	}
	if !(Filters{"cvss": 9}).Matches(map[string]any{"cvss": float64(9)}) {
		t.Fatalf("numeric types should compare by value")
	}
	if (Filters{"verified": "true"}).Matches(map[string]any{"verified": true}) {
		t.Fatalf("string filter must not match a boolean payload")
	}
	if (Filters{"cve_id": "5"}).Matches(map[string]any{"cve_id": "5.0"}) {
		t.Fatalf("two strings compare exactly")
	}
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	broker := newTestBroker(t)
	ok := &recorder{}
	broker.Subscribe("a-bad", []string{"alerts.cms"}, func(context.Context, Message) error {
		return errors.New("boom")
	}, nil)
	broker.Subscribe("b-panic", []string{"alerts.cms"}, func(context.Context, Message) error {
		panic("handler exploded")
	}, nil)
	broker.Subscribe("c-ok", []string{"alerts.cms"}, ok.handle, nil)

	broker.Publish(context.Background(), "alerts.cms", nil)
	if ok.count() != 1 {
		t.Fatalf("healthy subscriber should still receive the message")
	}
}

func TestPerSubscriberOrderMatchesPublishOrder(t *testing.T) {
	broker := newTestBroker(t)
	rec := &recorder{}
	broker.Subscribe("ordered", []string{"alerts.*"}, rec.handle, nil)

	want := []string{"alerts.cms", "alerts.xss", "alerts.rce", "alerts.sqli"}
	for _, topic := range want {
		broker.Publish(context.Background(), topic, nil)
	}
	got := rec.topics()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestHistoryBoundsAndFilters(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	broker := New(Options{MaxHistory: 3, Now: func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}})

	for _, topic := range []string{"alerts.cms", "alerts.xss", "alerts.cms", "alerts.rce"} {
		broker.Publish(context.Background(), topic, nil)
	}

	all := broker.History("", time.Time{}, 0)
	if len(all) != 3 || all[0].Topic != "alerts.xss" || all[2].Topic != "alerts.rce" {
		t.Fatalf("history should keep the newest 3 in FIFO order, got %+v", all)
	}
	if got := broker.History(AllTopic, time.Time{}, 0); len(got) != 3 {
		t.Fatalf("alerts.all should match every topic, got %d", len(got))
	}
	if got := broker.History("alerts.cms", time.Time{}, 10); len(got) != 1 {
		t.Fatalf("topic filter mismatch: %d", len(got))
	}
	if got := broker.History("", all[1].Timestamp, 10); len(got) != 2 {
		t.Fatalf("since filter should be inclusive, got %d", len(got))
	}
	if got := broker.History("", time.Time{}, 1); len(got) != 1 || got[0].Topic != "alerts.rce" {
		t.Fatalf("limit keeps the newest messages, got %+v", got)
	}
}

func TestPublishRegistersUnknownTopic(t *testing.T) {
	broker := newTestBroker(t)
	if _, ok := broker.Topics()["alerts.lfi"]; ok {
		t.Fatalf("alerts.lfi should not be predefined")
	}
	broker.Publish(context.Background(), "alerts.lfi", nil)
	if _, ok := broker.Topics()["alerts.lfi"]; !ok {
		t.Fatalf("published topic should be registered")
	}
	if len(DefaultCatalog().Keys()) != 11 {
		t.Fatalf("default catalog should hold 11 topics")
	}
}

func TestMessageIDDeterministic(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newMessage("alerts.cms", map[string]any{"x": 1}, ts)
	b := newMessage("alerts.cms", map[string]any{"x": 1}, ts)
	c := newMessage("alerts.cms", map[string]any{"x": 2}, ts)
	if a.ID != b.ID || a.ID == c.ID {
		t.Fatalf("message id should be content addressed: %s %s %s", a.ID, b.ID, c.ID)
	}
}

func TestCatalogRegisterDuplicateFails(t *testing.T) {
	catalog := NewTopicCatalog()
	if err := catalog.Register(Topic{Name: "Alerts.CMS"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := catalog.Register(Topic{Name: "alerts.cms"}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if _, ok := catalog.Resolve("ALERTS.cms"); !ok {
		t.Fatalf("resolve should be case-insensitive")
	}
	if err := catalog.Register(Topic{Name: "alerts.*"}); err == nil {
		t.Fatalf("wildcard registration should fail")
	}
}

func TestMessagePayloadIsolatedFromCallerAndHandlers(t *testing.T) {
	broker := newTestBroker(t)
	broker.Subscribe("a-mutator", []string{"alerts.cms"}, func(_ context.Context, msg Message) error {
		msg.Payload["severity"] = "handler"
		msg.Payload["tags"].([]any)[0] = "changed"
		return nil
	}, nil)
	observer := &recorder{}
	broker.Subscribe("b-observer", []string{"alerts.cms"}, observer.handle, nil)

	payload := map[string]any{"severity": "critical", "tags": []any{"wp"}}
	msg := broker.Publish(context.Background(), "alerts.cms", payload)
	payload["severity"] = "low"

	if msg.Payload["severity"] != "critical" {
		t.Fatalf("returned message changed with the caller's map: %v", msg.Payload)
	}
	stored := broker.History("alerts.cms", time.Time{}, 1)[0]
	if stored.Payload["severity"] != "critical" || stored.Payload["tags"].([]any)[0] != "wp" {
		t.Fatalf("history must keep the published payload, got %v", stored.Payload)
	}
	if got := observer.messages[0].Payload; got["severity"] != "critical" || got["tags"].([]any)[0] != "wp" {
		t.Fatalf("a handler's writes must not reach other subscribers, got %v", got)
	}
	if msg.ID != newMessage("alerts.cms", map[string]any{"severity": "critical", "tags": []any{"wp"}}, stored.Timestamp).ID {
		t.Fatalf("message id should be computed over the copied payload")
	}
}

func TestRelayHandlerCanRepublishWithoutDeadlock(t *testing.T) {
	broker := newTestBroker(t)
	critical := &recorder{}
	broker.Subscribe("critical", []string{"alerts.critical"}, critical.handle, nil)

	relayed := 0
	broker.Subscribe("relay", []string{AllTopic}, func(ctx context.Context, msg Message) error {
		if msg.Topic == "alerts.cms" {
			relayed++
			broker.Publish(ctx, "alerts.critical", msg.Payload)
		}
		return nil
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Publish(context.Background(), "alerts.cms", map[string]any{"title": "wp"})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("nested publish from a handler must not block")
	}

	if relayed != 1 {
		t.Fatalf("relay should run once for the original message, got %d", relayed)
	}
	if critical.count() != 1 {
		t.Fatalf("relayed message should reach other subscribers, got %d", critical.count())
	}
	if len(broker.History("", time.Time{}, 0)) != 2 {
		t.Fatalf("both messages should be recorded in history")
	}
}

func TestBusySubscriberWaitHonoursContext(t *testing.T) {
	broker := newTestBroker(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	broker.Subscribe("slow", []string{"alerts.cms"}, func(context.Context, Message) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, nil)

	first := make(chan struct{})
	go func() {
		defer close(first)
		broker.Publish(context.Background(), "alerts.cms", nil)
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	broker.Publish(ctx, "alerts.cms", nil)
	if time.Since(started) > time.Second {
		t.Fatalf("publish should give up waiting once ctx is done")
	}

	close(release)
	<-first
}
