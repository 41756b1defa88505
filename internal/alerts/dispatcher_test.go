package alerts

import (
	"context"
	"reflect"
	"testing"

	"github.com/alerthub/alerthub/internal/cache"
	"github.com/alerthub/alerthub/internal/pubsub"
)

type fakeHub struct {
	published []string
	payloads  []any
}

func (f *fakeHub) Publish(_ context.Context, topic string, content any) int {
	f.published = append(f.published, topic)
	f.payloads = append(f.payloads, content)
	return 2
}

func TestTopicsForExploit(t *testing.T) {
	cases := []struct {
		name    string
		exploit Exploit
		want    []string
	}{
		{"all fields", Exploit{Severity: "Critical", SoftwareType: "CMS", ExploitType: "sqli"},
			[]string{"alerts.all", "alerts.critical", "alerts.cms", "alerts.sqli"}},
		{"unknown values", Exploit{Severity: "low", SoftwareType: "os", ExploitType: "dos"},
			[]string{"alerts.all"}},
		{"empty", Exploit{}, []string{"alerts.all"}},
		{"software only", Exploit{SoftwareType: "shopping_cart"}, []string{"alerts.all", "alerts.shopping_cart"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Topics(tc.exploit); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("topics mismatch: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestDispatchFansOutAndInvalidates(t *testing.T) {
	broker := pubsub.New(pubsub.Options{})
	hub := &fakeHub{}
	proxy := cache.New(cache.Options{Capacity: 8})
	proxy.Set("history:alerts.all:50", "stale", cache.SetOptions{})
	proxy.Set("websub:topics", "keep", cache.SetOptions{})

	var got []pubsub.Message
	broker.Subscribe("watcher", []string{"alerts.xss"}, func(_ context.Context, msg pubsub.Message) error {
		got = append(got, msg)
		return nil
	}, nil)

	dispatcher := NewDispatcher(broker, hub, proxy, nil)
	report := dispatcher.Dispatch(context.Background(), Exploit{
		ExploitDBID: "51234", Title: "Stored XSS", Severity: "high", ExploitType: "xss",
	})

	wantTopics := []string{"alerts.all", "alerts.high", "alerts.xss"}
	if !reflect.DeepEqual(report.Topics, wantTopics) || !reflect.DeepEqual(hub.published, wantTopics) {
		t.Fatalf("unexpected topics: report=%v hub=%v", report.Topics, hub.published)
	}
	if report.ExploitID != "51234" || len(report.MessageIDs) != 3 || report.HubDelivery["alerts.xss"] != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Invalidated != 1 {
		t.Fatalf("history cache keys should be invalidated, got %d", report.Invalidated)
	}
	if _, ok := proxy.Peek("websub:topics"); !ok {
		t.Fatalf("unrelated cache keys must survive")
	}

	if len(got) != 1 || got[0].Payload["type"] != "new_exploit" || got[0].Payload["exploit_id"] != "51234" {
		t.Fatalf("subscriber should receive the alert payload once: %+v", got)
	}
	if len(broker.History(pubsub.AllTopic, got[0].Timestamp.AddDate(0, 0, -1), 0)) != 3 {
		t.Fatalf("every topic publication should be recorded in history")
	}
}

func TestPayloadDefaultsSeverity(t *testing.T) {
	payload := NewDispatcher(nil, nil, nil, nil).Payload(Exploit{ID: "1"})
	if payload["severity"] != "unknown" || payload["exploit_id"] != "1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}
