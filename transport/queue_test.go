package transport

import (
	"testing"
	"time"

	"github.com/smsgio/smsg/header"
	"github.com/smsgio/smsg/serializer"
)

func TestMatchPatternHashStar(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"#.*.payment_service", "order.api.payment_service", true},
		{"#.*.payment_service", "alert.security.payment_service", true},
		{"#.*.payment_service", "order.api.payment_service.urgent", false},
		{"order.#", "order.created", true},
		{"order.#", "order.created.urgent", true},
		{"order.#", "invoice.created", false},
	}
	for _, c := range cases {
		got := MatchPattern(c.pattern, c.key)
		if got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}

func TestSanitizeRoutingKey(t *testing.T) {
	key := RoutingKey("Test Exchange!", "Order", "Orders Co.", "")
	want := "test_exchange_.order.orders_co_.broadcast"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
}

func TestRoutingKeyAnonymousFrom(t *testing.T) {
	key := RoutingKey("x", "Order", "", "fulfil")
	if key != "x.order.anonymous.fulfil" {
		t.Fatalf("unexpected key: %s", key)
	}
}

type recordingReceiver struct {
	name string
	ch   chan string
}

func (r *recordingReceiver) Route(env *serializer.Envelope) { r.ch <- r.name }

// TestConsumerGroupFanOutDeliversToExactlyOne has two consumers in
// group g1 subscribe to "#.*.payment"; publishing a message with
// routing key order.api.order.payment (exchange.class.from.to) must be
// received by exactly one of the two.
func TestConsumerGroupFanOutDeliversToExactlyOne(t *testing.T) {
	data := NewLocalQueueData()
	router := NewRouter()

	consumer1 := NewQueueBroker("c1", data, router, nil, QueueOptions{QueuePrefix: "test", ConsumerGroup: "g1", PollInterval: time.Millisecond})
	consumer2 := NewQueueBroker("c2", data, router, nil, QueueOptions{QueuePrefix: "test", ConsumerGroup: "g1", PollInterval: time.Millisecond})

	received := make(chan string, 2)
	consumer1.Connect()
	consumer2.Connect()
	defer consumer1.Disconnect()
	defer consumer2.Disconnect()

	consumer1.SetReceiver(&recordingReceiver{name: "c1", ch: received})
	consumer2.SetReceiver(&recordingReceiver{name: "c2", ch: received})

	if err := consumer1.Subscribe("#.*.payment"); err != nil {
		t.Fatalf("subscribe c1: %v", err)
	}
	if err := consumer2.Subscribe("#.*.payment"); err != nil {
		t.Fatalf("subscribe c2: %v", err)
	}

	publisher := NewQueueBroker("pub", data, router, nil, QueueOptions{Exchange: "order", QueuePrefix: "test"})
	publisher.Connect()
	defer publisher.Disconnect()

	to := "payment"
	hdr := header.New("api", "order", &to, nil, 1)
	env := &serializer.Envelope{Header: hdr, Properties: map[string]interface{}{"id": "1"}}
	if err := publisher.Publish(env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-received:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected exactly one consumer to receive the message")
	}

	select {
	case <-received:
		t.Fatalf("expected exactly one consumer to receive the message, got a second delivery")
	case <-time.After(100 * time.Millisecond):
	}
}
