package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "casewatch/pkg/logx"
)

func TestPublishIsNonBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, buffer full

	e := <-ch
	assert.Equal(t, "a", e.Type)
	assert.False(t, e.Time.IsZero(), "Publish should stamp time")
	assert.Equal(t, uint64(1), Dropped(b))

	unsub()
	b.Publish(Event{Type: "after-unsub"})
}

type fakePublisher struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][][]byte{}
	}
	f.sent[channel] = append(f.sent[channel], payload)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[channel])
}

func TestRelayForwardsSelectedTypes(t *testing.T) {
	t.Parallel()

	b := New()
	pub := &fakePublisher{}
	r := NewRelay(b, pub, "casewatch:", nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The relay subscribes asynchronously; keep publishing until it is observed.
	require.Eventually(t, func() bool {
		b.Publish(Event{Type: TypeStatusChanged, Data: map[string]string{"tenant_id": "t1"}})
		b.Publish(Event{Type: "task.started"})
		return pub.count("casewatch:"+TypeStatusChanged) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Zero(t, pub.count("casewatch:task.started"))

	pub.mu.Lock()
	raw := pub.sent["casewatch:"+TypeStatusChanged][0]
	pub.mu.Unlock()
	var decoded struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeStatusChanged, decoded.Type)
	assert.Equal(t, "t1", decoded.Data["tenant_id"])
}
