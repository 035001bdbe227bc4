package notify

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/actions"
	"github.com/ignite/segment-engine/internal/segmentation"
)

type memPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *memPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Name)
	}
	return out
}

type memDirectory map[int64]actions.Entity

func (d memDirectory) Lookup(_ context.Context, _ int64, _ segmentation.ObjectType, ids []int64) (map[int64]actions.Entity, error) {
	out := map[int64]actions.Entity{}
	for _, id := range ids {
		if e, ok := d[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestEmitter_LifecycleEvents(t *testing.T) {
	pub := &memPublisher{}
	e := NewEmitter(pub, nil, 0)

	e.RecalcStarted(context.Background(), "tok", 5, "run-1")
	e.RecalcFailed(context.Background(), "tok", 5, "422", errors.New("invalid segment criteria: x"))
	e.RecalcFinished(context.Background(), "tok", &segmentation.RunReport{
		RunID: "run-2", SegmentID: 5, Outcome: "calculated",
		Changes: map[segmentation.ObjectType]segmentation.DeltaCounts{segmentation.ObjectCustomer: {New: 1}},
	})
	e.RecalcStarted(context.Background(), "", 5, "run-3")

	assert.Equal(t, []string{"recalc_start", "recalc_fail_422", "recalc_finish"}, pub.names())

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.events[1].Payload, &payload))
	assert.Equal(t, "invalid segment criteria: x", payload["error"])
	assert.Equal(t, "tok", pub.events[0].Token)
}

func TestEmitter_MemberEventsOncePerChangedEntity(t *testing.T) {
	pub := &memPublisher{}
	e := NewEmitter(pub, memDirectory{1: {ID: 1, Name: "Ann", Phone: "+79000000001"}}, 2)
	seg := &segmentation.Segment{ID: 5, CashboxID: 1, ScopeToken: "tok"}
	changes := segmentation.ChangeSet{
		segmentation.ObjectCustomer: segmentation.Diff([]int64{1, 2, 3}, []int64{2, 3, 4}),
	}

	e.MembersChanged(context.Background(), seg, changes)

	names := pub.names()
	sort.Strings(names)
	assert.Equal(t, []string{"segment_member_added", "segment_member_removed"}, names)

	for _, ev := range pub.events {
		var p MemberPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		switch ev.Name {
		case EventMemberAdded:
			assert.Equal(t, MemberPayload{SegmentID: 5, ObjectType: "customer", ID: 1, Name: "Ann", Phone: "+79000000001"}, p)
		case EventMemberRemoved:
			assert.Equal(t, int64(4), p.ID)
			assert.Empty(t, p.Name)
		}
	}
}

func TestEmitter_PublishFailureIsSwallowed(t *testing.T) {
	pub := &memPublisher{err: errors.New("channel down")}
	e := NewEmitter(pub, nil, 1)
	seg := &segmentation.Segment{ID: 5, ScopeToken: "tok"}

	assert.NotPanics(t, func() {
		e.RecalcStarted(context.Background(), "tok", 5, "r")
		e.MembersChanged(context.Background(), seg, segmentation.ChangeSet{
			segmentation.ObjectCustomer: segmentation.Diff([]int64{1}, nil),
		})
	})
}

func TestPGPublisher(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_notify\\(\\$1, \\$2\\)").
		WithArgs("segment_events", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := NewEvent("tok", EventRecalcStart, map[string]int{"segment_id": 1}, time.Now())
	require.NoError(t, err)
	require.NoError(t, NewPGPublisher(db, "segment_events").Publish(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisherToHub(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(NewRedisSource(client, "segment_events"))
	mine, unsubscribe := hub.Subscribe("tok-a")
	defer unsubscribe()
	other, unsubscribeOther := hub.Subscribe("tok-b")
	defer unsubscribeOther()
	hub.Start(ctx)

	pub := NewRedisPublisher(client, "segment_events")
	ev, err := NewEvent("tok-a", EventRecalcFinish, map[string]int{"segment_id": 9}, time.Now())
	require.NoError(t, err)

	// The subscription is set up asynchronously, so publish until it lands.
	var got []byte
	require.Eventually(t, func() bool {
		_ = pub.Publish(ctx, ev)
		select {
		case got = <-mine:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	decoded, err := DecodeEvent(got)
	require.NoError(t, err)
	assert.Equal(t, EventRecalcFinish, decoded.Name)

	select {
	case <-other:
		t.Fatal("event leaked to another tenant")
	default:
	}
}

func TestHub_BroadcastDropsInvalidAndUnscoped(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe("tok")

	hub.Broadcast([]byte("not json"))
	hub.Broadcast([]byte(`{"event":"recalc_start"}`))
	assert.Len(t, ch, 0)

	hub.Broadcast([]byte(`{"token":"tok","event":"recalc_start"}`))
	assert.Len(t, ch, 1)

	unsubscribe()
	assert.Equal(t, 0, hub.Clients("tok"))
}

func TestHub_HandleSSE(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?token=tok", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Clients("tok") == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast([]byte(`{"token":"tok","event":"recalc_start"}`))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, `data: {"token":"tok"`))
}
