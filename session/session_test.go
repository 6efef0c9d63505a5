package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rpcwire/config"
	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/internal/testserver"
	"github.com/opd-ai/rpcwire/storage"
	"github.com/opd-ai/rpcwire/tl/mt"
	"github.com/opd-ai/rpcwire/transport"
)

var (
	keyOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func serverKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

// request bodies use a constructor no service type claims.
func rpcBody(n byte) []byte {
	return []byte{0xef, 0xbe, 0xad, 0xde, n, 0, 0, 0}
}

type harness struct {
	t      *testing.T
	client *transport.Pipe
	server *transport.Pipe
	srv    *testserver.Server
	s      *Session
	clock  crypto.TimeProvider
	manual *crypto.ManualClock
	events chan Event
	states chan State
}

type harnessConfig struct {
	server   testserver.Options
	manual   bool
	salts    func(now time.Time, serverSalt int64) []Salt
	settings func(*config.Session)
	store    storage.Store
}

func validSalts(now time.Time, serverSalt int64) []Salt {
	return []Salt{
		{ValidSince: now.Add(-time.Minute), ValidUntil: now.Add(time.Hour), Value: serverSalt},
		{ValidSince: now.Add(time.Hour), ValidUntil: now.Add(2 * time.Hour), Value: 101},
		{ValidSince: now.Add(2 * time.Hour), ValidUntil: now.Add(3 * time.Hour), Value: 102},
	}
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		events: make(chan Event, 16),
		states: make(chan State, 32),
	}
	if hc.manual {
		h.manual = crypto.NewManualClock(time.Now())
		h.clock = h.manual
		hc.server.Clock = h.manual
	} else {
		h.clock = crypto.DefaultTimeProvider{}
	}
	h.client, h.server = transport.NewPipe()

	srv, err := testserver.New(h.server, serverKey(t), hc.server)
	require.NoError(t, err)
	h.srv = srv

	raw := make([]byte, 256)
	_, err = rand.Read(raw)
	require.NoError(t, err)
	key, err := crypto.NewAuthKey(raw, 0)
	require.NoError(t, err)
	srv.AddKey(key)

	settings := config.DefaultSession()
	if hc.settings != nil {
		hc.settings(settings)
	}
	salts := validSalts
	if hc.salts != nil {
		salts = hc.salts
	}

	s, err := New(h.client, Options{
		Key:      key,
		Salts:    salts(h.clock.Now(), srv.Salt()),
		Settings: settings,
		Clock:    h.clock,
		Store:    hc.store,
		Endpoint: "test",
		OnEvent: func(ev Event) {
			select {
			case h.events <- ev:
			default:
			}
		},
		OnState: func(st State, _ error) {
			select {
			case h.states <- st:
			default:
			}
		},
	})
	require.NoError(t, err)
	h.s = s
	h.client.OnFrame(s.HandleFrame)

	t.Cleanup(func() {
		s.Close()
		h.client.Close()
		h.server.Close()
	})
	return h
}

// rpcs returns the client requests the server decrypted, in order.
func (h *harness) rpcs() []testserver.Received {
	var out []testserver.Received
	for _, r := range h.srv.Received() {
		if _, err := mt.DecodeService(r.Body); errors.Is(err, mt.ErrNotService) {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-h.states:
			if st == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("state %v not reached", want)
		}
	}
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallRoundTrip(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	got, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, rpcBody(1), got)

	st := h.s.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, h.s.ID(), st.SessionID)
}

func TestRPCErrorSurfaces(t *testing.T) {
	h := newHarness(t, harnessConfig{server: testserver.Options{
		Handler: func([]byte) ([]byte, *mt.RPCError) {
			return nil, &mt.RPCError{Code: 400, Message: "PEER_ID_INVALID"}
		},
	}})
	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	var rpcErr *errs.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int32(400), rpcErr.Code)
	assert.Equal(t, "PEER_ID_INVALID", rpcErr.Message)
}

func TestConcurrentCallsShareContainer(t *testing.T) {
	h := newHarness(t, harnessConfig{settings: func(s *config.Session) {
		s.FlushInterval = config.Duration{Duration: 200 * time.Millisecond}
	}})
	ctx := callCtx(t)
	p1, err := h.s.Start(ctx, rpcBody(1), CallOptions{})
	require.NoError(t, err)
	p2, err := h.s.Start(ctx, rpcBody(2), CallOptions{})
	require.NoError(t, err)

	r1, err := p1.Wait(ctx)
	require.NoError(t, err)
	r2, err := p2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, rpcBody(1), r1)
	assert.Equal(t, rpcBody(2), r2)

	rpcs := h.rpcs()
	require.Len(t, rpcs, 2)
	a, b := rpcs[0], rpcs[1]
	assert.NotZero(t, a.ContainerID)
	assert.Equal(t, a.ContainerID, b.ContainerID)
	assert.Less(t, a.MsgID, b.MsgID)
	assert.Greater(t, a.ContainerID, b.MsgID)
	assert.Equal(t, int32(1), a.SeqNo%2)
	assert.Equal(t, a.SeqNo+2, b.SeqNo)
}

func TestCorruptedReplyFailsWithIntegrity(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	var corrupt atomic.Bool
	corrupt.Store(true)
	h.server.SetTamper(func(frame []byte) []byte {
		if corrupt.Load() {
			frame[len(frame)-1] ^= 0x01
		}
		return frame
	})

	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
	corrupt.Store(false)
	h.waitState(StateReady)

	st := h.s.Stats()
	assert.Equal(t, 0, st.Pending)
	for _, r := range h.rpcs() {
		assert.NotContains(t, trackedIDs(h), r.MsgID)
	}

	got, err := h.s.Call(callCtx(t), rpcBody(2), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, rpcBody(2), got)
}

// trackedIDs lists ids still awaiting acknowledgement or an answer.
func trackedIDs(h *harness) []int64 {
	reply := make(chan []int64, 1)
	h.s.post(cmdInspect{reply: reply})
	return <-reply
}

func TestCorruptedReplyRetried(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	var once atomic.Bool
	h.server.SetTamper(func(frame []byte) []byte {
		if once.CompareAndSwap(false, true) {
			frame[len(frame)-1] ^= 0x01
		}
		return frame
	})

	got, err := h.s.Call(callCtx(t), rpcBody(3), CallOptions{Retries: 1})
	require.NoError(t, err)
	assert.Equal(t, rpcBody(3), got)

	rpcs := h.rpcs()
	require.GreaterOrEqual(t, len(rpcs), 2)
	assert.NotEqual(t, rpcs[0].MsgID, rpcs[1].MsgID)
}

func TestNotReceivedStateResendsSameID(t *testing.T) {
	h := newHarness(t, harnessConfig{manual: true})
	h.srv.SetSilent(true)

	p, err := h.s.Start(callCtx(t), rpcBody(4), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rpcs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.srv.SetSilent(false)
	h.manual.Advance(2 * time.Second)

	got, err := p.Wait(callCtx(t))
	require.NoError(t, err)
	assert.Equal(t, rpcBody(4), got)

	rpcs := h.rpcs()
	require.Len(t, rpcs, 2)
	assert.Equal(t, rpcs[0].MsgID, rpcs[1].MsgID)
	assert.Equal(t, rpcs[0].SeqNo, rpcs[1].SeqNo)
}

func TestBadServerSaltResendsWithFreshID(t *testing.T) {
	h := newHarness(t, harnessConfig{
		salts: func(now time.Time, _ int64) []Salt {
			return []Salt{{ValidSince: now.Add(-time.Minute), ValidUntil: now.Add(time.Hour), Value: 12345}}
		},
		settings: func(s *config.Session) {
			s.FlushInterval = config.Duration{Duration: 100 * time.Millisecond}
		},
	})
	got, err := h.s.Call(callCtx(t), rpcBody(5), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, rpcBody(5), got)

	var ids []int64
	for _, r := range h.srv.Received() {
		if string(r.Body) == string(rpcBody(5)) {
			ids = append(ids, r.MsgID)
		}
	}
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])
	assert.Eventually(t, func() bool { return h.s.Stats().Salts >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestStateRequestsExhausted(t *testing.T) {
	h := newHarness(t, harnessConfig{manual: true, settings: func(s *config.Session) {
		s.MaxStateRequests = 2
	}})
	h.srv.SetSilent(true)
	h.client.SetTamper(func(frame []byte) []byte {
		if len(h.rpcs()) > 0 {
			return nil
		}
		return frame
	})

	p, err := h.s.Start(callCtx(t), rpcBody(6), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rpcs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		h.manual.Advance(time.Minute)
		select {
		case <-p.Done():
			return true
		default:
			return false
		}
	}, 10*time.Second, 20*time.Millisecond)

	_, err = p.Result()
	assert.ErrorIs(t, err, errs.ErrRetriesExhausted)
	assert.ErrorIs(t, err, errs.ErrTransportDown)
}

func TestUnknownAuthKeyFailsSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.srv.ForgetKeys()

	_, err := h.s.Call(callCtx(t), rpcBody(7), CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnknownAuthKey)
	h.waitState(StateFailed)

	select {
	case <-h.s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
	_, err = h.s.Start(context.Background(), rpcBody(8), CallOptions{})
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestDisconnectResendsAfterReconnect(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.srv.SetSilent(true)

	p, err := h.s.Start(callCtx(t), rpcBody(9), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rpcs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.srv.SetSilent(false)
	h.client.Disconnect()
	h.waitState(StateDegraded)

	got, err := p.Wait(callCtx(t))
	require.NoError(t, err)
	assert.Equal(t, rpcBody(9), got)

	rpcs := h.rpcs()
	require.Len(t, rpcs, 2)
	assert.Equal(t, rpcs[0].MsgID, rpcs[1].MsgID)
}

func TestServerPushDelivered(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.NoError(t, err)

	update := []byte{0x44, 0x33, 0x22, 0x11, 9, 0, 0, 0}
	require.NoError(t, h.srv.Push(h.s.ID(), update))

	select {
	case ev := <-h.events:
		assert.Equal(t, EventUpdate, ev.Kind)
		assert.Equal(t, update, ev.Body)
		assert.Equal(t, int64(3), ev.MsgID%4)
	case <-time.After(5 * time.Second):
		t.Fatal("push not delivered")
	}
}

func TestNewSessionEvent(t *testing.T) {
	h := newHarness(t, harnessConfig{server: testserver.Options{AnnounceSessions: true}})
	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.NoError(t, err)

	select {
	case ev := <-h.events:
		assert.Equal(t, EventNewSession, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("new_session_created not reported")
	}
}

func TestCallTimeoutWithdrawsRequest(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.srv.SetSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.s.Call(ctx, rpcBody(1), CallOptions{})
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Eventually(t, func() bool { return h.s.Stats().Pending == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseFailsPending(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.srv.SetSilent(true)

	p, err := h.s.Start(context.Background(), rpcBody(1), CallOptions{})
	require.NoError(t, err)
	require.NoError(t, h.s.Close())

	_, err = p.Result()
	assert.ErrorIs(t, err, errs.ErrClosed)
	require.NoError(t, h.s.Close())
}

func TestStartRejectsUnalignedBody(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.s.Start(context.Background(), []byte{1, 2, 3}, CallOptions{})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}

func TestFetchesFutureSalts(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newHarness(t, harnessConfig{
		store: store,
		salts: func(time.Time, int64) []Salt { return nil },
	})
	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.s.Stats().Salts >= 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.s.Close())
	salts, err := store.LoadSalts("test")
	require.NoError(t, err)
	assert.NotEmpty(t, salts)
	hw, err := store.LoadHighWater("test")
	require.NoError(t, err)
	assert.NotZero(t, hw)
}

// dropFirst drops the next frame the server sends once armed.
func dropFirst(h *harness, armed *atomic.Bool) {
	h.server.SetTamper(func(frame []byte) []byte {
		if armed.CompareAndSwap(true, false) {
			return nil
		}
		return frame
	})
}

func fastBackoff(s *config.Session) {
	s.AckBackoffBase = config.Duration{Duration: 50 * time.Millisecond}
	s.AckBackoffMax = config.Duration{Duration: 200 * time.Millisecond}
}

func TestLostAnswerRecovered(t *testing.T) {
	h := newHarness(t, harnessConfig{settings: fastBackoff})
	var armed atomic.Bool
	armed.Store(true)
	dropFirst(h, &armed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := h.s.Call(ctx, rpcBody(10), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, rpcBody(10), got)
	assert.False(t, armed.Load())

	rpcs := h.rpcs()
	require.GreaterOrEqual(t, len(rpcs), 2)
	for _, r := range rpcs[1:] {
		assert.Equal(t, rpcs[0].MsgID, r.MsgID)
	}
	assert.Eventually(t, func() bool { return len(trackedIDs(h)) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestAnswerInProgressKeepsWaiting(t *testing.T) {
	h := newHarness(t, harnessConfig{manual: true, settings: fastBackoff})
	h.srv.SetSilent(true)
	h.srv.SetStateInfo(func(ids []int64) []byte {
		info := make([]byte, len(ids))
		for i := range info {
			info[i] = mt.StateReceived | mt.StateRPCPending
		}
		return info
	})

	p, err := h.s.Start(callCtx(t), rpcBody(13), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rpcs()) == 1 }, 5*time.Second, 5*time.Millisecond)

	states := func() int {
		n := 0
		for _, r := range h.srv.Received() {
			if obj, err := mt.DecodeService(r.Body); err == nil {
				if _, ok := obj.(*mt.MsgsStateReq); ok {
					n++
				}
			}
		}
		return n
	}
	require.Eventually(t, func() bool {
		h.manual.Advance(time.Second)
		return states() > 2*config.DefaultSession().MaxStateRequests
	}, 10*time.Second, 20*time.Millisecond)

	select {
	case <-p.Done():
		t.Fatal("request failed while the server was still processing it")
	default:
	}
	assert.Len(t, h.rpcs(), 1)
}

func TestSeqNoGapRequestsLostAnswer(t *testing.T) {
	h := newHarness(t, harnessConfig{settings: func(s *config.Session) {
		s.AckBackoffBase = config.Duration{Duration: time.Minute}
		s.AckBackoffMax = config.Duration{Duration: 2 * time.Minute}
	}})
	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.NoError(t, err)

	var armed atomic.Bool
	armed.Store(true)
	dropFirst(h, &armed)
	p, err := h.s.Start(callCtx(t), rpcBody(11), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !armed.Load() }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.srv.Push(h.s.ID(), []byte{0x44, 0x33, 0x22, 0x11, 1, 0, 0, 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, rpcBody(11), got)
}

func TestTimedOutAttemptRetriedWithFreshID(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	start := time.Now()
	h.server.SetTamper(func(frame []byte) []byte {
		if time.Since(start) < 300*time.Millisecond {
			return nil
		}
		return frame
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := h.s.Call(ctx, rpcBody(14), CallOptions{Timeout: 200 * time.Millisecond, Retries: 3})
	require.NoError(t, err)
	assert.Equal(t, rpcBody(14), got)

	rpcs := h.rpcs()
	require.GreaterOrEqual(t, len(rpcs), 2)
	for i := 1; i < len(rpcs); i++ {
		assert.Less(t, rpcs[i-1].MsgID, rpcs[i].MsgID)
	}
	assert.Eventually(t, func() bool { return h.s.Stats().Pending == 0 }, time.Second, 5*time.Millisecond)
}

func TestRetriesShareCallerDeadline(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.srv.SetSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	_, err := h.s.Call(ctx, rpcBody(15), CallOptions{Retries: 2})
	assert.ErrorIs(t, err, errs.ErrTimeout)

	rpcs := h.rpcs()
	require.GreaterOrEqual(t, len(rpcs), 2)
	assert.NotEqual(t, rpcs[0].MsgID, rpcs[1].MsgID)
	assert.Eventually(t, func() bool { return h.s.Stats().Pending == 0 }, time.Second, 5*time.Millisecond)
}

func TestStalledWriteDoesNotBlockSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	var stalled atomic.Bool
	h.client.SetTamper(func(frame []byte) []byte {
		if stalled.CompareAndSwap(false, true) {
			<-release
		}
		return frame
	})

	p, err := h.s.Start(callCtx(t), rpcBody(12), CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, stalled.Load, 5*time.Second, 5*time.Millisecond)

	stats := make(chan Stats, 1)
	go func() { stats <- h.s.Stats() }()
	select {
	case st := <-stats:
		assert.Equal(t, 1, st.Pending)
	case <-time.After(time.Second):
		t.Fatal("session blocked behind a stalled write")
	}

	unblock()
	got, err := p.Wait(callCtx(t))
	require.NoError(t, err)
	assert.Equal(t, rpcBody(12), got)
}

func TestLogEntriesNameFunction(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })

	h := newHarness(t, harnessConfig{})
	h.server.SetTamper(func(frame []byte) []byte {
		frame[len(frame)-1] ^= 0x01
		return frame
	})
	_, err := h.s.Call(callCtx(t), rpcBody(1), CallOptions{})
	require.ErrorIs(t, err, errs.ErrIntegrity)

	var found bool
	for _, e := range hook.AllEntries() {
		assert.NotContains(t, e.Data, "component")
		if e.Data["function"] == "integrityFailure" {
			found = true
			assert.Contains(t, e.Data, "session_id")
		}
	}
	assert.True(t, found)
}
