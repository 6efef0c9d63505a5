package rpcwire

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rpcwire/config"
	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/internal/testserver"
	"github.com/opd-ai/rpcwire/storage"
	"github.com/opd-ai/rpcwire/tl/mt"
	"github.com/opd-ai/rpcwire/tl/schema"
	"github.com/opd-ai/rpcwire/transport"
)

const apiSchema = `
boolFalse#bc799737 = Bool;
boolTrue#997275b5 = Bool;
vector#1cb5c415 {t:Type} # [ t ] = Vector t;

reply#aa000001 text:string = Reply;
user#d23c81a3 id:long name:string = User;
updateName#aa000002 user_id:long name:string = Update;

---functions---
test.echo#aa000001 text:string = Reply;
test.fail#aa000003 = Bool;
users.getUser#a1b2c3d4 id:long = User;
`

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

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(strings.NewReader(apiSchema))
	require.NoError(t, err)
	return s
}

// apiHandler answers the methods of apiSchema.
func apiHandler(codec *schema.Codec) testserver.Handler {
	return func(body []byte) ([]byte, *mt.RPCError) {
		switch binary.LittleEndian.Uint32(body) {
		case 0xaa000001:
			return testserver.Echo(body)
		case 0xa1b2c3d4:
			id := int64(binary.LittleEndian.Uint64(body[4:12]))
			out, err := codec.Encode(schema.NewObject("user", map[string]schema.Value{
				"id":   schema.Long(id),
				"name": schema.String("alice"),
			}))
			if err != nil {
				return nil, &mt.RPCError{Code: 500, Message: err.Error()}
			}
			return out, nil
		default:
			return nil, &mt.RPCError{Code: 400, Message: "METHOD_INVALID"}
		}
	}
}

type fixture struct {
	t      *testing.T
	client *Client
	pipe   *transport.Pipe
	srv    *testserver.Server
	codec  *schema.Codec
	store  storage.Store
}

type fixtureConfig struct {
	server testserver.Options
	store  storage.Store
	// keyFrom registers the auth keys of another server.
	keyFrom *testserver.Server
	keyID   uint64
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	s := testSchema(t)
	f := &fixture{t: t, codec: schema.NewCodec(s, 0), store: fc.store}
	if f.store == nil {
		f.store = storage.NewMemoryStore()
	}
	if fc.server.Handler == nil {
		fc.server.Handler = apiHandler(f.codec)
	}

	clientEnd, serverEnd := transport.NewPipe()
	f.pipe = clientEnd
	srv, err := testserver.New(serverEnd, serverKey(t), fc.server)
	require.NoError(t, err)
	f.srv = srv
	if fc.keyFrom != nil {
		srv.AddKey(fc.keyFrom.Key(fc.keyID))
	}

	hs := config.DefaultHandshake()
	hs.StepTimeout = config.Duration{Duration: 5 * time.Second}
	settings := config.DefaultSession()
	settings.FlushInterval = config.Duration{Duration: 5 * time.Millisecond}

	c, err := New(Options{
		Endpoint:  "test",
		Transport: clientEnd,
		Keys:      []*crypto.RSAPublicKey{srv.PublicKey()},
		DC:        2,
		Schema:    s,
		Handshake: hs,
		Session:   settings,
		Store:     f.store,
	})
	require.NoError(t, err)
	f.client = c
	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	return f
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) getUser(ctx context.Context, id int64) (schema.Value, error) {
	return f.client.Invoke(ctx, "users.getUser", map[string]schema.Value{"id": schema.Long(id)}, InvokeOptions{})
}

func TestInvokeDecodesResult(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	assert.Equal(t, Connecting, f.client.ConnectionState())

	v, err := f.getUser(testCtx(t), 42)
	require.NoError(t, err)
	obj, ok := v.(*schema.Object)
	require.True(t, ok)
	assert.Equal(t, "user", obj.Name)
	assert.Equal(t, schema.Long(42), obj.Fields["id"])
	assert.Equal(t, schema.String("alice"), obj.Fields["name"])

	v, err = f.client.Invoke(testCtx(t), "test.echo", map[string]schema.Value{"text": schema.String("hi")}, InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.String("hi"), v.(*schema.Object).Fields["text"])

	assert.Equal(t, 1, f.srv.Handshakes())
	assert.Equal(t, Ready, f.client.ConnectionState())

	stats, ok := f.client.Stats()
	require.True(t, ok)
	assert.Equal(t, 0, stats.Pending)
}

func TestInvokeRPCError(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.client.Invoke(testCtx(t), "test.fail", nil, InvokeOptions{})
	var rpcErr *errs.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int32(400), rpcErr.Code)
	assert.Equal(t, "METHOD_INVALID", rpcErr.Message)
}

func TestInvokeUnknownMethod(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.client.Invoke(testCtx(t), "users.deleteUser", nil, InvokeOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, f.srv.Handshakes())
}

func TestConcurrentCallsShareOneHandshake(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := testCtx(t)

	calls := make([]*Call, 8)
	for i := range calls {
		calls[i] = f.client.Go(ctx, "users.getUser", map[string]schema.Value{"id": schema.Long(int64(i))}, InvokeOptions{})
	}
	for i, call := range calls {
		<-call.Done()
		v, err := call.Result()
		require.NoError(t, err)
		assert.Equal(t, schema.Long(int64(i)), v.(*schema.Object).Fields["id"])
	}
	assert.Equal(t, 1, f.srv.Handshakes())
}

func TestStoredKeySkipsHandshake(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newFixture(t, fixtureConfig{store: store})
	_, err := first.getUser(testCtx(t), 1)
	require.NoError(t, err)
	require.Equal(t, 1, first.srv.Handshakes())

	rec, err := store.LoadAuthKey("test")
	require.NoError(t, err)
	lastID := first.srv.Received()[len(first.srv.Received())-1].MsgID
	require.NoError(t, first.client.Close())

	second := newFixture(t, fixtureConfig{store: store, keyFrom: first.srv, keyID: rec.ID})
	_, err = second.getUser(testCtx(t), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, second.srv.Handshakes())

	received := second.srv.Received()
	require.NotEmpty(t, received)
	assert.Greater(t, received[0].MsgID, lastID)
}

func TestUnknownAuthKeyRenegotiates(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)
	old, err := f.store.LoadAuthKey("test")
	require.NoError(t, err)

	f.srv.ForgetKeys()
	_, err = f.getUser(testCtx(t), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, f.srv.Handshakes())

	rec, err := f.store.LoadAuthKey("test")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, rec.ID)
}

func TestSubscribeReceivesPushes(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	events := make(chan Event, 4)
	cancel := f.client.Subscribe(func(ev Event) { events <- ev })

	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)
	stats, ok := f.client.Stats()
	require.True(t, ok)

	update, err := f.codec.Encode(schema.NewObject("updateName", map[string]schema.Value{
		"user_id": schema.Long(7),
		"name":    schema.String("bob"),
	}))
	require.NoError(t, err)
	require.NoError(t, f.srv.Push(stats.SessionID, update))

	select {
	case ev := <-events:
		obj, ok := ev.Value.(*schema.Object)
		require.True(t, ok)
		assert.Equal(t, "updateName", obj.Name)
		assert.Equal(t, schema.String("bob"), obj.Fields["name"])
		assert.Equal(t, update, ev.Raw)
		assert.False(t, ev.NewSession)
	case <-time.After(5 * time.Second):
		t.Fatal("push not delivered")
	}

	unknown := []byte{0x01, 0x02, 0x03, 0x04, 0xaa, 0xbb, 0xcc, 0xdd}
	require.NoError(t, f.srv.Push(stats.SessionID, unknown))
	select {
	case ev := <-events:
		u, ok := ev.Value.(*schema.Unknown)
		require.True(t, ok)
		assert.Equal(t, uint32(0x04030201), u.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("unknown push not delivered")
	}

	cancel()
	require.NoError(t, f.srv.Push(stats.SessionID, update))
	select {
	case ev := <-events:
		t.Fatalf("event %d delivered after cancel", ev.MsgID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewSessionEvent(t *testing.T) {
	f := newFixture(t, fixtureConfig{server: testserver.Options{AnnounceSessions: true}})
	events := make(chan Event, 4)
	defer f.client.Subscribe(func(ev Event) { events <- ev })()

	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.True(t, ev.NewSession)
		assert.Nil(t, ev.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("new session event not delivered")
	}
}

func TestStateCallback(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	var mu sync.Mutex
	var seen []State
	f.client.OnConnectionState(func(st State, _ error) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, Ready)
}

func TestForgetDropsStoredKey(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)

	require.NoError(t, f.client.Forget())
	_, err = f.store.LoadAuthKey("test")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.getUser(testCtx(t), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, f.srv.Handshakes())
}

func TestCloseRejectsCalls(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)

	require.NoError(t, f.client.Close())
	require.NoError(t, f.client.Close())
	_, err = f.getUser(testCtx(t), 2)
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestNewValidatesOptions(t *testing.T) {
	pipe, _ := transport.NewPipe()
	defer pipe.Close()
	s := testSchema(t)

	_, err := New(Options{Schema: s, Keys: []*crypto.RSAPublicKey{{}}})
	assert.Error(t, err)
	_, err = New(Options{Transport: pipe, Keys: []*crypto.RSAPublicKey{{}}})
	assert.Error(t, err)
	_, err = New(Options{Transport: pipe, Schema: s})
	assert.ErrorIs(t, err, errs.ErrHandshakeFailed)
}

func TestInvokeRetriesTimedOutAttempt(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)

	args := map[string]schema.Value{"id": schema.Long(7)}
	body, err := f.codec.EncodeMethod("users.getUser", args)
	require.NoError(t, err)
	attempts := func() []int64 {
		var ids []int64
		for _, r := range f.srv.Received() {
			if string(r.Body) == string(body) {
				ids = append(ids, r.MsgID)
			}
		}
		return ids
	}

	f.srv.SetSilent(true)
	call := f.client.Go(testCtx(t), "users.getUser", args, InvokeOptions{Timeout: 200 * time.Millisecond, Retries: 2})
	require.Eventually(t, func() bool { return len(attempts()) == 1 }, 5*time.Second, 5*time.Millisecond)
	f.srv.SetSilent(false)

	v, err := call.Result()
	require.NoError(t, err)
	assert.Equal(t, schema.Long(7), v.(*schema.Object).Fields["id"])

	ids := attempts()
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])
}

func TestInvokeTimeoutWithoutRetries(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, err := f.getUser(testCtx(t), 1)
	require.NoError(t, err)

	f.srv.SetSilent(true)
	_, err = f.client.Invoke(testCtx(t), "users.getUser", map[string]schema.Value{"id": schema.Long(8)},
		InvokeOptions{Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, errs.ErrTimeout)
}
