package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/jobserver/internal/job"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []written
}

type written struct {
	kind int
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, written{kind: kind, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// frameTypes returns the type of every text frame plus "<close>" for close
// frames.
func (c *fakeConn) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		switch w.kind {
		case websocket.CloseMessage:
			out = append(out, "<close>")
		case websocket.TextMessage:
			var m struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(w.data, &m)
			out = append(out, m.Type)
		}
	}
	return out
}

type waitSpec struct {
	job.BaseSpec
}

// newJob returns a started job that emits one progress event and completes
// once proceed is closed.
func newJob(t *testing.T, proceed <-chan struct{}) *job.Job {
	t.Helper()
	reg := job.NewRegistry(nil, nil)
	job.MustRegister(reg, "wait", func(ctx context.Context, _ waitSpec, j *job.Job, _ job.Pool) (any, error) {
		<-proceed
		j.Progress(50, "half")
		return "ok", nil
	})
	def, _ := reg.Lookup("wait")
	j := job.New("job-1", waitSpec{BaseSpec: job.BaseSpec{Type: "wait"}}, def, nil)
	j.Start(context.Background(), nil, 0)
	return j
}

func startHub(t *testing.T, grace time.Duration) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(grace, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func serve(hub *Hub, conn Conn, j *job.Job) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.HandleConnection(conn, j)
	}()
	return done
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestHub_StreamsEventsThenCloses(t *testing.T) {
	hub, _ := startHub(t, 10*time.Millisecond)
	proceed := make(chan struct{})
	j := newJob(t, proceed)
	conn := newFakeConn()

	done := serve(hub, conn, j)
	require.Eventually(t, func() bool { return len(conn.frameTypes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return hub.ClientCount("job-1") == 1 }, time.Second, 5*time.Millisecond)

	close(proceed)
	waitClosed(t, done)

	assert.Equal(t, []string{"status", "progress", "complete", "<close>"}, conn.frameTypes())
	assert.Eventually(t, func() bool { return hub.ClientCount("job-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_FinishedJobGetsStatusAndClose(t *testing.T) {
	hub, _ := startHub(t, 0)
	proceed := make(chan struct{})
	close(proceed)
	j := newJob(t, proceed)
	<-j.Done()

	conn := newFakeConn()
	waitClosed(t, serve(hub, conn, j))

	assert.Equal(t, []string{"status", "<close>"}, conn.frameTypes())
}

func TestHub_PingPongAndClientClose(t *testing.T) {
	hub, _ := startHub(t, time.Second)
	j := newJob(t, make(chan struct{}))
	conn := newFakeConn()

	done := serve(hub, conn, j)
	conn.in <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool { return len(conn.frameTypes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"status", "pong"}, conn.frameTypes())

	conn.in <- []byte("close")
	waitClosed(t, done)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, stop := startHub(t, time.Second)
	j := newJob(t, make(chan struct{}))
	conn := newFakeConn()

	done := serve(hub, conn, j)
	require.Eventually(t, func() bool { return hub.ClientCount("job-1") == 1 }, time.Second, 5*time.Millisecond)

	stop()
	waitClosed(t, done)
	assert.Equal(t, "<close>", conn.frameTypes()[len(conn.frameTypes())-1])

	// Registration is refused once the hub has stopped.
	late := newFakeConn()
	waitClosed(t, serve(hub, late, j))
	assert.Equal(t, []string{"<close>"}, late.frameTypes())
}

// gatedConn holds every write until gate is closed.
type gatedConn struct {
	*fakeConn
	gate chan struct{}
}

func (c *gatedConn) WriteMessage(kind int, data []byte) error {
	<-c.gate
	return c.fakeConn.WriteMessage(kind, data)
}

func TestHub_TerminalFrameSurvivesFullBuffer(t *testing.T) {
	hub, _ := startHub(t, time.Millisecond)

	proceed := make(chan struct{})
	reg := job.NewRegistry(nil, nil)
	job.MustRegister(reg, "chatty", func(ctx context.Context, _ waitSpec, j *job.Job, _ job.Pool) (any, error) {
		<-proceed
		for iter := 0; iter < 2*sendBufferSize; iter++ {
			j.Info("tick")
		}
		return "ok", nil
	})
	def, _ := reg.Lookup("chatty")
	j := job.New("job-2", waitSpec{BaseSpec: job.BaseSpec{Type: "chatty"}}, def, nil)
	j.Start(context.Background(), nil, 0)

	conn := &gatedConn{fakeConn: newFakeConn(), gate: make(chan struct{})}
	done := serve(hub, conn, j)
	require.Eventually(t, func() bool { return hub.ClientCount("job-2") == 1 }, time.Second, 5*time.Millisecond)

	close(proceed)
	<-j.Done()
	close(conn.gate)
	waitClosed(t, done)

	types := conn.frameTypes()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Less(t, len(types), 2*sendBufferSize+3, "some info frames are dropped")
	assert.Equal(t, []string{"complete", "<close>"}, types[len(types)-2:])
}
