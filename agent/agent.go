package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/elevhost/host"
	"github.com/guseggert/elevhost/protocol"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// ReadLimit bounds a single WebSocket message in either direction.
	ReadLimit = 1 << 20

	requestTimeout = 10 * time.Second
)

// Agent is an HTTP server that runs elevated processes on behalf of its clients.
// The agent requires mTLS for both traffic encryption and authz.
//
// Each WebSocket connection to /session carries one ElevationRequest as its first
// (text) message, and is the duplex pipe of a host.Session after that.
type Agent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	listenAddr  string
	sessionOpts []host.Option

	httpServer *http.Server

	// cancelled on Stop, since hijacked connections outlive http.Server.Close
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error

	mu            sync.Mutex
	sessions      map[string]*host.Session
	lastHeartbeat time.Time
	wg            sync.WaitGroup
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithSessionOptions are applied to every session the agent hosts.
func WithSessionOptions(opts ...host.Option) Option {
	return func(a *Agent) {
		a.sessionOpts = append(a.sessionOpts, opts...)
	}
}

// NewAgent constructs a new agent.
func NewAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*Agent, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		caCertPEM:  caCertPEM,
		certPEM:    certPEM,
		keyPEM:     keyPEM,
		listenAddr: "127.0.0.1:8080",
		ctx:        ctx,
		cancel:     cancel,
		sessions:   map[string]*host.Session{},
	}
	for _, o := range opts {
		o(a)
	}

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/session", a.session)
	a.httpServer = &http.Server{Handler: router}

	return a, nil
}

// Run runs the agent and returns once the agent has stopped.
func (a *Agent) Run() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	a.logger.Infow("listening", "Addr", tcpListener.Addr().String())
	err = a.httpServer.Serve(tls.NewListener(tcpListener, tlsConfig))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the server, ends every running session and waits for them to finish.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		// under mu, so no session handler can register with wg once Wait begins
		a.mu.Lock()
		a.cancel()
		a.mu.Unlock()
		a.stopErr = a.httpServer.Close()
		a.wg.Wait()
	})
	return a.stopErr
}

// Sessions returns the IDs of the sessions currently running, sorted.
func (a *Agent) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type HeartbeatResponse struct {
	LastHeartbeat string
	Sessions      []SessionStatus
}

type SessionStatus struct {
	ID    string
	State string
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.mu.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	statuses := make([]SessionStatus, 0, len(a.sessions))
	for id, s := range a.sessions {
		statuses = append(statuses, SessionStatus{ID: id, State: s.State().String()})
	}
	a.mu.Unlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })

	response := HeartbeatResponse{Sessions: statuses}
	if !lastHeartbeat.IsZero() {
		response.LastHeartbeat = lastHeartbeat.UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// session hosts one elevated process for the lifetime of a WebSocket connection.
func (a *Agent) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		http.Error(w, "agent stopped", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("session WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	req, err := readElevationRequest(ctx, wsConn)
	if err != nil {
		a.logger.Debugf("rejecting session: %s", err)
		wsConn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	conn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	opts := append([]host.Option{host.WithLogger(a.logger)}, a.sessionOpts...)
	s := host.NewSession(conn, opts...)

	a.mu.Lock()
	a.sessions[s.ID()] = s
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.sessions, s.ID())
		a.mu.Unlock()
	}()

	a.logger.Infow("session accepted", "SessionID", s.ID(), "RemoteAddr", r.RemoteAddr, "FileName", req.FileName)
	res := s.Run(ctx, req)
	a.logger.Infow("session ended", "SessionID", res.SessionID, "Reason", res.Reason, "ExitCode", res.ExitCode, "ExitCodeSent", res.ExitCodeSent)
}

func readElevationRequest(ctx context.Context, conn *websocket.Conn) (protocol.ElevationRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var req protocol.ElevationRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		return req, fmt.Errorf("reading elevation request: %w", err)
	}
	if req.FileName == "" {
		return req, errors.New("request contained no file name")
	}
	return req, nil
}
