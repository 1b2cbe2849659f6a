package realtime

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang/glog"
)

// session keys are opaque platform handles, length bounded
var sessionKeyRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

type ConnectionState string

const (
	ConnectionStateDisconnected   ConnectionState = "disconnected"
	ConnectionStateConnecting     ConnectionState = "connecting"
	ConnectionStateAuthenticating ConnectionState = "authenticating"
	ConnectionStateConnected      ConnectionState = "connected"
	// degraded means the connection dropped and a reconnect is scheduled
	ConnectionStateDegraded ConnectionState = "degraded"
)

func (self ConnectionState) IsValid() bool {
	switch self {
	case ConnectionStateDisconnected,
		ConnectionStateConnecting,
		ConnectionStateAuthenticating,
		ConnectionStateConnected,
		ConnectionStateDegraded:
		return true
	default:
		return false
	}
}

func (self ConnectionState) IsTerminal() bool {
	return self == ConnectionStateDisconnected
}

type ConnectionManagerSettings struct {
	PlatformUrl string
	// DialFunc overrides the websocket dialer, for tests and loopback
	DialFunc   SocketDialFunc
	WsSettings *WsSocketSettings

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	// StaleAfter is how long the connection may go without any inbound
	// frame before it is torn down and redialed. The check runs on its
	// own coarser timer.
	StaleAfter             time.Duration
	StalenessCheckInterval time.Duration

	ReconnectBackoffBase       time.Duration
	ReconnectBackoffMultiplier float64
	MaxReconnectAttempts       int

	ConnectAttemptLimit  int
	ConnectAttemptWindow time.Duration

	MaxConnectionErrors int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	heartbeatInterval := 30 * time.Second
	return &ConnectionManagerSettings{
		WsSettings:                 DefaultWsSocketSettings(),
		AuthTimeout:                5 * time.Second,
		HeartbeatInterval:          heartbeatInterval,
		StaleAfter:                 2 * heartbeatInterval,
		StalenessCheckInterval:     60 * time.Second,
		ReconnectBackoffBase:       3 * time.Second,
		ReconnectBackoffMultiplier: 1.5,
		MaxReconnectAttempts:       10,
		ConnectAttemptLimit:        10,
		ConnectAttemptWindow:       60 * time.Second,
		MaxConnectionErrors:        64,
	}
}

// backoffDelay returns the reconnect delay after `attempts` consecutive
// failures. The schedule is base * multiplier^attempts.
func backoffDelay(settings *ConnectionManagerSettings, attempts int) time.Duration {
	delay := float64(settings.ReconnectBackoffBase)
	for i := 0; i < attempts; i += 1 {
		delay = delay * settings.ReconnectBackoffMultiplier
	}
	return time.Duration(delay)
}

// ConnectionManager owns the raw socket to the platform: dial, session
// auth, heartbeat, staleness detection, and reconnect with exponential
// backoff. Inbound update frames fan out to receive callbacks.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ConnectionManagerSettings
	dial     SocketDialFunc

	attemptLimiter *RateLimiter

	receiveCallbacks *CallbackList[func(*SocketMessage)]
	stateCallbacks   *CallbackList[func(ConnectionState)]

	stateLock         sync.Mutex
	sessionKey        string
	sessionToken      string
	state             ConnectionState
	conn              SocketConn
	connectionId      string
	reconnectAttempts int
	lastReceiveTime   time.Time
	connectionErrors  []string
	started           bool
}

func NewConnectionManagerWithDefaults(ctx context.Context, platformUrl string) *ConnectionManager {
	settings := DefaultConnectionManagerSettings()
	settings.PlatformUrl = platformUrl
	return NewConnectionManager(ctx, settings)
}

func NewConnectionManager(ctx context.Context, settings *ConnectionManagerSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)

	dial := settings.DialFunc
	if dial == nil {
		wsSettings := settings.WsSettings
		if wsSettings == nil {
			wsSettings = DefaultWsSocketSettings()
		}
		dial = NewWsDialFunc(wsSettings)
	}

	return &ConnectionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		dial:     dial,
		attemptLimiter: NewRateLimiter(&RateLimiterSettings{
			Limit:          settings.ConnectAttemptLimit,
			WindowDuration: settings.ConnectAttemptWindow,
		}),
		receiveCallbacks: NewCallbackList[func(*SocketMessage)](),
		stateCallbacks:   NewCallbackList[func(ConnectionState)](),
		state:            ConnectionStateDisconnected,
	}
}

// Connect validates the session key and starts the connection loop. A
// manager connects once; after Close a new manager must be created.
func (self *ConnectionManager) Connect(sessionKey string) error {
	if !sessionKeyRe.MatchString(sessionKey) {
		return ErrInvalidSessionKey
	}

	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return ErrAlreadyStarted
	}
	self.started = true
	self.sessionKey = sessionKey
	self.stateLock.Unlock()

	go self.run(sessionKey)
	return nil
}

func (self *ConnectionManager) run(sessionKey string) {
	defer func() {
		self.setState(ConnectionStateDisconnected)
		self.cancel()
	}()

	attemptKey := "connection-attempt:" + sessionKey
	attempts := 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if allowed, firstDenial := self.attemptLimiter.Check(attemptKey); !allowed {
			if firstDenial {
				glog.Infof("[cm]throttle %s\n", sessionKey)
				self.addError(fmt.Errorf("%w: %s", ErrConnectThrottled, sessionKey))
			}
			// a throttled attempt waits out the backoff without
			// consuming a retry
			if !self.sleep(backoffDelay(self.settings, attempts)) {
				return
			}
			continue
		}

		conn, connectionId, err := self.connect(sessionKey)
		if err != nil {
			glog.Infof("[cm]connect error %s = %s\n", sessionKey, err)
			self.addError(err)

			if self.settings.MaxReconnectAttempts <= attempts {
				glog.Infof("[cm]give up %s\n", sessionKey)
				self.addError(fmt.Errorf("%w: %s", ErrMaxAttemptsReached, sessionKey))
				return
			}
			attempts += 1
			self.setReconnectAttempts(attempts)
			self.setState(ConnectionStateDegraded)
			if !self.sleep(backoffDelay(self.settings, attempts)) {
				return
			}
			continue
		}

		attempts = 0
		self.setReconnectAttempts(0)
		self.setConnected(conn, connectionId)
		self.setState(ConnectionStateConnected)
		glog.Infof("[cm]connected %s (%s)\n", sessionKey, connectionId)

		self.runConnection(conn)
		self.clearConnected()

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(ConnectionStateDegraded)
		if !self.sleep(self.settings.ReconnectBackoffBase) {
			return
		}
	}
}

// connect dials the platform and runs the session auth handshake.
func (self *ConnectionManager) connect(sessionKey string) (SocketConn, string, error) {
	self.setState(ConnectionStateConnecting)

	conn, err := self.dial(self.ctx, self.settings.PlatformUrl)
	if err != nil {
		return nil, "", err
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	self.setState(ConnectionStateAuthenticating)

	// a fresh connection id per attempt
	connectionId := NewId().String()

	if err := conn.Send(&SocketMessage{
		Type:         SocketMessageTypeAuth,
		SessionKey:   sessionKey,
		ConnectionId: connectionId,
	}); err != nil {
		return nil, "", err
	}

	type receiveResult struct {
		message *SocketMessage
		err     error
	}
	result := make(chan receiveResult, 1)
	go func() {
		message, err := conn.Receive()
		result <- receiveResult{
			message: message,
			err:     err,
		}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return nil, "", r.err
		}
		switch r.message.Type {
		case SocketMessageTypeAuthOk:
			self.setSessionToken(r.message.Token)
			success = true
			return conn, connectionId, nil
		case SocketMessageTypeAuthErr:
			return nil, "", fmt.Errorf("%w: %s", ErrAuthRejected, r.message.Error)
		default:
			return nil, "", fmt.Errorf("%w: unexpected %s reply", ErrAuthRejected, r.message.Type)
		}
	case <-time.After(self.settings.AuthTimeout):
		return nil, "", ErrAuthTimeout
	case <-self.ctx.Done():
		return nil, "", self.ctx.Err()
	}
}

// runConnection pumps one established connection until it drops, goes
// stale, or the manager closes.
func (self *ConnectionManager) runConnection(conn SocketConn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()
	defer conn.Close()

	sessionKey := self.SessionKey()

	go func() {
		defer handleCancel()

		for {
			message, err := conn.Receive()
			if err != nil {
				glog.Infof("[cm]%s<- error = %s\n", sessionKey, err)
				return
			}
			self.touchReceive(time.Now())

			switch message.Type {
			case SocketMessageTypePing:
				conn.Send(&SocketMessage{Type: SocketMessageTypePong})
			case SocketMessageTypePong:
				glog.V(2).Infof("[cm]pong %s<-\n", sessionKey)
			case SocketMessageTypeUpdate:
				glog.V(2).Infof("[cm]%s<-\n", sessionKey)
				for _, receiveCallback := range self.receiveCallbacks.Get() {
					receiveCallback := receiveCallback
					HandleCallback("cm", func() {
						receiveCallback(message)
					})
				}
			default:
				glog.V(2).Infof("[cm]other=%s %s<-\n", message.Type, sessionKey)
			}
		}
	}()

	go func() {
		defer handleCancel()

		ticker := time.NewTicker(self.settings.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Send(&SocketMessage{Type: SocketMessageTypePing}); err != nil {
					glog.Infof("[cm]ping %s-> error = %s\n", sessionKey, err)
					return
				}
				glog.V(2).Infof("[cm]ping %s->\n", sessionKey)
			}
		}
	}()

	go func() {
		defer handleCancel()

		ticker := time.NewTicker(self.settings.StalenessCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case t := <-ticker.C:
				if self.staleAt(t) {
					glog.Infof("[cm]stale %s\n", sessionKey)
					self.addError(fmt.Errorf("%w: %s", ErrStaleConnection, sessionKey))
					return
				}
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

// Send writes one frame upstream. The manager must be connected.
func (self *ConnectionManager) Send(message *SocketMessage) error {
	self.stateLock.Lock()
	conn := self.conn
	state := self.state
	self.stateLock.Unlock()

	if conn == nil || state != ConnectionStateConnected {
		return ErrNotConnected
	}
	return conn.Send(message)
}

func (self *ConnectionManager) AddReceiveCallback(receiveCallback func(*SocketMessage)) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddStateChangeCallback(stateChangeCallback func(ConnectionState)) func() {
	callbackId := self.stateCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(2).Infof("[cm]state = %s\n", state)
	for _, stateChangeCallback := range self.stateCallbacks.Get() {
		stateChangeCallback := stateChangeCallback
		HandleCallback("cm", func() {
			stateChangeCallback(state)
		})
	}
}

func (self *ConnectionManager) setConnected(conn SocketConn, connectionId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conn = conn
	self.connectionId = connectionId
	self.lastReceiveTime = time.Now()
}

func (self *ConnectionManager) clearConnected() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conn = nil
	self.connectionId = ""
}

func (self *ConnectionManager) setReconnectAttempts(attempts int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectAttempts = attempts
}

func (self *ConnectionManager) setSessionToken(sessionToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessionToken = sessionToken
}

func (self *ConnectionManager) touchReceive(receiveTime time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastReceiveTime = receiveTime
}

func (self *ConnectionManager) staleAt(checkTime time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.settings.StaleAfter < checkTime.Sub(self.lastReceiveTime)
}

func (self *ConnectionManager) addError(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.settings.MaxConnectionErrors <= len(self.connectionErrors) {
		self.connectionErrors = self.connectionErrors[1:]
	}
	self.connectionErrors = append(self.connectionErrors, err.Error())
}

func (self *ConnectionManager) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) ConnectionId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionId
}

func (self *ConnectionManager) SessionKey() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionKey
}

// SessionToken returns the token issued by the platform on the most
// recent successful handshake.
func (self *ConnectionManager) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionToken
}

func (self *ConnectionManager) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempts
}

func (self *ConnectionManager) LastReceiveTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastReceiveTime
}

// ConnectionErrors returns the most recent connection errors, oldest
// first. The list is bounded.
func (self *ConnectionManager) ConnectionErrors() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	errors := make([]string, len(self.connectionErrors))
	copy(errors, self.connectionErrors)
	return errors
}

// sleep waits for the duration unless the manager closes first.
func (self *ConnectionManager) sleep(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-self.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (self *ConnectionManager) Close() {
	self.cancel()
}
