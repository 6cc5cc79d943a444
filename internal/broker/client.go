package broker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tenzoki/relaybroker/internal/logging"
)

// defaultSubscribe is the channel set a Client asks the broker for once the
// overlay handshake completes, used when Client.SubscribedItems is nil.
var defaultSubscribe = []string{"idle", "assign", "capacity"}

// Client is a relay session that speaks the broker's overlay protocol: it
// logs in under a chat name, performs the overlay handshake with a named
// broker peer, and tracks outstanding tasks through confirmation,
// assignment, and completion.
//
// One background goroutine reads relay frames and advances task state; the
// public methods (Request, Terminate, WaitUntil) may be called concurrently
// from any number of goroutines.
type Client struct {
	SubscribedItems []string // channels to subscribe to after handshake; defaults used at that point if nil

	conn   net.Conn
	broker string
	hooks  Hooks
	log    *logging.Logger

	nameMu   sync.RWMutex
	selfName string

	taskMu      sync.Mutex
	unconfirmed []*Task
	accepted    map[uint64]*Task

	waitMu   sync.Mutex
	waitCond *sync.Cond

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a Client that will identify itself as name (or accept a
// ticketed name from the relay if name is empty) and address overlay traffic
// to the peer registered as broker. hooks may be nil, in which case
// DefaultHooks{} is used.
func NewClient(name, broker string, hooks Hooks, log *logging.Logger) *Client {
	if hooks == nil {
		hooks = DefaultHooks{}
	}
	if log == nil {
		log = logging.Default()
	}
	c := &Client{
		selfName: name,
		broker:   broker,
		hooks:    hooks,
		log:      log,
		accepted: make(map[uint64]*Task),
		done:     make(chan struct{}),
	}
	c.waitCond = sync.NewCond(&c.waitMu)
	return c
}

// Name returns the client's current relay-registered name.
func (c *Client) Name() string {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()
	return c.selfName
}

func (c *Client) setName(name string) {
	c.nameMu.Lock()
	c.selfName = name
	c.nameMu.Unlock()
}

// Connect dials the relay at addr, sends the relay-level login handshake
// (protocol version then name), and starts the background read loop. As
// resolved for this client, dialTimeout bounds only the TCP dial; the
// subsequent name/protocol handshake with the broker happens asynchronously
// and is observed through Hooks, not through Connect's return.
func (c *Client) Connect(addr string, dialTimeout time.Duration) error {
	if c.conn != nil {
		return nil
	}

	var conn net.Conn
	var err error
	if dialTimeout > 0 {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}
	c.conn = conn
	c.log.Printf("connected to %s", addr)

	go c.readLoop()

	c.writeRaw("protocol 0")
	if name := c.Name(); name != "" {
		c.writeRaw("name " + name)
	} else {
		c.writeRaw("name")
	}
	return nil
}

// Disconnect closes the relay connection and waits for the read loop to
// exit. Waiters are not woken by it; those with a deadline return when it
// passes.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.log.Printf("disconnecting...")
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
	<-c.done
	c.log.Printf("disconnected")
}

// fatal closes the connection in response to a handshake rejection, a
// non-EOF read error or a write error. It must not block on c.done (the
// caller may be the read-loop goroutine), so the wait Disconnect performs is
// skipped here.
func (c *Client) fatal(format string, args ...interface{}) {
	c.log.Printf(format, args...)
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Request submits a new task to the broker and, unless waitState is below
// Unconfirmed, blocks until the task reaches waitState or timeout elapses
// (timeout of zero waits forever).
func (c *Client) Request(command, options string, waitState State, timeout time.Duration) *Task {
	task := newTask(command)

	c.taskMu.Lock()
	c.unconfirmed = append(c.unconfirmed, task)
	c.taskMu.Unlock()

	payload := stringifyRequest(command, options)
	c.asyncOutput(payload, true)
	c.log.Printf("%s has been sent", payload)

	if waitState < Unconfirmed {
		return task
	}
	return c.WaitUntil(task, waitState, timeout)
}

// Terminate asks the broker to cancel task and waits until it reaches
// Terminated or timeout elapses.
func (c *Client) Terminate(task *Task, timeout time.Duration) *Task {
	id := task.ID()
	c.asyncOutput(fmt.Sprintf("terminate %d", id), true)
	c.log.Printf("terminate %d has been sent", id)
	return c.WaitUntil(task, Terminated, timeout)
}

// WaitUntil blocks until task.State() >= state or timeout elapses (zero
// means wait forever), then returns task regardless of which occurred.
func (c *Client) WaitUntil(task *Task, state State, timeout time.Duration) *Task {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	if timeout <= 0 {
		c.log.Printf("wait for request '%s' becomes %s", task, state)
		for task.State() < state {
			c.waitCond.Wait()
		}
	} else {
		c.log.Printf("wait for request '%s' becomes %s with at most %s", task, state, timeout)
		deadline := time.Now().Add(timeout)
		for task.State() < state && time.Now().Before(deadline) {
			c.waitWithDeadline(deadline)
		}
	}

	if task.State() >= state {
		c.log.Printf("stop waiting, '%s' has become %s", task, task.State())
	} else {
		c.log.Printf("timed out, '%s' has not become %s", task, state)
	}
	return task
}

// waitWithDeadline waits on the condition variable, but no longer than until
// deadline; sync.Cond has no native deadline support, so a timer goroutine
// wakes every waiter and lets the caller's loop re-check the clock.
func (c *Client) waitWithDeadline(deadline time.Time) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	timer := time.AfterFunc(remaining, func() {
		c.waitMu.Lock()
		c.waitCond.Broadcast()
		c.waitMu.Unlock()
	})
	defer timer.Stop()
	c.waitCond.Wait()
}

func (c *Client) notifyAllWaits() {
	c.waitMu.Lock()
	c.waitCond.Broadcast()
	c.waitMu.Unlock()
}

// asyncOutput writes payload as a relay line, prefixed "<broker> << " when
// toBroker is true.
func (c *Client) asyncOutput(payload string, toBroker bool) {
	if toBroker {
		c.writeRaw(c.broker + " << " + payload)
		c.log.Debugf("output '%s' to broker", payload)
		return
	}
	c.writeRaw(payload)
	c.log.Debugf("output '%s'", payload)
}

// writeRaw serializes writes across every caller (request-issuing goroutines
// and the read loop's own reply traffic) so two lines can never interleave on
// the wire.
func (c *Client) writeRaw(line string) {
	if c.conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.onWriteError(line, err)
	}
}

func (c *Client) onWriteError(line string, err error) {
	c.fatal("unexpected socket write error on %q: %v", line, err)
}

func (c *Client) readLoop() {
	defer close(c.done)
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && err == nil {
			c.handleInput(line[:len(line)-1])
			continue
		}
		if err != nil {
			c.onReadError(err)
			return
		}
	}
}

func (c *Client) onReadError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.log.Printf("socket input stream closed: %v", err)
		return
	}
	c.fatal("unexpected socket read error: %v", err)
}

// handleInput dispatches one complete relay line: a chat frame from another
// session, a '%' system reply, or a '#' system notification.
func (c *Client) handleInput(input string) {
	switch {
	case strings.HasPrefix(input, "% "):
		c.handleSystemReply(input[2:])
	case strings.HasPrefix(input, "# "):
		c.log.Debugf("ignore notification '%s'", input[2:])
	default:
		if m := reMessageFrom.FindStringSubmatch(input); m != nil {
			c.handleMessageFrom(m[1], m[2])
		}
	}
}

func (c *Client) handleSystemReply(message string) {
	switch {
	case strings.HasPrefix(message, "name"):
		idx := strings.IndexByte(message, ' ')
		name := ""
		if idx >= 0 {
			name = message[idx+1:]
		}
		name = strings.TrimPrefix(name, ": ")
		c.setName(name)
		c.log.Printf("confirmed client name %s from relay", name)
		c.log.Printf("send handshake to %s...", c.broker)
		c.asyncOutput("use protocol 0", true)
	case strings.HasPrefix(message, "failed"):
		c.fatal("unexpected relay handshake error: %s", message)
	}
}

func (c *Client) handleMessageFrom(sender, message string) {
	if sender != c.broker {
		c.log.Debugf("ignore message '%s' from %s", message, sender)
		return
	}

	switch {
	case reConfirmRequest.MatchString(message):
		c.handleConfirmRequest(reConfirmRequest.FindStringSubmatch(message))
	case reResponse.MatchString(message):
		c.handleResponse(reResponse.FindStringSubmatch(message))
	case reNotifyAssign.MatchString(message):
		c.handleNotifyAssign(reNotifyAssign.FindStringSubmatch(message))
	case reNotifyState.MatchString(message):
		c.handleNotifyState(reNotifyState.FindStringSubmatch(message))
	case reNotifyCapacity.MatchString(message):
		c.handleNotifyCapacity(reNotifyCapacity.FindStringSubmatch(message))
	case reConfirmProto.MatchString(message):
		c.handleConfirmProto(reConfirmProto.FindStringSubmatch(message))
	default:
		c.log.Debugf("ignore message '%s' from %s", message, sender)
	}
}

func (c *Client) handleConfirmRequest(m []string) {
	accepted := m[1] == "accept"
	command := m[3]

	var id uint64 = TaskIDNone
	if accepted {
		id, _ = strconv.ParseUint(strings.TrimSpace(m[2]), 10, 64)
	}

	c.taskMu.Lock()
	var task *Task
	idx := -1
	for i, t := range c.unconfirmed {
		if t.command == command {
			task = t
			idx = i
			break
		}
	}
	if task == nil {
		c.taskMu.Unlock()
		c.log.Printf("ignore the confirmation of nonexistent request {%s}", command)
		return
	}
	c.unconfirmed = append(c.unconfirmed[:idx], c.unconfirmed[idx+1:]...)

	task.mu.Lock()
	task.id = id
	task.state = Confirmed
	task.mu.Unlock()

	if accepted {
		c.accepted[id] = task
	}
	c.taskMu.Unlock()

	c.notifyAllWaits()
	c.hooks.OnTaskConfirmed(task, accepted)
	c.log.Printf("confirm %sed request %d {%s}", m[1], id, command)
}

func (c *Client) handleResponse(m []string) {
	id, _ := strconv.ParseUint(m[1], 10, 64)
	codeField := m[2]
	output := m[3]

	c.taskMu.Lock()
	task, ok := c.accepted[id]
	if !ok {
		c.taskMu.Unlock()
		c.log.Printf("ignore the response of nonexistent request %d", id)
		return
	}
	delete(c.accepted, id)
	c.taskMu.Unlock()

	task.mu.Lock()
	if code, err := strconv.Atoi(codeField); err == nil {
		task.code = code
		task.output = output
		task.state = Completed
	} else {
		task.code = -1
		task.output = codeField
		task.state = Terminated
	}
	task.mu.Unlock()
	c.notifyAllWaits()

	accept := c.hooks.OnTaskCompleted(task)
	confirm := "accept"
	if !accept {
		confirm = "reject"
	}
	c.asyncOutput(fmt.Sprintf("%s response %d", confirm, id), true)
	c.log.Printf("%s response %d %s {%s}", confirm, id, codeField, output)

	if !accept {
		task.mu.Lock()
		task.state = Unconfirmed
		task.mu.Unlock()
		c.taskMu.Lock()
		c.unconfirmed = append(c.unconfirmed, task)
		c.taskMu.Unlock()
		c.notifyAllWaits()
	}
}

func (c *Client) handleNotifyAssign(m []string) {
	id, _ := strconv.ParseUint(m[1], 10, 64)
	worker := m[2]

	c.taskMu.Lock()
	task, ok := c.accepted[id]
	c.taskMu.Unlock()
	if !ok {
		c.log.Printf("ignore the confirmation of nonexistent request %d assigned to worker %s", id, worker)
		return
	}

	task.mu.Lock()
	task.output = worker
	task.state = Assigned
	task.mu.Unlock()
	c.notifyAllWaits()

	c.hooks.OnTaskAssigned(task, worker)
	c.log.Printf("confirm request %d assigned to worker %s", id, worker)
}

func (c *Client) handleNotifyState(m []string) {
	worker, state := m[1], m[2]
	if state == "idle" {
		c.hooks.OnIdleWorker(worker)
	} else {
		c.hooks.OnBusyWorker(worker)
	}
	c.log.Printf("confirm worker %s is %s", worker, state)
}

func (c *Client) handleNotifyCapacity(m []string) {
	capacity, _ := strconv.ParseUint(m[1], 10, 64)
	details := m[2]
	c.hooks.OnCapacityChanged(capacity, details)
	c.log.Printf("confirm capacity %d with '%s'", capacity, details)
}

func (c *Client) handleConfirmProto(m []string) {
	accepted := m[1] == "accept"
	if !accepted {
		c.fatal("unexpected overlay handshake error: %s", m[2])
		return
	}
	c.log.Printf("handshake with %s successfully", c.broker)

	subscribe := c.SubscribedItems
	if subscribe == nil {
		subscribe = defaultSubscribe
	}
	for _, item := range subscribe {
		c.asyncOutput("subscribe "+item, true)
	}
}

// Send forwards an arbitrary line to the relay, prefixed "<broker> << " when
// toBroker is true. It is used by the line-forwarding CLI driver to relay
// raw standard input.
func (c *Client) Send(line string, toBroker bool) {
	c.asyncOutput(line, toBroker)
}
