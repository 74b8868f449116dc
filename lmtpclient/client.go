/*
Package lmtpclient implements a pipelined LMTP/SMTP submission client that delivers a single mail message to a remote
server on behalf of many recipients, and reports per-recipient acceptance and delivery outcome through caller-supplied
callbacks.

The client pipelines its commands: the greeting command and MAIL FROM go out back-to-back as soon as the server greets,
and RCPT TO commands for all known recipients are flushed without waiting for individual replies. During the DATA
phase the message body is streamed with CR/LF normalisation and leading-dot escaping. In LMTP the server answers the
message body with one reply per accepted recipient; in SMTP a single reply covers all of them.
*/
package lmtpclient

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/dmitrifedorov/maildeliver/lalog"
)

// Protocol selects the variant of the mail submission dialect spoken by the client.
type Protocol int

const (
	// ProtocolLMTP greets with LHLO and expects one DATA reply per accepted recipient.
	ProtocolLMTP Protocol = iota
	// ProtocolSMTP greets with EHLO and expects a single DATA reply covering all recipients.
	ProtocolSMTP
)

func (protocol Protocol) String() string {
	switch protocol {
	case ProtocolLMTP:
		return "LMTP"
	case ProtocolSMTP:
		return "SMTP"
	default:
		return fmt.Sprintf("Protocol(%d)", int(protocol))
	}
}

const (
	// TempFailureLine is the canned reply line used to resolve outstanding recipients when the remote server cannot
	// be reached or the connection drops. A suffix such as " (connect)" names the failed stage.
	TempFailureLine = "451 4.4.0 Remote server not answering"
	// lineTooLongFailure resolves outstanding recipients when the server sends a reply line beyond MaxReplyLineLen.
	lineTooLongFailure = "500 Reply line too long"
)

/*
CallbackFunc is invoked once to report the outcome of a protocol step for a single recipient. The reply line is the
full text of the server's final reply line (reply code included), or a synthesised line when the session failed as a
whole. Callbacks must not retain the line beyond the call. A callback may add further recipients or close the client.
*/
type CallbackFunc func(success bool, line string, ctx interface{})

type sessionState int

const (
	stateGreet sessionState = iota
	stateHello
	stateMailFrom
	stateRcptTo
	stateDataContinue
	stateData
)

type recipient struct {
	address        string
	rcptToCallback CallbackFunc
	dataCallback   CallbackFunc
	context        interface{}

	dataCalled bool
	failed     bool
}

// pendingCallback is a recipient callback bound to its arguments, collected under the client mutex and fired after
// the mutex is released, so that callbacks may re-enter the client.
type pendingCallback struct {
	fn      CallbackFunc
	success bool
	line    string
	ctx     interface{}
}

func runCallbacks(calls []pendingCallback) {
	for _, call := range calls {
		if call.fn != nil {
			call.fn(call.success, call.line, call.ctx)
		}
	}
}

/*
Client delivers one mail message to one remote LMTP or SMTP server. Construct it with NewClient, add recipients, hand
over the message body with Send, and connect. Recipients may be added before or after the connection is made, even
from within callbacks.

All of the client's protocol work happens on a single reader goroutine, therefore callbacks are invoked sequentially
and in recipient insertion order within each protocol phase. The exported methods may be called from any goroutine.
*/
type Client struct {
	// IOTimeout optionally bounds each socket read and write operation. Zero means the operating system's own limits
	// apply. Set it before connecting.
	IOTimeout time.Duration

	mailFrom   string
	myHostname string
	protocol   Protocol
	host       string
	port       int

	logger  lalog.Logger
	beganAt time.Time

	mutex      sync.Mutex
	started    bool
	closed     bool
	completed  bool
	state      sessionState
	conn       net.Conn
	reader     *replyReader
	output     *bufio.Writer
	recipients []*recipient
	// The three cursors only ever advance, and sendIdx >= receiveIdx >= dataIdx holds throughout.
	sendIdx    int
	receiveIdx int
	dataIdx    int

	bodyInput    io.Reader
	bodyReadBuf  []byte
	bodyPending  []byte
	bodyEOF      bool
	bodyFinished bool
	outputLast   byte

	globalFailure string
}

// NewClient returns a client that will deliver mail on behalf of the sender envelope. The sender must carry its own
// angle brackets (e.g. "<user@example.com>" or "<>"), and myHostname is announced in the LHLO/EHLO greeting.
func NewClient(mailFrom, myHostname string) (*Client, error) {
	if len(mailFrom) == 0 || mailFrom[0] != '<' {
		return nil, fmt.Errorf("lmtpclient.NewClient: sender envelope \"%s\" must begin with an angle bracket", mailFrom)
	}
	if myHostname == "" {
		return nil, fmt.Errorf("lmtpclient.NewClient: my hostname must not be empty")
	}
	return &Client{
		mailFrom:   mailFrom,
		myHostname: myHostname,
		state:      stateGreet,
		logger:     lalog.Logger{ComponentName: "lmtpclient"},
	}, nil
}

/*
ConnectTCP begins delivering to the server at the IP address and port. The host must be an IP literal - resolving a
server name (or MX record) is the caller's job. A malformed address is reported synchronously; failure to connect is
reported asynchronously by resolving every recipient callback with the canned connect-failure line.
*/
func (client *Client) ConnectTCP(protocol Protocol, host string, port int) error {
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("lmtpclient.ConnectTCP: \"%s\" is not an IP address", host)
	}
	client.mutex.Lock()
	if client.started {
		client.mutex.Unlock()
		return fmt.Errorf("lmtpclient.ConnectTCP: the client has already connected")
	}
	client.started = true
	client.protocol = protocol
	client.host = host
	client.port = port
	client.beganAt = time.Now()
	client.logger = lalog.Logger{
		ComponentName: "lmtpclient",
		ComponentID:   []lalog.LoggerIDField{{Key: "Remote", Value: net.JoinHostPort(host, strconv.Itoa(port))}},
	}
	client.mutex.Unlock()
	promSessionsStarted.WithLabelValues(protocol.String()).Inc()
	go client.dialAndRun()
	return nil
}

/*
RunOn begins delivering over an already-established connection, for callers that manage their own transport. It
returns immediately; the session is driven by an internal goroutine until completion, failure, or Close.
*/
func (client *Client) RunOn(protocol Protocol, conn net.Conn) {
	client.mutex.Lock()
	if client.started {
		client.mutex.Unlock()
		return
	}
	client.started = true
	client.protocol = protocol
	client.beganAt = time.Now()
	client.logger = lalog.Logger{
		ComponentName: "lmtpclient",
		ComponentID:   []lalog.LoggerIDField{{Key: "Remote", Value: fmt.Sprint(conn.RemoteAddr())}},
	}
	client.attachLocked(conn)
	client.mutex.Unlock()
	promSessionsStarted.WithLabelValues(protocol.String()).Inc()
	go client.readLoop()
}

func (client *Client) dialAndRun() {
	addr := net.JoinHostPort(client.host, strconv.Itoa(client.port))
	var conn net.Conn
	var err error
	if client.IOTimeout > 0 {
		conn, err = net.DialTimeout("tcp", addr, client.IOTimeout)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	client.mutex.Lock()
	if err != nil {
		client.logger.Warning(addr, err, "failed to connect")
		calls := client.failLocked(TempFailureLine + " (connect)")
		client.mutex.Unlock()
		runCallbacks(calls)
		return
	}
	if client.closed {
		client.mutex.Unlock()
		_ = conn.Close()
		return
	}
	client.attachLocked(conn)
	client.mutex.Unlock()
	client.readLoop()
}

func (client *Client) attachLocked(conn net.Conn) {
	client.conn = conn
	client.reader = newReplyReader(conn)
	client.output = bufio.NewWriterSize(conn, 2*OutputHighWaterMark)
}

/*
AddRecipient appends a recipient to the delivery. The address carries no angle brackets. The rcptTo callback fires
exactly once with the outcome of the recipient's RCPT TO command; the data callback fires at most once, with the
outcome of the message delivery or with the failure line if the session fails as a whole first. A recipient rejected at
RCPT TO, or resolved by a session failure before its RCPT TO reply arrived, never receives a data callback.

Recipients added while the RCPT phase is in progress have their RCPT TO pipelined immediately. Recipients added after
the session has failed receive their rcptTo callback synchronously with the failure line.
*/
func (client *Client) AddRecipient(address string, rcptTo, data CallbackFunc, ctx interface{}) {
	client.mutex.Lock()
	rcpt := &recipient{address: address, rcptToCallback: rcptTo, dataCallback: data, context: ctx}
	client.recipients = append(client.recipients, rcpt)
	if client.globalFailure != "" {
		line := client.globalFailure
		rcpt.failed = true
		client.sendIdx = len(client.recipients)
		client.receiveIdx = len(client.recipients)
		client.dataIdx = len(client.recipients)
		client.mutex.Unlock()
		if rcptTo != nil {
			rcptTo(false, line, ctx)
		}
		return
	}
	if client.state == stateRcptTo {
		if err := client.sendRcptsLocked(); err != nil {
			calls := client.failLocked(TempFailureLine + " (disconnected in output)")
			client.mutex.Unlock()
			runCallbacks(calls)
			return
		}
	}
	client.mutex.Unlock()
}

/*
Send supplies the message body. The body is read strictly once, in order. A lazy body producer may return ErrNoDataYet
from Read to make the client yield until SendMore is called. If every RCPT TO reply has already arrived, the client
proceeds to the DATA command immediately; if the session has already failed, the outstanding data callbacks are
resolved synchronously with the failure line.
*/
func (client *Client) Send(body io.Reader) {
	client.mutex.Lock()
	client.bodyInput = body
	if client.globalFailure != "" {
		calls := client.failLocked(client.globalFailure)
		client.mutex.Unlock()
		runCallbacks(calls)
		return
	}
	if client.state == stateRcptTo && client.receiveIdx == len(client.recipients) {
		client.state = stateDataContinue
		if err := client.writeCommandLocked("DATA\r\n"); err != nil {
			calls := client.failLocked(TempFailureLine + " (disconnected in output)")
			client.mutex.Unlock()
			runCallbacks(calls)
			return
		}
	}
	client.mutex.Unlock()
}

// SendMore hints that the body stream may have more bytes available, resuming the DATA writer if it had yielded.
func (client *Client) SendMore() {
	client.mutex.Lock()
	if client.state != stateData || client.globalFailure != "" || client.closed {
		client.mutex.Unlock()
		return
	}
	calls := client.pumpBodyLocked()
	client.mutex.Unlock()
	runCallbacks(calls)
}

/*
Close tears the connection down and releases the body stream. Recipients whose callbacks have not fired receive no
synthesised outcome - drive the session to completion first, or accept the loss.
*/
func (client *Client) Close() {
	client.mutex.Lock()
	client.closed = true
	client.closeLocked()
	client.mutex.Unlock()
}

// closeLocked severs the connection and drops the body stream reference.
func (client *Client) closeLocked() {
	if client.conn != nil {
		_ = client.conn.Close()
	}
	client.bodyInput = nil
	client.bodyPending = nil
}

/*
failLocked resolves the session as a whole: the failure line is latched, every recipient whose RCPT TO reply is still
outstanding gets its rcptTo callback with the line, every recipient that had passed RCPT TO but is still waiting for
its delivery outcome gets its data callback with the line, and the connection is closed. The collected callbacks are
returned for the caller to fire once the mutex is released.
*/
func (client *Client) failLocked(line string) []pendingCallback {
	if client.globalFailure == "" {
		client.globalFailure = line
		promSessionFailures.Inc()
		client.logger.Warning(client.mailFrom, nil, "session failed: %s", lalog.LintString(line, 200))
	}
	var calls []pendingCallback
	for i := client.receiveIdx; i < len(client.recipients); i++ {
		rcpt := client.recipients[i]
		rcpt.failed = true
		calls = append(calls, pendingCallback{rcpt.rcptToCallback, false, line, rcpt.context})
	}
	client.receiveIdx = len(client.recipients)
	if client.sendIdx < client.receiveIdx {
		client.sendIdx = client.receiveIdx
	}
	for i := client.dataIdx; i < len(client.recipients); i++ {
		rcpt := client.recipients[i]
		if !rcpt.failed && !rcpt.dataCalled {
			rcpt.dataCalled = true
			calls = append(calls, pendingCallback{rcpt.dataCallback, false, line, rcpt.context})
		}
	}
	client.dataIdx = len(client.recipients)
	client.closeLocked()
	return calls
}

// writeCommandLocked queues a complete command line and flushes it to the wire.
func (client *Client) writeCommandLocked(command string) error {
	if _, err := client.output.WriteString(command); err != nil {
		return err
	}
	return client.flushLocked()
}

func (client *Client) flushLocked() error {
	if client.IOTimeout > 0 {
		_ = client.conn.SetWriteDeadline(time.Now().Add(client.IOTimeout))
	}
	return client.output.Flush()
}

// sendHandshakeLocked pipelines the greeting command and MAIL FROM in one flush.
func (client *Client) sendHandshakeLocked() error {
	var greeting string
	switch client.protocol {
	case ProtocolSMTP:
		greeting = "EHLO"
	default:
		greeting = "LHLO"
	}
	if _, err := fmt.Fprintf(client.output, "%s %s\r\n", greeting, client.myHostname); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(client.output, "MAIL FROM:%s\r\n", client.mailFrom); err != nil {
		return err
	}
	return client.flushLocked()
}

// sendRcptsLocked pipelines RCPT TO for every recipient that has not been sent yet.
func (client *Client) sendRcptsLocked() error {
	for ; client.sendIdx < len(client.recipients); client.sendIdx++ {
		if _, err := fmt.Fprintf(client.output, "RCPT TO:<%s>\r\n", client.recipients[client.sendIdx].address); err != nil {
			return err
		}
	}
	return client.flushLocked()
}

// readLoop drives the whole session: it parses server replies one by one and reacts to each according to the current
// protocol state, until the session completes, fails, or is closed.
func (client *Client) readLoop() {
	for {
		if client.IOTimeout > 0 {
			_ = client.conn.SetReadDeadline(time.Now().Add(client.IOTimeout))
		}
		line, err := client.reader.Next()
		client.mutex.Lock()
		if client.closed || client.globalFailure != "" {
			client.mutex.Unlock()
			return
		}
		if err != nil {
			failLine := TempFailureLine + " (disconnected)"
			if err == errReplyLineTooLong {
				failLine = lineTooLongFailure
			}
			client.logger.MaybeMinorError(err)
			calls := client.failLocked(failLine)
			client.mutex.Unlock()
			runCallbacks(calls)
			return
		}
		client.mutex.Unlock()
		if done := client.handleReply(line); done {
			return
		}
	}
}

// handleReply reacts to a single reply line. It reports whether the session has reached a terminal state.
func (client *Client) handleReply(line string) (done bool) {
	code, final, valid := parseReplyCode(line)
	client.mutex.Lock()
	if client.closed {
		client.mutex.Unlock()
		return true
	}
	if !valid {
		calls := client.failLocked(line)
		client.mutex.Unlock()
		runCallbacks(calls)
		return true
	}
	if !final {
		// Continuation line of a multiline reply, not of interest.
		client.mutex.Unlock()
		return false
	}
	switch client.state {
	case stateGreet:
		if code != 220 {
			break
		}
		if err := client.sendHandshakeLocked(); err != nil {
			return client.failOutputUnlock()
		}
		client.state = stateHello
		client.mutex.Unlock()
		return false
	case stateHello, stateMailFrom:
		if code != 250 {
			break
		}
		if client.state == stateHello {
			client.state = stateMailFrom
		} else {
			client.state = stateRcptTo
		}
		if err := client.sendRcptsLocked(); err != nil {
			return client.failOutputUnlock()
		}
		client.mutex.Unlock()
		return false
	case stateRcptTo:
		return client.rcptReplyUnlock(line)
	case stateDataContinue:
		if code != 354 {
			break
		}
		client.state = stateData
		// The wire ends with the line break of the DATA command, so a body opening with a dot needs escaping.
		client.outputLast = '\n'
		calls := client.pumpBodyLocked()
		client.mutex.Unlock()
		if calls != nil {
			runCallbacks(calls)
			return true
		}
		return false
	case stateData:
		return client.dataReplyUnlock(line)
	}
	// A reply code that does not belong at this step fails the session with the server's line.
	calls := client.failLocked(line)
	client.mutex.Unlock()
	runCallbacks(calls)
	return true
}

func (client *Client) failOutputUnlock() bool {
	calls := client.failLocked(TempFailureLine + " (disconnected in output)")
	client.mutex.Unlock()
	runCallbacks(calls)
	return true
}

/*
rcptReplyUnlock binds the reply to the next recipient in insertion order and fires its rcptTo callback. Once the last
outstanding RCPT TO reply has arrived and the body is available, the DATA command goes out. Entered with the mutex
held; the mutex is released before the callback fires so that the callback may add recipients, whose RCPT TO commands
then count towards the outstanding total.
*/
func (client *Client) rcptReplyUnlock(line string) (done bool) {
	if client.receiveIdx >= len(client.recipients) {
		// More RCPT replies than recipients.
		calls := client.failLocked(line)
		client.mutex.Unlock()
		runCallbacks(calls)
		return true
	}
	rcpt := client.recipients[client.receiveIdx]
	client.receiveIdx++
	success := line[0] == '2'
	rcpt.failed = !success
	callback, ctx := rcpt.rcptToCallback, rcpt.context
	client.mutex.Unlock()
	if success {
		promRecipientReplies.WithLabelValues("rcpt", "accepted").Inc()
	} else {
		promRecipientReplies.WithLabelValues("rcpt", "rejected").Inc()
	}
	if callback != nil {
		callback(success, line, ctx)
	}
	client.mutex.Lock()
	if client.closed || client.globalFailure != "" {
		client.mutex.Unlock()
		return true
	}
	if client.state == stateRcptTo && client.receiveIdx == len(client.recipients) && client.bodyInput != nil {
		client.state = stateDataContinue
		if err := client.writeCommandLocked("DATA\r\n"); err != nil {
			return client.failOutputUnlock()
		}
	}
	client.mutex.Unlock()
	return false
}

/*
dataReplyUnlock demultiplexes a reply arriving after the message body was sent. In LMTP the server sends one reply per
recipient that passed RCPT TO, in the same order; in SMTP a single reply covers every such recipient at once. Entered
with the mutex held.
*/
func (client *Client) dataReplyUnlock(line string) (done bool) {
	success := line[0] == '2'
	switch client.protocol {
	case ProtocolSMTP:
		if client.dataIdx != 0 {
			// The single aggregate reply has been consumed already.
			calls := client.failLocked(line)
			client.mutex.Unlock()
			runCallbacks(calls)
			return true
		}
		var calls []pendingCallback
		for _, rcpt := range client.recipients {
			if rcpt.failed || rcpt.dataCalled {
				continue
			}
			rcpt.failed = !success
			rcpt.dataCalled = true
			calls = append(calls, pendingCallback{rcpt.dataCallback, success, line, rcpt.context})
		}
		client.dataIdx = len(client.recipients)
		client.mutex.Unlock()
		for range calls {
			client.countDelivery(success)
		}
		runCallbacks(calls)
		client.mutex.Lock()
		client.completeLocked()
		client.mutex.Unlock()
		return true
	default:
		// Recipients rejected at RCPT TO receive no reply of their own.
		for client.dataIdx < len(client.recipients) && client.recipients[client.dataIdx].failed {
			client.dataIdx++
		}
		if client.dataIdx >= len(client.recipients) {
			// A reply with nobody left to bind it to.
			calls := client.failLocked(line)
			client.mutex.Unlock()
			runCallbacks(calls)
			return true
		}
		rcpt := client.recipients[client.dataIdx]
		client.dataIdx++
		rcpt.failed = !success
		rcpt.dataCalled = true
		for client.dataIdx < len(client.recipients) && client.recipients[client.dataIdx].failed && !client.recipients[client.dataIdx].dataCalled {
			client.dataIdx++
		}
		last := client.dataIdx == len(client.recipients)
		callback, ctx := rcpt.dataCallback, rcpt.context
		client.mutex.Unlock()
		client.countDelivery(success)
		if callback != nil {
			callback(success, line, ctx)
		}
		if !last {
			return false
		}
		client.mutex.Lock()
		client.completeLocked()
		client.mutex.Unlock()
		return true
	}
}

func (client *Client) countDelivery(success bool) {
	if success {
		promRecipientReplies.WithLabelValues("data", "accepted").Inc()
	} else {
		promRecipientReplies.WithLabelValues("data", "rejected").Inc()
	}
}

// completeLocked records the bookkeeping of a session that resolved every recipient.
func (client *Client) completeLocked() {
	if client.completed {
		return
	}
	client.completed = true
	var delivered, failed int
	for _, rcpt := range client.recipients {
		if rcpt.failed {
			failed++
		} else {
			delivered++
		}
	}
	duration := time.Since(client.beganAt)
	DurationStats.Trigger(float64(duration.Nanoseconds()))
	promSessionsCompleted.WithLabelValues(client.protocol.String()).Inc()
	summary := fmt.Sprintf("%s %s delivered mail from %s to %d recipients (%d failed) in %dms",
		time.Now().Format("2006-01-02 15:04:05"), client.protocol, client.mailFrom, delivered, failed, duration.Milliseconds())
	LatestDeliveries.Push(summary)
	client.logger.Info(client.mailFrom, nil, "delivered to %d recipients (%d failed)", delivered, failed)
}
