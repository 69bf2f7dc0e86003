// File: endpoint/controller.go
// Package endpoint implements the per-connection controller.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Everything below runs on the driver goroutine. The only state shared with
// producers is behind e.mu (final events, frozen statistics, visible URL)
// or published by closing e.done.

package endpoint

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/eapache/queue"
	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/handshake"
	"github.com/momentics/wsendpoint/protocol"
)

type cmdKind uint8

const (
	cmdSend cmdKind = iota
	cmdClose
	cmdNext
	cmdNextCancel
	cmdSample
	cmdDialDone
	cmdOpeningTimer
	cmdClosingTimer
)

type command struct {
	kind cmdKind

	// cmdSend
	msg       Message
	sendReply chan bool

	// cmdClose
	code       api.CloseCode
	reason     string
	closeReply chan struct{}

	// cmdNext / cmdNextCancel
	nextReply chan nextResult

	// cmdSample
	reset      bool
	statsReply chan api.Statistics

	// cmdDialDone / timers
	gen       int
	transport api.Transport
	err       error
}

type nextResult struct {
	ev  api.Event
	err error
}

// parkedOp is one sender or closer captured before open.
type parkedOp struct {
	isClose    bool
	msg        Message
	sendReply  chan bool
	code       api.CloseCode
	reason     string
	closeReply chan struct{}
}

// Endpoint is one WebSocket connection end. See the package comment for the
// concurrency contract.
type Endpoint struct {
	role   api.Role
	opts   api.Options
	clock  api.Clock
	random api.RandomSource
	dial   DialFunc

	commands chan command
	done     chan struct{}

	mu                sync.Mutex
	final             []api.Event
	finalErr          error
	finalErrDelivered bool
	stats             api.Statistics
	visibleURL        *url.URL

	// Driver-owned state.
	state           api.ReadyState
	url             *url.URL
	result          api.HandshakeResult
	transport       api.Transport
	inFramer        *protocol.InputFramer
	outFramer       *protocol.OutputFramer
	hs              *handshake.Client
	gen             int
	redirects       int
	parked          *queue.Queue
	pending         *queue.Queue
	pendingFront    *api.Event
	waiter          chan nextResult
	openingTimer    api.Timer
	closingTimer    api.Timer
	dialCancel      context.CancelFunc
	didSendClose    bool
	didReceiveClose bool
	openEmitted     bool
	closeEmitted    bool
	sentCloseCode   api.CloseCode
	sentCloseHas    bool
	terminalErr     *api.Error
	openingExpired  bool
}

// run is the driver loop.
func (e *Endpoint) run() {
	for {
		var trEvents <-chan api.TransportEvent
		if e.transport != nil {
			trEvents = e.transport.Events()
		}
		select {
		case cmd := <-e.commands:
			e.handleCommand(cmd)
		case ev, ok := <-trEvents:
			if !ok {
				// Stream drained after EOF or cancel.
				e.transport = nil
				continue
			}
			e.handleTransportEvent(ev)
		}
		if e.state == api.StateClosed {
			e.finish()
			return
		}
	}
}

// finish flushes every outstanding consumer and producer, publishes the
// remaining events, and retires the driver.
func (e *Endpoint) finish() {
	e.stopTimers()
	e.cancelTransport()
	e.flushParked()

	var leftovers []api.Event
	if e.pendingFront != nil {
		leftovers = append(leftovers, *e.pendingFront)
		e.pendingFront = nil
	}
	for e.pending.Length() > 0 {
		leftovers = append(leftovers, e.pending.Remove().(api.Event))
	}

	if e.waiter != nil {
		if len(leftovers) > 0 {
			e.waiter <- nextResult{ev: leftovers[0]}
			leftovers = leftovers[1:]
		} else if e.terminalErr != nil {
			e.waiter <- nextResult{err: e.terminalErr}
			e.terminalErr = nil
		} else {
			e.waiter <- nextResult{err: api.ErrStreamEnded}
		}
		e.waiter = nil
	}

	e.mu.Lock()
	e.final = leftovers
	if e.terminalErr != nil {
		e.finalErr = e.terminalErr
	}
	e.mu.Unlock()

	close(e.done)
}

func (e *Endpoint) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSend:
		e.handleSend(cmd)
	case cmdClose:
		e.handleClose(cmd)
	case cmdNext:
		e.handleNext(cmd)
	case cmdNextCancel:
		e.handleNextCancel(cmd)
	case cmdSample:
		snap := e.stats
		if cmd.reset {
			e.stats = api.Statistics{}
		}
		cmd.statsReply <- snap
	case cmdDialDone:
		e.handleDialDone(cmd)
	case cmdOpeningTimer:
		e.handleOpeningTimer(cmd)
	case cmdClosingTimer:
		e.handleClosingTimer(cmd)
	}
}

// --- send ---

func (e *Endpoint) handleSend(cmd command) {
	switch e.state {
	case api.StateInitialized:
		e.startConnecting()
		e.parked.Add(parkedOp{msg: cmd.msg, sendReply: cmd.sendReply})
	case api.StateConnecting:
		e.parked.Add(parkedOp{msg: cmd.msg, sendReply: cmd.sendReply})
	case api.StateOpen:
		cmd.sendReply <- e.writeMessage(cmd.msg)
	default:
		cmd.sendReply <- false
	}
}

// writeMessage encodes and transmits one application message; the return
// value is the acceptance boolean Send hands back.
func (e *Endpoint) writeMessage(msg Message) bool {
	var fr protocol.Frame
	var text bool
	var size int64
	switch msg.Kind {
	case MessageText:
		fr = protocol.TextFrame(msg.Text)
		text = true
		size = int64(len(msg.Text))
	case MessageBinary:
		fr = protocol.BinaryFrame(msg.Data)
		size = int64(len(msg.Data))
	case MessagePing:
		fr = protocol.PingFrame(msg.Data)
	case MessagePong:
		fr = protocol.PongFrame(msg.Data)
	default:
		return false
	}

	data := msg.Kind == MessageText || msg.Kind == MessageBinary
	compress := false
	if data && e.outFramer.CompressionEnabled() {
		switch msg.Compression {
		case api.CompressAlways:
			compress = true
		case api.CompressAuto:
			if text {
				compress = e.opts.TextAutoCompressionRange.Contains(size)
			} else {
				compress = e.opts.BinaryAutoCompressionRange.Contains(size)
			}
		}
	}

	enc, err := e.outFramer.Encode(fr, compress)
	if err != nil {
		return false
	}
	if err := e.transport.Send(enc.Buffers); err != nil {
		return false
	}
	if data {
		e.stats.Output.CountMessage(text, uint64(size), uint64(enc.PayloadLen), enc.Compressed)
	} else {
		e.stats.Output.ControlFrames++
	}
	return true
}

// writeClose emits a close frame; restricted codes were already normalized.
func (e *Endpoint) writeClose(code api.CloseCode, hasCode bool, reason string) bool {
	if e.transport == nil {
		return false
	}
	enc, err := e.outFramer.Encode(protocol.CloseFrame(code, hasCode, reason), false)
	if err != nil {
		return false
	}
	if err := e.transport.Send(enc.Buffers); err != nil {
		return false
	}
	e.stats.Output.ControlFrames++
	e.didSendClose = true
	e.sentCloseCode, e.sentCloseHas = code, hasCode
	return true
}

// --- close ---

// normalizeClose maps the caller's arguments to wire form: zero means the
// default 1000, restricted codes become "no code".
func normalizeClose(code api.CloseCode) (api.CloseCode, bool) {
	if code == 0 {
		return api.CloseNormalClosure, true
	}
	if code.Restricted() {
		return 0, false
	}
	return code, true
}

func (e *Endpoint) handleClose(cmd command) {
	switch e.state {
	case api.StateInitialized:
		// Never connected: no events, no transport, straight to closed.
		e.state = api.StateClosed
		cmd.closeReply <- struct{}{}
	case api.StateConnecting:
		e.parked.Add(parkedOp{isClose: true, code: cmd.code, reason: cmd.reason, closeReply: cmd.closeReply})
	case api.StateOpen:
		code, hasCode := normalizeClose(cmd.code)
		e.writeClose(code, hasCode, cmd.reason)
		e.state = api.StateClosing
		e.startClosingTimer()
		cmd.closeReply <- struct{}{}
	default:
		cmd.closeReply <- struct{}{}
	}
}

// --- event consumer ---

func (e *Endpoint) handleNext(cmd command) {
	if e.state == api.StateInitialized {
		e.startConnecting()
	}
	if ev, ok := e.popEvent(); ok {
		cmd.nextReply <- nextResult{ev: ev}
		return
	}
	if e.terminalErr != nil {
		cmd.nextReply <- nextResult{err: e.terminalErr}
		e.terminalErr = nil
		e.state = api.StateClosed
		return
	}
	if e.closeEmitted {
		cmd.nextReply <- nextResult{err: api.ErrStreamEnded}
		return
	}
	e.waiter = cmd.nextReply
}

func (e *Endpoint) handleNextCancel(cmd command) {
	if e.waiter == cmd.nextReply {
		e.waiter = nil
	}
	// An event raced into the abandoned reply channel: put it back first
	// in line.
	select {
	case r := <-cmd.nextReply:
		if r.err == nil {
			ev := r.ev
			e.pendingFront = &ev
		}
	default:
	}
	// A consumer canceled mid-handshake poisons the attempt.
	if e.state == api.StateConnecting {
		e.failHandshake(api.NewError(api.ErrCodeCanceled, "event consumer canceled during opening handshake"))
	}
}

func (e *Endpoint) pushEvent(ev api.Event) {
	if ev.Kind == api.EventClose {
		e.closeEmitted = true
	}
	if e.waiter != nil {
		e.waiter <- nextResult{ev: ev}
		e.waiter = nil
		return
	}
	e.pending.Add(ev)
}

func (e *Endpoint) popEvent() (api.Event, bool) {
	if e.pendingFront != nil {
		ev := *e.pendingFront
		e.pendingFront = nil
		return ev, true
	}
	if e.pending.Length() > 0 {
		return e.pending.Remove().(api.Event), true
	}
	return api.Event{}, false
}

// --- connect & handshake ---

func (e *Endpoint) startConnecting() {
	e.state = api.StateConnecting
	e.startOpeningTimer()
	e.dialAttempt()
}

func (e *Endpoint) dialAttempt() {
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.dialCancel = cancel
	u := e.url
	go func() {
		tr, err := e.dial(ctx, u, e.opts)
		cmd := command{kind: cmdDialDone, gen: gen, transport: tr, err: err}
		select {
		case e.commands <- cmd:
		case <-e.done:
			if tr != nil {
				tr.Cancel()
			}
		}
	}()
}

func (e *Endpoint) handleDialDone(cmd command) {
	if cmd.gen != e.gen || e.state != api.StateConnecting {
		if cmd.transport != nil {
			cmd.transport.Cancel()
		}
		return
	}
	if cmd.err != nil {
		e.failHandshake(asAPIError(cmd.err))
		return
	}
	e.transport = cmd.transport

	hs, err := handshake.NewClient(e.url, e.opts, e.random)
	if err != nil {
		e.failHandshake(asAPIError(err))
		return
	}
	e.hs = hs
	req, err := hs.RequestBytes()
	if err != nil {
		e.failHandshake(asAPIError(err))
		return
	}
	if err := e.transport.Send([][]byte{req}); err != nil {
		e.failHandshake(api.WrapError(api.ErrCodeUnexpectedDisconnect, "send upgrade request", err))
		return
	}
}

func asAPIError(err error) *api.Error {
	if ae, ok := err.(*api.Error); ok {
		return ae
	}
	return api.WrapError(api.ErrCodeConnectionFailed, err.Error(), err)
}

// pollHandshake advances the client handshake after new response bytes.
func (e *Endpoint) pollHandshake() {
	outcome := e.hs.Poll()
	switch outcome.Kind {
	case handshake.OutcomePending:
		return
	case handshake.OutcomeReady:
		e.becomeOpen(outcome)
	case handshake.OutcomeRedirect:
		e.followRedirect(outcome.Location)
	case handshake.OutcomeRejected:
		e.failHandshake(outcome.Err)
	case handshake.OutcomeFailed:
		e.failHandshake(outcome.Err)
	}
}

func (e *Endpoint) becomeOpen(outcome handshake.ClientOutcome) {
	e.stopOpeningTimer()
	e.hs = nil
	e.state = api.StateOpen
	e.result = outcome.Result
	e.buildFramers(outcome.Compression)
	e.mu.Lock()
	e.visibleURL = e.url
	e.mu.Unlock()

	e.pushEvent(api.Event{Kind: api.EventOpen, Result: e.result})
	e.openEmitted = true

	if len(outcome.Tail) > 0 {
		e.inFramer.Append(outcome.Tail)
	}
	e.drainParkedOnOpen()
	e.drainInputFrames()
}

// drainParkedOnOpen resumes every sender and closer captured before open,
// in arrival order.
func (e *Endpoint) drainParkedOnOpen() {
	for e.parked.Length() > 0 {
		op := e.parked.Remove().(parkedOp)
		if op.isClose {
			e.handleClose(command{code: op.code, reason: op.reason, closeReply: op.closeReply})
			continue
		}
		if e.state == api.StateOpen {
			op.sendReply <- e.writeMessage(op.msg)
		} else {
			op.sendReply <- false
		}
	}
}

func (e *Endpoint) followRedirect(location string) {
	e.redirects++
	if e.redirects > e.opts.MaximumRedirects {
		e.failHandshake(api.NewError(api.ErrCodeMaximumRedirectsExceeded, location))
		return
	}
	ref, err := url.Parse(location)
	if err != nil {
		e.failHandshake(api.WrapError(api.ErrCodeInvalidRedirectLocation, location, err))
		return
	}
	next := e.url.ResolveReference(ref)
	scheme := strings.ToLower(next.Scheme)
	if scheme != "ws" && scheme != "wss" {
		e.failHandshake(api.NewError(api.ErrCodeInvalidRedirectLocation, next.String()))
		return
	}
	if next.Host == "" {
		e.failHandshake(api.NewError(api.ErrCodeInvalidRedirectLocation, next.String()))
		return
	}
	e.url = next
	e.mu.Lock()
	e.visibleURL = next
	e.mu.Unlock()
	e.hs = nil
	e.cancelTransport()
	e.dialAttempt()
}

// failHandshake records a pre-open terminal error; queued senders observe
// the terminal state rather than an exception.
func (e *Endpoint) failHandshake(err *api.Error) {
	e.stopOpeningTimer()
	e.hs = nil
	e.cancelTransport()
	if e.waiter != nil {
		e.waiter <- nextResult{err: err}
		e.waiter = nil
	} else {
		e.terminalErr = err
	}
	e.state = api.StateClosed
}

// flushParked resolves parked operations against a terminal state.
func (e *Endpoint) flushParked() {
	for e.parked.Length() > 0 {
		op := e.parked.Remove().(parkedOp)
		if op.isClose {
			op.closeReply <- struct{}{}
		} else {
			op.sendReply <- false
		}
	}
}

// --- transport events ---

func (e *Endpoint) handleTransportEvent(ev api.TransportEvent) {
	switch ev.Kind {
	case api.TransportConnected:
		// Informational; the dial result already carried the handle.
	case api.TransportReceived:
		e.handleReceived(ev.Data)
	case api.TransportEOF:
		e.handleEOF()
	case api.TransportViabilityChanged:
		if e.state == api.StateOpen || e.state == api.StateClosing {
			e.pushEvent(api.Event{Kind: api.EventConnectionViability, Flag: ev.Flag})
		}
	case api.TransportBetterPathAvailable:
		if e.state == api.StateOpen || e.state == api.StateClosing {
			e.pushEvent(api.Event{Kind: api.EventBetterConnectionAvailable, Flag: ev.Flag})
		}
	}
}

func (e *Endpoint) handleReceived(data []byte) {
	switch e.state {
	case api.StateConnecting:
		if e.hs == nil {
			return
		}
		e.hs.Append(data)
		e.pollHandshake()
	case api.StateOpen, api.StateClosing:
		e.inFramer.Append(data)
		e.drainInputFrames()
	}
}

func (e *Endpoint) handleEOF() {
	switch e.state {
	case api.StateConnecting:
		if e.hs != nil {
			e.hs.SignalEOF()
			e.pollHandshake()
			if e.state != api.StateConnecting {
				return
			}
		}
		e.failHandshake(api.NewError(api.ErrCodeUnexpectedDisconnect, "connection closed during opening handshake"))
	case api.StateOpen, api.StateClosing:
		e.finalizeClose(api.CloseAbnormalClosure, "The connection closed unexpectedly", false)
	}
}

// --- inbound frames ---

func (e *Endpoint) drainInputFrames() {
	for {
		if e.state != api.StateOpen && e.state != api.StateClosing {
			return
		}
		fr, ok := e.inFramer.Next()
		if !ok {
			return
		}
		e.dispatchFrame(fr)
	}
}

func (e *Endpoint) dispatchFrame(fr protocol.Frame) {
	switch fr.Kind {
	case protocol.FrameText:
		e.stats.Input.CountMessage(true, uint64(fr.PlainBytes), uint64(fr.WireBytes), fr.Compressed)
		e.pushEvent(api.Event{Kind: api.EventText, Text: fr.Text})
	case protocol.FrameBinary:
		e.stats.Input.CountMessage(false, uint64(fr.PlainBytes), uint64(fr.WireBytes), fr.Compressed)
		e.pushEvent(api.Event{Kind: api.EventBinary, Data: fr.Data})
	case protocol.FramePing:
		e.stats.Input.ControlFrames++
		e.pushEvent(api.Event{Kind: api.EventPing, Data: fr.Data})
		if e.opts.AutomaticallyRespondToPings && e.state == api.StateOpen {
			e.writeMessage(Message{Kind: MessagePong, Data: fr.Data})
		}
	case protocol.FramePong:
		e.stats.Input.ControlFrames++
		e.pushEvent(api.Event{Kind: api.EventPong, Data: fr.Data})
	case protocol.FrameClose:
		e.stats.Input.ControlFrames++
		e.handleInboundClose(fr)
	case protocol.FrameProtocolError:
		e.handleFatalFrame(api.CloseProtocolError, fr.Reason)
	case protocol.FrameMessageTooBig:
		e.handleFatalFrame(api.CloseMessageTooBig, fr.Reason)
	}
}

func (e *Endpoint) handleInboundClose(fr protocol.Frame) {
	e.didReceiveClose = true
	eventCode := api.CloseNoStatusReceived
	if fr.HasCode {
		eventCode = fr.Code
	}
	if e.state == api.StateOpen {
		// Mirror the peer's close frame back.
		code, hasCode := fr.Code, fr.HasCode
		e.writeClose(code, hasCode, "")
	} else {
		e.stopClosingTimer()
	}
	e.finalizeClose(eventCode, fr.Reason, e.didSendClose && e.didReceiveClose)
}

// handleFatalFrame converts a framer emission into a local close: the error
// is never thrown after open.
func (e *Endpoint) handleFatalFrame(code api.CloseCode, reason string) {
	e.writeClose(code, true, reason)
	e.finalizeClose(code, reason, false)
}

// finalizeClose tears the connection down and emits the final close event.
func (e *Endpoint) finalizeClose(code api.CloseCode, reason string, wasClean bool) {
	e.stopTimers()
	e.cancelTransport()
	e.state = api.StateClosed
	e.pushEvent(api.Event{Kind: api.EventClose, Code: code, Reason: reason, WasClean: wasClean})
}

// --- timers ---

func (e *Endpoint) startOpeningTimer() {
	if e.opts.OpeningHandshakeTimeout <= 0 {
		return
	}
	gen := e.gen
	e.openingTimer = e.clock.AfterFunc(e.opts.OpeningHandshakeTimeout, func() {
		cmd := command{kind: cmdOpeningTimer, gen: gen}
		select {
		case e.commands <- cmd:
		case <-e.done:
		}
	})
}

func (e *Endpoint) handleOpeningTimer(command) {
	if e.state != api.StateConnecting {
		return
	}
	e.openingExpired = true
	e.failHandshake(api.NewError(api.ErrCodeTimeout, "opening handshake timed out"))
}

func (e *Endpoint) startClosingTimer() {
	if e.opts.ClosingHandshakeTimeout <= 0 {
		return
	}
	e.closingTimer = e.clock.AfterFunc(e.opts.ClosingHandshakeTimeout, func() {
		cmd := command{kind: cmdClosingTimer}
		select {
		case e.commands <- cmd:
		case <-e.done:
		}
	})
}

func (e *Endpoint) handleClosingTimer(command) {
	if e.state != api.StateClosing {
		return
	}
	code := api.CloseAbnormalClosure
	if e.sentCloseHas {
		code = e.sentCloseCode
	}
	e.finalizeClose(code, "", false)
}

func (e *Endpoint) stopOpeningTimer() {
	if e.openingTimer != nil {
		e.openingTimer.Stop()
		e.openingTimer = nil
	}
}

func (e *Endpoint) stopClosingTimer() {
	if e.closingTimer != nil {
		e.closingTimer.Stop()
		e.closingTimer = nil
	}
}

func (e *Endpoint) stopTimers() {
	e.stopOpeningTimer()
	e.stopClosingTimer()
}

func (e *Endpoint) cancelTransport() {
	if e.dialCancel != nil {
		e.dialCancel()
		e.dialCancel = nil
	}
	if e.transport != nil {
		e.transport.Cancel()
		e.transport = nil
	}
}
