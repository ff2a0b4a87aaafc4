/*
 * Copyright 2023 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrStopping is returned for any call made against a mailbox that
	// is tearing down, and delivered to every waiter drained by the
	// teardown.
	ErrStopping = errors.New("mailbox stopping")

	// ErrTimeout is returned when a response does not arrive within the
	// configured RPC timeout.
	ErrTimeout = errors.New("mailbox response timeout")

	// ErrOutboxTimeout is returned when the peer never signals that the
	// outbox is free to use.
	ErrOutboxTimeout = errors.New("mailbox outbox busy timeout")

	// ErrOpcodeUnsupported is returned when the firmware capability
	// bitmap does not include the requested opcode.
	ErrOpcodeUnsupported = errors.New("opcode not supported by firmware")

	// ErrRegisterRead is returned when the register window reads back
	// all-ones, indicating the device has dropped off.
	ErrRegisterRead = errors.New("register read timeout")

	// ErrParamsTooLong is returned when a request's parameters exceed
	// the message window capacity.
	ErrParamsTooLong = errors.New("parameters exceed message window")
)

// Counters are the monotonic per-mailbox statistics. All fields count
// events since the mailbox was created.
type Counters struct {
	PostedRequests     uint64 // posted (fire-and-forget) sends
	NonPostedRequests  uint64 // sends expecting a response
	TimedOutRequests   uint64 // non-posted sends that timed out
	ReceivedRequests   uint64 // unsolicited requests from firmware
	NonErrorResponses  uint64 // matched responses with OK status
	ErrorResponses     uint64 // matched responses with error status
	UnmatchedResponses uint64 // responses with no pending record
	TimedOutResponses  uint64 // register read timeouts on receive
}

type counters struct {
	postedRequests     atomic.Uint64
	nonPostedRequests  atomic.Uint64
	timedOutRequests   atomic.Uint64
	receivedRequests   atomic.Uint64
	nonErrorResponses  atomic.Uint64
	errorResponses     atomic.Uint64
	unmatchedResponses atomic.Uint64
	timedOutResponses  atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		PostedRequests:     c.postedRequests.Load(),
		NonPostedRequests:  c.nonPostedRequests.Load(),
		TimedOutRequests:   c.timedOutRequests.Load(),
		ReceivedRequests:   c.receivedRequests.Load(),
		NonErrorResponses:  c.nonErrorResponses.Load(),
		ErrorResponses:     c.errorResponses.Load(),
		UnmatchedResponses: c.unmatchedResponses.Load(),
		TimedOutResponses:  c.timedOutResponses.Load(),
	}
}

// Config carries the construction-time options of one mailbox.
type Config struct {
	// Name identifies the mailbox in log output.
	Name string

	// Events, when non-nil, delivers doorbell interrupt notifications.
	// When nil the mailbox runs in polling mode.
	Events <-chan struct{}

	// RPCTimeout bounds every non-posted exchange and the wait for a
	// free outbox. Defaults to 10 seconds.
	RPCTimeout time.Duration

	// FastPollInterval is the polling cadence while a wait is
	// outstanding; SlowPollInterval is the background cadence.
	// Default 5ms and 1s.
	FastPollInterval time.Duration
	SlowPollInterval time.Duration
}

const (
	DefaultRPCTimeout       = 10 * time.Second
	DefaultFastPollInterval = 5 * time.Millisecond
	DefaultSlowPollInterval = time.Second
)

// Handler receives the parameter area of an unsolicited request. It
// runs on the receive worker and must not block.
type Handler func(params []byte)

// Callback completes an asynchronous non-posted request. It runs off
// the receive worker.
type Callback func(status RspStatus, params []byte, err error)

// Request is one mailbox exchange.
type Request struct {
	OpCode   OpCode
	Posted   bool
	Params   []byte
	Response []byte // filled with response parameters, sized by caller

	// Callback, when non-nil, makes the exchange asynchronous: Execute
	// returns after the send and the callback fires on completion.
	Callback Callback
}

type pendingKey struct {
	tid uint32
	op  OpCode
}

type pendingRsp struct {
	key         pendingKey
	holdsOutbox bool // RESET/FW_START keep the slot until completion
	response    []byte
	rspLen      int
	status      RspStatus
	err         error
	cb          Callback
	timer       *time.Timer
	done        chan struct{}
}

// Mailbox drives the message window of one subdevice. All sends are
// serialized through a single-slot outbox; receives run on one worker
// goroutine fed by interrupts or by polling.
type Mailbox struct {
	name string
	cfg  Config
	win  Window

	slot      chan struct{} // the 1-slot outbox; holds one token when free
	obEmpty   chan struct{}
	obWaiters atomic.Int32

	mu       sync.Mutex
	pending  map[pendingKey]*pendingRsp
	handlers map[OpCode]Handler
	stopping bool

	tid       atomic.Uint32
	outboxSeq atomic.Uint32
	inboxSeq  atomic.Uint32

	capsMu    sync.Mutex
	caps      [4]uint64
	capsValid bool

	counters counters

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a mailbox over the given register window and starts its
// receive worker.
func New(win Window, cfg Config) *Mailbox {
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.FastPollInterval == 0 {
		cfg.FastPollInterval = DefaultFastPollInterval
	}
	if cfg.SlowPollInterval == 0 {
		cfg.SlowPollInterval = DefaultSlowPollInterval
	}

	m := &Mailbox{
		name:     cfg.Name,
		cfg:      cfg,
		win:      win,
		slot:     make(chan struct{}, 1),
		obEmpty:  make(chan struct{}, 1),
		pending:  make(map[pendingKey]*pendingRsp),
		handlers: make(map[OpCode]Handler),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	m.slot <- struct{}{}

	go m.run()

	return m
}

// Counters returns a snapshot of the mailbox statistics.
func (m *Mailbox) Counters() Counters {
	return m.counters.snapshot()
}

// RegisterHandler installs the handler for an unsolicited opcode.
func (m *Mailbox) RegisterHandler(op OpCode, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[op] = h
}

// SetCapabilities records the firmware capability bitmap. Opcodes not
// present in the bitmap are refused locally from then on.
func (m *Mailbox) SetCapabilities(caps [4]uint64) {
	m.capsMu.Lock()
	defer m.capsMu.Unlock()

	m.caps = caps
	m.capsValid = true
}

// OpcodeSupported reports whether the firmware accepts the opcode. The
// bootstrap opcodes are always permitted, as is everything before the
// capability bitmap has been read.
func (m *Mailbox) OpcodeSupported(op OpCode) bool {
	switch op {
	case OpFwVersion, OpReset, OpFwStart:
		return true
	}

	m.capsMu.Lock()
	defer m.capsMu.Unlock()

	if !m.capsValid {
		return true
	}

	return m.caps[op/64]&(1<<(op%64)) != 0
}

// Stop tears the mailbox down: future and in-progress waits fail with
// ErrStopping, every pending record is drained, and the receive worker
// exits.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	drained := make([]*pendingRsp, 0, len(m.pending))
	for _, p := range m.pending {
		drained = append(drained, p)
	}
	m.pending = make(map[pendingKey]*pendingRsp)
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.err = ErrStopping
		m.complete(p)
	}

	log.Infof("%s: mailbox stopped", m.name)
}

// Execute performs one exchange. Posted requests return after the
// message is sent. Non-posted requests block for the response unless a
// callback is supplied. The returned status is only meaningful when
// the error is nil.
func (m *Mailbox) Execute(req *Request) (RspStatus, error) {
	if len(req.Params) > ParamAreaSize {
		return 0, ErrParamsTooLong
	}

	if !m.OpcodeSupported(req.OpCode) {
		return 0, fmt.Errorf("%s: %s: %w", m.name, req.OpCode, ErrOpcodeUnsupported)
	}

	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return 0, ErrStopping
	}

	if err := m.acquireOutbox(); err != nil {
		return 0, err
	}

	holdsOutbox := !req.Posted && (req.OpCode == OpReset || req.OpCode == OpFwStart)
	tid := m.tid.Add(1)

	var p *pendingRsp
	if !req.Posted {
		p = &pendingRsp{
			key:         pendingKey{tid: tid, op: req.OpCode},
			holdsOutbox: holdsOutbox,
			response:    req.Response,
			cb:          req.Callback,
			done:        make(chan struct{}),
		}

		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			m.releaseOutbox()
			return 0, ErrStopping
		}
		m.pending[p.key] = p
		m.mu.Unlock()
	}

	if err := m.send(req, tid); err != nil {
		if p != nil {
			m.removePending(p.key)
		}
		m.releaseOutbox()
		return 0, fmt.Errorf("%s: %s: send failed: %w", m.name, req.OpCode, err)
	}

	if req.Posted {
		m.counters.postedRequests.Add(1)

		// A posted RESET takes effect immediately on both sides.
		if req.OpCode == OpReset {
			m.seqReset()
		}

		m.releaseOutbox()
		return RspOK, nil
	}

	m.counters.nonPostedRequests.Add(1)

	m.mu.Lock()
	if _, live := m.pending[p.key]; live {
		key := p.key
		p.timer = time.AfterFunc(m.cfg.RPCTimeout, func() { m.timeoutPending(key) })
	}
	m.mu.Unlock()

	if !holdsOutbox {
		m.releaseOutbox()
	}

	if p.cb != nil {
		return RspOK, nil
	}

	<-p.done
	return p.status, p.err
}

func (m *Mailbox) acquireOutbox() error {
	select {
	case <-m.slot:
		return nil
	case <-m.stopCh:
		return ErrStopping
	case <-time.After(m.cfg.RPCTimeout):
		return fmt.Errorf("%s: %w", m.name, ErrOutboxTimeout)
	}
}

func (m *Mailbox) releaseOutbox() {
	m.slot <- struct{}{}
}

// send waits for the peer to drain the outbox, then writes the message
// and rings the peer's doorbell. Caller holds the outbox slot.
func (m *Mailbox) send(req *Request, tid uint32) error {
	if err := m.waitOutboxEmpty(); err != nil {
		return err
	}

	if err := m.win.Write64(RegIntAck, IntOutboxEmpty); err != nil {
		return err
	}

	seqNo := uint8(m.outboxSeq.Load())
	m.outboxSeq.Store(uint32(NextSeqNo(seqNo)))

	cw := BuildControlWord(req.OpCode, MsgRequest, req.Posted, seqNo, uint16(len(req.Params)), tid)

	if len(req.Params) > 0 {
		if err := m.win.Write(RegOutbox+ControlWordSize, req.Params); err != nil {
			return err
		}
	}

	if err := m.win.Write64(RegOutbox, uint64(cw)); err != nil {
		return err
	}

	log.Debugf("%s: send %s tid %d seq %d len %d posted %t",
		m.name, req.OpCode, tid, seqNo, len(req.Params), req.Posted)

	return m.win.Write64(RegIntPartner, IntInboxFull)
}

func (m *Mailbox) waitOutboxEmpty() error {
	m.obWaiters.Add(1)
	defer m.obWaiters.Add(-1)

	deadline := time.NewTimer(m.cfg.RPCTimeout)
	defer deadline.Stop()

	for {
		status, err := m.win.Read64(RegIntStatus)
		if err != nil {
			return err
		}
		if status&IntOutboxEmpty != 0 {
			return nil
		}

		select {
		case <-m.obEmpty:
		case <-deadline.C:
			return fmt.Errorf("%s: %w", m.name, ErrOutboxTimeout)
		case <-m.stopCh:
			return ErrStopping
		}
	}
}

func (m *Mailbox) removePending(key pendingKey) *pendingRsp {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pending[key]
	delete(m.pending, key)
	return p
}

func (m *Mailbox) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

func (m *Mailbox) timeoutPending(key pendingKey) {
	p := m.removePending(key)
	if p == nil {
		return
	}

	m.counters.timedOutRequests.Add(1)
	log.Warnf("%s: %s tid %d timed out", m.name, key.op, key.tid)

	if p.holdsOutbox {
		m.releaseOutbox()
	}

	p.err = ErrTimeout
	m.complete(p)
}

func (m *Mailbox) complete(p *pendingRsp) {
	if p.cb != nil {
		go p.cb(p.status, p.response[:p.rspLen], p.err)
		return
	}

	close(p.done)
}

func (m *Mailbox) seqReset() {
	m.outboxSeq.Store(0)
	m.inboxSeq.Store(0)
}

// run is the receive worker. It wakes on doorbell interrupts when
// configured for them, and otherwise polls: fast while any wait is
// outstanding, slowly in the background.
func (m *Mailbox) run() {
	defer close(m.doneCh)

	timer := time.NewTimer(m.pollInterval())
	defer timer.Stop()

	for {
		if m.cfg.Events != nil {
			select {
			case <-m.stopCh:
				return
			case <-m.cfg.Events:
			case <-timer.C:
			}
		} else {
			select {
			case <-m.stopCh:
				return
			case <-timer.C:
			}
		}

		m.service()
		timer.Reset(m.pollInterval())
	}
}

func (m *Mailbox) pollInterval() time.Duration {
	if m.cfg.Events != nil {
		return m.cfg.SlowPollInterval
	}
	if m.obWaiters.Load() > 0 || m.pendingCount() > 0 {
		return m.cfg.FastPollInterval
	}
	return m.cfg.SlowPollInterval
}

func (m *Mailbox) service() {
	for {
		status, err := m.win.Read64(RegIntStatus)
		if err != nil {
			log.WithError(err).Warnf("%s: doorbell status read failed", m.name)
			return
		}

		if status&IntOutboxEmpty != 0 && m.obWaiters.Load() > 0 {
			select {
			case m.obEmpty <- struct{}{}:
			default:
			}
		}

		if status&IntInboxFull == 0 {
			return
		}

		m.inboxFull()
	}
}

// inboxFull consumes one inbound message: validate sequencing, match
// it to a pending record or dispatch it as an unsolicited request,
// then acknowledge our inbox and the peer's outbox.
func (m *Mailbox) inboxFull() {
	raw, err := m.win.Read64(RegInbox)
	if err != nil {
		log.WithError(err).Warnf("%s: inbox read failed", m.name)
		return
	}

	cw := ControlWord(raw)
	if cw == BadControlWord {
		m.counters.timedOutResponses.Add(1)
		log.Warnf("%s: %v", m.name, ErrRegisterRead)
		return
	}

	seqNo := cw.SeqNo()
	if expected := uint8(m.inboxSeq.Load()); seqNo != expected {
		log.Warnf("%s: synchronizing receive sequence number: expected %d received %d",
			m.name, expected, seqNo)
	}
	m.inboxSeq.Store(uint32(NextSeqNo(seqNo)))

	paramsLen := int(cw.ParamsLen())
	if paramsLen > ParamAreaSize {
		paramsLen = ParamAreaSize
	}

	var params []byte
	if paramsLen > 0 {
		params = make([]byte, paramsLen)
		if err := m.win.Read(RegInbox+ControlWordSize, params); err != nil {
			log.WithError(err).Warnf("%s: inbox params read failed", m.name)
			return
		}
	}

	if cw.IsRequest() {
		m.receiveRequest(cw, params)
	} else {
		m.receiveResponse(cw, params)
	}

	if err := m.win.Write64(RegIntAck, IntInboxFull); err != nil {
		log.WithError(err).Warnf("%s: inbox ack failed", m.name)
		return
	}

	if err := m.win.Write64(RegIntPartner, IntOutboxEmpty); err != nil {
		log.WithError(err).Warnf("%s: outbox empty ack failed", m.name)
	}
}

func (m *Mailbox) receiveRequest(cw ControlWord, params []byte) {
	m.counters.receivedRequests.Add(1)

	m.mu.Lock()
	h := m.handlers[cw.OpCode()]
	m.mu.Unlock()

	if h == nil {
		log.Warnf("%s: unhandled incoming request %s", m.name, cw.OpCode())
		return
	}

	h(params)
}

func (m *Mailbox) receiveResponse(cw ControlWord, params []byte) {
	key := pendingKey{tid: cw.Tid(), op: cw.OpCode()}

	p := m.removePending(key)
	if p == nil {
		m.counters.unmatchedResponses.Add(1)
		log.Warnf("%s: unmatched response %s tid %d status %s",
			m.name, key.op, key.tid, cw.RspStatus())
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}

	p.status = cw.RspStatus()
	if p.status == RspOK {
		m.counters.nonErrorResponses.Add(1)
	} else {
		m.counters.errorResponses.Add(1)
	}

	if p.response != nil {
		p.rspLen = copy(p.response, params)
	}

	if p.holdsOutbox {
		if p.status == RspOK {
			log.Infof("%s: %s complete, sequence numbers reset", m.name, key.op)
			m.seqReset()
		}
		m.releaseOutbox()
	}

	m.complete(p)
}
