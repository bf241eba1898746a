package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"sdvault/internal/logger"
	"sdvault/internal/metrics"
	"sdvault/internal/models"
	"sdvault/internal/packet"
	"sdvault/internal/tindex"
	"sdvault/internal/transport"
	"sdvault/internal/trec"
)

// Transport is the session/channel contract the manager drives.
// *transport.Hub implements it.
type Transport interface {
	Listen(ctx context.Context, timeout time.Duration) (transport.SessionID, error)
	CreateChannel(sid transport.SessionID, auth transport.AuthFunc) (transport.ChannelID, error)
	SendFrame(ch transport.ChannelID, hdr packet.Header, payload []byte) error
	SendControl(ch transport.ChannelID, cmd uint16, payload []byte) error
	ReceiveControl(ch transport.ChannelID, timeout time.Duration) (transport.Control, error)
	CloseChannel(ch transport.ChannelID) error
	CloseSession(sid transport.SessionID)
}

// Source is the recorded data the manager plays from. *store.Store
// implements it.
type Source interface {
	ChunkIndex() *tindex.Log
	Chunk(r tindex.Record) models.Chunk
	MaxChunkSize() int64
	ListEvents(start, end uint32) ([]models.Event, error)
}

// Options tunes the manager. Zero values take the defaults.
type Options struct {
	MaxClients       int
	MaxFrameSize     int
	EventsPerMessage int
	ControlTimeout   time.Duration
	ListenTimeout    time.Duration
	// Auth gates channel creation; nil accepts every session.
	Auth transport.AuthFunc
}

func (o *Options) setDefaults() {
	if o.MaxClients <= 0 {
		o.MaxClients = 128
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = packet.DefaultMaxFrameSize
	}
	if o.EventsPerMessage <= 0 {
		o.EventsPerMessage = 32
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = 5 * time.Second
	}
	if o.ListenTimeout <= 0 {
		o.ListenTimeout = 10 * time.Second
	}
}

// Manager accepts viewers and runs their playbacks.
type Manager struct {
	tr   Transport
	src  Source
	opts Options

	mu      sync.Mutex
	clients map[transport.SessionID]*Client
	wg      sync.WaitGroup
}

// NewManager returns a manager over tr serving from src.
func NewManager(tr Transport, src Source, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		tr:      tr,
		src:     src,
		opts:    opts,
		clients: make(map[transport.SessionID]*Client),
	}
}

// Clients returns the number of connected viewers.
func (m *Manager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Client returns the viewer for sid, or nil.
func (m *Manager) Client(sid transport.SessionID) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[sid]
}

// Run is the accept loop. It returns when ctx is done or the transport is
// closed, after every client loop has exited.
func (m *Manager) Run(ctx context.Context) error {
	defer m.wg.Wait()
	for {
		sid, err := m.tr.Listen(ctx, m.opts.ListenTimeout)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen: %w", err)
		}
		m.accept(ctx, sid)
	}
}

func (m *Manager) accept(ctx context.Context, sid transport.SessionID) {
	m.mu.Lock()
	full := len(m.clients) >= m.opts.MaxClients
	m.mu.Unlock()
	if full {
		logger.Warn("rejecting viewer", "session", sid, "max_clients", m.opts.MaxClients)
		m.tr.CloseSession(sid)
		return
	}

	ch, err := m.tr.CreateChannel(sid, m.opts.Auth)
	if err != nil {
		logger.Warn("create control channel failed", "session", sid, "error", err)
		m.tr.CloseSession(sid)
		return
	}

	c := &Client{sid: sid, control: ch}
	m.mu.Lock()
	m.clients[sid] = c
	m.mu.Unlock()
	metrics.ActiveClients.Inc()
	logger.Info("viewer connected", "session", sid, "channel", ch)

	m.wg.Add(1)
	go m.serve(ctx, c)
}

// serve is the per-client command loop.
func (m *Manager) serve(ctx context.Context, c *Client) {
	defer m.wg.Done()
	defer func() {
		c.stopAndWait()
		m.mu.Lock()
		delete(m.clients, c.sid)
		m.mu.Unlock()
		m.tr.CloseSession(c.sid)
		metrics.ActiveClients.Dec()
		logger.Info("viewer disconnected", "session", c.sid)
	}()

	for ctx.Err() == nil {
		ctl, err := m.tr.ReceiveControl(c.control, m.opts.ControlTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				logger.Warn("receive control failed", "session", c.sid, "error", err)
			}
			return
		}
		metrics.ControlCommandsTotal.WithLabelValues(commandName(ctl.Cmd)).Inc()
		if len(ctl.Payload) > maxControlPayload {
			logger.Warn("control payload dropped", "session", c.sid, "cmd", ctl.Cmd,
				"error", fmt.Errorf("%d bytes: %w", len(ctl.Payload), models.ErrOutOfMemory))
			continue
		}
		m.dispatch(c, ctl)
	}
}

func (m *Manager) dispatch(c *Client, ctl transport.Control) {
	logger.Debug("control command", "session", c.sid, "cmd", fmt.Sprintf("0x%04x", ctl.Cmd))

	switch ctl.Cmd {
	case CmdStartPlay:
		m.startFromPayload(c, CtrlStart, ctl.Payload)

	case CmdStopPlay:
		if r := c.current(); r != nil {
			r.stop()
		}

	case CmdListEventReq:
		if err := m.listEvents(c, ctl.Payload); err != nil {
			logger.Warn("list events failed", "session", c.sid, "error", err)
		}

	case CmdPlayControl:
		if len(ctl.Payload) == 0 {
			logger.Warn("empty play control", "session", c.sid)
			return
		}
		sub := ctl.Payload[0]
		switch sub {
		case CtrlPause:
			ok := false
			if r := c.current(); r != nil {
				var status Status
				status, ok = r.togglePause()
				logger.Debug("playback toggled", "session", c.sid, "status", status)
			}
			m.reply(c, sub, resultOf(ok))
		case CtrlStop:
			r := c.current()
			m.reply(c, sub, resultOf(r != nil && r.stop()))
		case CtrlStart:
			m.startFromPayload(c, sub, ctl.Payload[1:])
		default:
			logger.Warn("unknown play control", "session", c.sid, "sub", sub)
			m.reply(c, sub, ResultFailed)
		}

	default:
		// audio, PTZ and anything else this device does not serve
		logger.Debug("command ignored", "session", c.sid, "cmd", fmt.Sprintf("0x%04x", ctl.Cmd))
	}
}

func (m *Manager) reply(c *Client, payload ...byte) {
	if err := m.tr.SendControl(c.control, CmdPlayControlResp, payload); err != nil {
		logger.Debug("play control reply failed", "session", c.sid, "error", err)
	}
}

func resultOf(ok bool) byte {
	if ok {
		return ResultOK
	}
	return ResultFailed
}

// startFromPayload answers a start request with [sub, result] and, on
// success, the allocated playback channel as a big-endian u32. The reply
// goes out before the first frame.
func (m *Manager) startFromPayload(c *Client, sub byte, payload []byte) {
	rng, err := ParseTimeRange(payload)
	if err != nil {
		logger.Warn("bad start payload", "session", c.sid, "error", err)
		m.reply(c, sub, ResultFailed)
		return
	}
	_, err = m.start(c, rng, func(ch transport.ChannelID) {
		m.reply(c, binary.BigEndian.AppendUint32([]byte{sub, ResultOK}, uint32(ch))...)
	})
	switch {
	case errors.Is(err, ErrChannelBusy):
		logger.Info("start playback refused", "session", c.sid, "error", err)
		m.reply(c, sub, ResultBusy)
	case err != nil:
		logger.Warn("start playback failed", "session", c.sid, "error", err)
		m.reply(c, sub, ResultFailed)
	}
}

// StartPlayback opens a playback channel for c and starts delivering the
// chunks from rng.Start onward. It returns ErrChannelBusy while c already
// has a playback running.
func (m *Manager) StartPlayback(c *Client, rng TimeRange) (transport.ChannelID, error) {
	return m.start(c, rng, nil)
}

// start claims a run for c; started, if set, runs before delivery begins.
func (m *Manager) start(c *Client, rng TimeRange, started func(transport.ChannelID)) (transport.ChannelID, error) {
	if r := c.current(); r != nil {
		return 0, fmt.Errorf("%w: channel %d", ErrChannelBusy, r.ch)
	}
	ch, err := m.tr.CreateChannel(c.sid, nil)
	if err != nil {
		return 0, fmt.Errorf("open playback channel: %w", err)
	}
	r := newRun(ch, rng)
	if err := c.claim(r); err != nil {
		if cerr := m.tr.CloseChannel(ch); cerr != nil {
			logger.Debug("close unused channel", "channel", ch, "error", cerr)
		}
		return 0, err
	}

	metrics.ActivePlaybacks.Inc()
	logger.Info("playback started", "session", c.sid, "channel", ch, "from", rng.Start, "to", rng.End)
	if started != nil {
		started(ch)
	}
	go m.deliver(c, r)
	return ch, nil
}

// deliver is the per-playback delivery loop.
func (m *Manager) deliver(c *Client, r *run) {
	defer func() {
		r.stop()
		c.release(r)
		if err := m.tr.CloseChannel(r.ch); err != nil {
			logger.Debug("close playback channel", "channel", r.ch, "error", err)
		}
		metrics.ActivePlaybacks.Dec()
		close(r.done)
	}()

	sent, err := m.stream(r)
	if err != nil {
		logger.Error("playback aborted", "session", c.sid, "channel", r.ch, "error", err)
	}
	logger.Info("playback ended", "session", c.sid, "channel", r.ch, "chunks", sent)

	m.reply(c, CtrlEnd, ResultOK)
}

// cursor returns the logical index of the first chunk to play and, for a
// bounded range, the last. An empty index yields io.EOF.
func (m *Manager) cursor(rng TimeRange) (first, last uint64, err error) {
	err = m.src.ChunkIndex().View(func(v *tindex.View) error {
		if rng.Bounded() {
			lr, err := v.LocateRange(rng.Start, rng.End)
			if err != nil {
				return err
			}
			if lr.Count == 0 {
				return io.EOF
			}
			first = lr.StartIndex()
			last = first + uint64(lr.Count) - 1
			return nil
		}
		off, err := v.Locate(rng.Start, tindex.JudgeStart)
		if err != nil {
			return err
		}
		recLen, _, err := v.Layout()
		if err != nil {
			return err
		}
		first = v.Base() + uint64(off/int64(recLen))
		return nil
	})
	if errors.Is(err, tindex.ErrEmptyLog) {
		err = io.EOF
	}
	return first, last, err
}

// stream sends chunks until the index is exhausted, the range ends or the
// run is stopped. The chunk index is locked only while one record is read.
func (m *Manager) stream(r *run) (int, error) {
	idx, last, err := m.cursor(r.rng)
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("locate %d: %w", r.rng.Start, err)
	}

	log := m.src.ChunkIndex()
	sent := 0
	for r.proceed() {
		if r.rng.Bounded() && idx > last {
			return sent, nil
		}
		rec, err := log.RecordAtLogical(idx)
		switch {
		case errors.Is(err, io.EOF):
			return sent, nil
		case errors.Is(err, tindex.ErrEvicted):
			// reclaimed while we were behind; resume at the oldest survivor
			idx = log.Base()
			continue
		case err != nil:
			return sent, err
		}
		idx++

		// the locator clamps to the first and last records
		if rec.End < r.rng.Start {
			continue
		}
		if r.rng.Bounded() && rec.Start > r.rng.End {
			return sent, nil
		}

		if err := m.sendChunk(r, rec); err != nil {
			if errors.Is(err, errStopped) {
				return sent, nil
			}
			if errors.Is(err, fs.ErrNotExist) {
				logger.Warn("chunk vanished before playback", "chunk", rec.String())
				continue
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}

var errStopped = errors.New("playback stopped")

func (m *Manager) sendChunk(r *run, rec tindex.Record) error {
	chunk := m.src.Chunk(rec)
	mp, err := trec.Map(chunk.FilePath, m.src.MaxChunkSize())
	if err != nil {
		return err
	}
	defer mp.Close()

	for f := range packet.Split(mp.Bytes(), rec.Start, rec.End, m.opts.MaxFrameSize) {
		if !r.proceed() {
			return errStopped
		}
		if err := m.tr.SendFrame(r.ch, f.Header, f.Payload); err != nil {
			return fmt.Errorf("send frame %d of %s: %w", f.Seq, chunk.FilePath, err)
		}
		metrics.FramesSentTotal.Inc()
	}
	return nil
}

// listEvents answers LISTEVENT_REQ with one or more EventPage messages.
func (m *Manager) listEvents(c *Client, payload []byte) error {
	rng, err := ParseTimeRange(payload)
	if err != nil {
		return err
	}
	end := rng.End
	if !rng.Bounded() {
		end = ^uint32(0)
	}
	events, err := m.src.ListEvents(rng.Start, end)
	if err != nil {
		// the viewer still gets a terminal page
		logger.Error("list events", "session", c.sid, "error", err)
		events = nil
	}

	for _, page := range Pages(events, m.opts.EventsPerMessage) {
		b, err := msgpack.Marshal(&page)
		if err != nil {
			return fmt.Errorf("encode event page: %w", err)
		}
		if err := m.tr.SendControl(c.control, CmdListEventResp, b); err != nil {
			return err
		}
	}
	return nil
}
