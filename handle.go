package macdivert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/lysShub/macdivert/errorx"
	"github.com/pkg/errors"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Handle is one activated diversion session: it owns the engine-level divert
// handle, the background goroutine running the engine's capture loop, and
// the queue bridging the engine's packet callback to Read callers.
type Handle struct {
	// Logger for capture-path diagnostics, default JSON to stderr.
	Logger *slog.Logger

	engine *Engine
	api    *procs

	port   uint16
	filter string
	flags  uint32
	count  int

	raw uintptr // engine-owned, released by Close
	cb  uintptr // purego callback slot, never released by purego

	queue   *packetQueue
	pending atomic.Int32 // callers blocked in Read, sized for sentinels

	looping  atomic.Bool
	loopDone chan struct{}

	closeErr errorx.CloseErr
}

type HandleOption func(*Handle)

func WithLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) {
		if l != nil {
			h.Logger = l
		}
	}
}

// Handle allocates and activates a diversion session for port. A filter, if
// not empty, is installed by Open. A negative count means capture without
// limit. The session does not capture until Open.
func (e *Engine) Handle(port uint16, filter string, flags uint32, count int, opts ...HandleOption) (*Handle, error) {
	var h = &Handle{
		engine: e,
		api:    e.api,

		port:   port,
		filter: filter,
		flags:  flags,
		count:  count,

		queue:    newPacketQueue(),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	h.raw = e.api.create(int32(port), flags)
	if h.raw == 0 {
		return nil, errors.WithStack(&ActivateError{Errmsg: "divert_create failed"})
	}
	h.cb = purego.NewCallback(h.onPacket)
	e.api.setCallback(h.raw, h.cb, h.raw)
	if e.api.activate(h.raw) != 0 {
		err := errors.WithStack(&ActivateError{Errmsg: errmsg(h.raw)})
		e.api.close(h.raw)
		return nil, err
	}
	return h, nil
}

// OpenHandle is Handle followed by Open. Pair it with a deferred Close.
func (e *Engine) OpenHandle(port uint16, filter string, flags uint32, count int, opts ...HandleOption) (*Handle, error) {
	h, err := e.Handle(port, filter, flags, count, opts...)
	if err != nil {
		return nil, err
	}
	if err = h.Open(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// Open installs the configured filter and starts the background goroutine
// driving the engine's blocking capture loop. At most one loop per handle.
func (h *Handle) Open() error {
	if h.filter != "" {
		if _, err := h.SetFilter(h.filter); err != nil {
			return err
		}
	}
	if !h.looping.CompareAndSwap(false, true) {
		return errors.WithStack(ErrOpened{})
	}

	go func() {
		defer close(h.loopDone)
		defer h.looping.Store(false)
		h.api.loop(h.raw, int32(h.count))
		h.Logger.Debug("capture loop finished", slog.Int("count", h.count))
	}()
	return nil
}

// onPacket runs synchronously on the engine's loop thread, once per captured
// packet. It only copies and enqueues: it must not block, and must not panic
// across the FFI boundary.
func (h *Handle) onPacket(args, proc, ipData, sockaddr uintptr) uintptr {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Error(fmt.Sprintf("capture callback panic: %v", r))
		}
	}()

	if ipData == 0 {
		return 0
	}
	hdr := header.IPv4(unsafe.Slice((*byte)(unsafe.Pointer(ipData)), header.IPv4MinimumSize))
	totalLen, headerLen := int(hdr.TotalLength()), int(hdr.HeaderLength())
	if totalLen <= 0 || headerLen <= 0 || totalLen < headerLen {
		// mangled header, drop without signaling the consumer
		h.Logger.Debug("drop packet with invalid ip header",
			slog.Int("total-length", totalLen), slog.Int("header-length", headerLen))
		return 0
	}

	var pkt = Packet{Valid: true}
	if proc != 0 {
		pi := (*procInfoRaw)(unsafe.Pointer(proc))
		if pi.pid != -1 || pi.epid != -1 {
			pkt.Proc = &ProcInfo{Pid: pi.pid, Epid: pi.epid}
		}
	}
	pkt.Data = make([]byte, totalLen)
	copy(pkt.Data, unsafe.Slice((*byte)(unsafe.Pointer(ipData)), totalLen))
	if sockaddr != 0 {
		pkt.SockAddr = make([]byte, SockaddrSize)
		copy(pkt.SockAddr, unsafe.Slice((*byte)(unsafe.Pointer(sockaddr)), SockaddrSize))
	}

	h.queue.push(pkt)
	return 0
}

// Read dequeues the next captured packet in engine arrival order, blocking
// until one is available or ctx is done; use a context deadline for a read
// timeout. During shutdown blocked readers are woken with a Valid=false
// sentinel instead.
func (h *Handle) Read(ctx context.Context) (Packet, error) {
	h.pending.Add(1)
	defer h.pending.Add(-1)
	return h.queue.pop(ctx)
}

// Write reinjects a captured (possibly modified) packet into the network
// stack, reporting the byte count the engine accepted.
func (h *Handle) Write(p Packet) (int, error) {
	if h.closeErr.Closed() || h.Closed() {
		return 0, errors.WithStack(ErrClosed{})
	}
	if !p.Valid || len(p.Data) == 0 || len(p.SockAddr) == 0 {
		return 0, errors.WithStack(ErrInvalidPacket{})
	}

	// -1: the engine takes the length from the ip header
	n := h.api.reinject(h.raw, p.Data, -1, p.SockAddr)
	if n < 0 {
		return 0, errors.Errorf("reinject: %s", errmsg(h.raw))
	}
	return int(n), nil
}

// SetFilter installs rule on the active handle. An empty rule is a no-op
// reporting false.
func (h *Handle) SetFilter(rule string) (bool, error) {
	if rule == "" {
		return false, nil
	}
	if h.api.updateIpfw(h.raw, rule) != 0 {
		return false, errors.WithStack(&FilterError{Diag: errmsg(h.raw)})
	}
	return true, nil
}

// SetDevice restricts capture to the named network device.
func (h *Handle) SetDevice(device string) error {
	if h.api.setDevice(h.raw, device) != 0 {
		return errors.Errorf("set device %s: %s", device, errmsg(h.raw))
	}
	return nil
}

func (h *Handle) IsInbound(p Packet) bool {
	if len(p.SockAddr) == 0 {
		return false
	}
	return h.api.isInbound(p.SockAddr, 0) != 0
}

func (h *Handle) IsOutbound(p Packet) bool {
	if len(p.SockAddr) == 0 {
		return false
	}
	return h.api.isOutbound(p.SockAddr) != 0
}

// TcpStream is an opaque reference into the engine's tcp reassembly state.
type TcpStream struct{ ptr uintptr }

func (s TcpStream) Valid() bool { return s.ptr != 0 }

// FindTcpStream queries the engine for the tcp stream the packet belongs to.
// The zero TcpStream means the engine tracks no such stream.
func (h *Handle) FindTcpStream(p Packet) (TcpStream, error) {
	if h.closeErr.Closed() || h.Closed() {
		return TcpStream{}, errors.WithStack(ErrClosed{})
	}
	if len(p.Data) == 0 {
		return TcpStream{}, errors.WithStack(ErrInvalidPacket{})
	}
	return TcpStream{ptr: h.api.findTCPStream(p.Data)}, nil
}

// Eof reports no packet queued at this instant.
func (h *Handle) Eof() bool { return h.queue.size() == 0 }

// Closed reports the capture loop has finished and the queue is drained.
// Point-in-time observation, not a guarantee.
func (h *Handle) Closed() bool { return !h.looping.Load() && h.Eof() }

// Close pushes one sentinel per blocked reader, stops the engine loop if it
// is still running, waits for the loop goroutine to finish and releases the
// engine handle. Idempotent: later calls return the first call's result.
func (h *Handle) Close() error {
	return h.closeErr.Close(func() (errs []error) {
		for i := h.pending.Load(); i > 0; i-- {
			h.queue.push(Packet{}) // sentinel
		}
		h.queue.seal()

		if h.looping.Load() {
			if h.api.isLooping(h.raw) != 0 {
				h.api.loopStop(h.raw)
			}
			<-h.loopDone
		}

		if h.api.close(h.raw) != 0 {
			errs = append(errs, errors.Errorf("close divert handle: %s", errmsg(h.raw)))
		}
		return errs
	})
}
