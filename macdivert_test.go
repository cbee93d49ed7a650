package macdivert

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// fakeEngine stands in for libdivert: the procs table is filled with Go
// functions so handle, ipfw and pcap behavior is testable without the dylib
// or the kext.
type fakeEngine struct {
	raw rawHandle

	mu         sync.Mutex
	reinjected [][]byte
	dumped     int

	stopOnce sync.Once
	loopCh   chan struct{}

	closes  atomic.Int32
	fcloses atomic.Int32

	activateRet int32
	updateRet   int32
	compileRet  int32
	compileDiag string
	initPcapRet int32
	dumpRet     int32
	fopenRet    uintptr
}

func (f *fakeEngine) setErrmsg(s string) {
	clear(f.raw.errmsg[:])
	copy(f.raw.errmsg[:], s)
}

func (f *fakeEngine) reinjectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reinjected)
}

func newFake() (*Engine, *fakeEngine) {
	var f = &fakeEngine{loopCh: make(chan struct{}), fopenRet: 1}

	var e = &Engine{api: &procs{
		create:      func(port int32, flags uint32) uintptr { return uintptr(unsafe.Pointer(&f.raw)) },
		activate:    func(handle uintptr) int32 { return f.activateRet },
		setCallback: func(handle, cb, data uintptr) int32 { return 0 },
		updateIpfw:  func(handle uintptr, rule string) int32 { return f.updateRet },
		loop: func(handle uintptr, count int32) int32 {
			<-f.loopCh
			return 0
		},
		isLooping: func(handle uintptr) int32 {
			select {
			case <-f.loopCh:
				return 0
			default:
				return 1
			}
		},
		loopStop: func(handle uintptr) { f.stopOnce.Do(func() { close(f.loopCh) }) },
		loopWait: func(handle uintptr) {},
		reinject: func(handle uintptr, data []byte, n int64, sockaddr []byte) int64 {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.reinjected = append(f.reinjected, append([]byte{}, data...))
			return int64(len(data))
		},
		close:         func(handle uintptr) int32 { f.closes.Add(1); return 0 },
		isInbound:     func(sockaddr []byte, flag uintptr) int32 { return 1 },
		isOutbound:    func(sockaddr []byte) int32 { return 0 },
		setDevice:     func(handle uintptr, device string) int32 { return 0 },
		findTCPStream: func(data []byte) uintptr { return 0 },
		initPcap: func(fp uintptr, errbuf []byte) int32 {
			if f.initPcapRet != 0 {
				copy(errbuf, "bad dump context\x00")
			}
			return f.initPcapRet
		},
		dumpPcap: func(data []byte, fp uintptr, errbuf []byte) int32 {
			if f.dumpRet != 0 {
				copy(errbuf, "dump failed\x00")
				return f.dumpRet
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.dumped++
			return 0
		},
		loadKext:   func(path string) int32 { return 0 },
		unloadKext: func() int32 { return 0 },
		compileRule: func(blob []byte, port uint16, rule string, errbuf []byte) int32 {
			if f.compileRet != 0 {
				copy(errbuf, f.compileDiag)
				return f.compileRet
			}
			copy(blob, rule)
			return 0
		},
		printRule:  func(blob []byte) {},
		flushRules: func(errbuf []byte) int32 { return 0 },
		fopen:      func(path, mode string) uintptr { return f.fopenRet },
		fclose:     func(fp uintptr) int32 { f.fcloses.Add(1); return 0 },
	}}
	return e, f
}

// testPacket builds a minimal ipv4 datagram of total bytes.
func testPacket(t *testing.T, total int) []byte {
	t.Helper()
	require.GreaterOrEqual(t, total, header.IPv4MinimumSize)

	var b = make([]byte, total)
	header.IPv4(b).Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice([]byte{192, 168, 0, 1}),
		DstAddr:     tcpip.AddrFromSlice([]byte{192, 168, 0, 2}),
	})
	for i := header.IPv4MinimumSize; i < total; i++ {
		b[i] = byte(i)
	}
	return b
}

// deliver invokes the capture callback the way the engine's loop thread
// would.
func deliver(h *Handle, data []byte, proc *procInfoRaw) {
	var sa = make([]byte, SockaddrSize)
	sa[0] = 2

	var pp uintptr
	if proc != nil {
		pp = uintptr(unsafe.Pointer(proc))
	}
	h.onPacket(0, pp, uintptr(unsafe.Pointer(&data[0])), uintptr(unsafe.Pointer(&sa[0])))
}
