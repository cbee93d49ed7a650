package macdivert

import "unsafe"

// Sizes fixed by the libdivert ABI.
const (
	// ErrbufSize is the length of every engine diagnostic buffer.
	ErrbufSize = 256

	// SockaddrSize is the length of the opaque socket-address token a
	// captured packet must carry to be reinjected.
	SockaddrSize = 16

	// IpfwRuleSize is the length of a compiled ipfw rule blob.
	IpfwRuleSize = 256
)

// Handle flags.
const (
	FlagBlockIO    uint32 = 0x1
	FlagTCPReassem uint32 = 0x2
)

// procs is the engine's callable surface, the process-wide analog of an
// argtypes/restypes table: filled once at Load time, immutable afterwards.
// Tests install plain Go functions instead.
type procs struct {
	create        func(port int32, flags uint32) uintptr
	activate      func(handle uintptr) int32
	updateIpfw    func(handle uintptr, rule string) int32
	loop          func(handle uintptr, count int32) int32
	isLooping     func(handle uintptr) int32
	loopStop      func(handle uintptr)
	loopWait      func(handle uintptr)
	reinject      func(handle uintptr, data []byte, n int64, sockaddr []byte) int64
	close         func(handle uintptr) int32
	isInbound     func(sockaddr []byte, flag uintptr) int32
	isOutbound    func(sockaddr []byte) int32
	setCallback   func(handle uintptr, callback uintptr, data uintptr) int32
	setDevice     func(handle uintptr, device string) int32
	initPcap      func(fp uintptr, errbuf []byte) int32
	dumpPcap      func(data []byte, fp uintptr, errbuf []byte) int32
	findTCPStream func(data []byte) uintptr

	loadKext   func(path string) int32
	unloadKext func() int32

	compileRule func(blob []byte, port uint16, rule string, errbuf []byte) int32
	printRule   func(blob []byte)
	flushRules  func(errbuf []byte) int32

	// libc, for the pcap sink's FILE* handoff
	fopen  func(path string, mode string) uintptr
	fclose func(fp uintptr) int32
}

// rawHandle mirrors the head of libdivert's divert_t; only errmsg is read
// from Go, the tail of the C struct stays engine-private. Field order must
// match divert.h.
type rawHandle struct {
	flags      uint32
	divertPort int32
	ipfwFd     int32
	kextFd     int32
	errmsg     [ErrbufSize]byte
}

// procInfoRaw mirrors the engine's proc_info_t callback argument. A pid and
// epid of -1 mean the engine could not resolve an owning process.
type procInfoRaw struct {
	pid  int32
	epid int32
}

func errmsg(handle uintptr) string {
	if handle == 0 {
		return ""
	}
	raw := (*rawHandle)(unsafe.Pointer(handle))
	return cstr(raw.errmsg[:])
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
