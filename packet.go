package macdivert

// ProcInfo identifies the process owning a captured packet.
type ProcInfo struct {
	Pid  int32
	Epid int32 // effective pid
}

// Packet is one captured IP datagram. Data and SockAddr are private copies,
// the engine buffers they came from die when the capture callback returns.
type Packet struct {
	// Valid is false only for the sentinel packets Close pushes to wake
	// blocked readers. Sentinels carry no payload and are never
	// reinjected.
	Valid bool

	// Proc is nil when the engine could not resolve an owning process.
	Proc *ProcInfo

	// Data is the raw IP datagram, exactly the header's total length.
	Data []byte

	// SockAddr is the opaque address token required to reinject Data.
	SockAddr []byte

	// Flag is a caller-settable tag, not interpreted by this package.
	Flag byte
}
