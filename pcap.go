package macdivert

import "github.com/pkg/errors"

// Pcap persists captured packets to a capture file through the engine's dump
// routine. The engine writes against a libc FILE*, so the file is opened via
// fopen rather than os.Open.
type Pcap struct {
	engine *Engine
	path   string

	fp     uintptr // libc FILE*, zero once closed
	errbuf []byte
}

// OpenPcap opens path for binary write and initializes the engine's dump
// context against it.
func (e *Engine) OpenPcap(path string) (*Pcap, error) {
	var p = &Pcap{
		engine: e,
		path:   path,
		errbuf: make([]byte, ErrbufSize),
	}

	p.fp = e.api.fopen(path, "wb")
	if p.fp == 0 {
		return nil, errors.Errorf("couldn't create file %s", path)
	}
	if e.api.initPcap(p.fp, p.errbuf) != 0 {
		err := errors.Errorf("couldn't init file %s: %s", path, cstr(p.errbuf))
		e.api.fclose(p.fp)
		p.fp = 0
		return nil, err
	}
	return p, nil
}

// OpenPcap opens a capture-file sink with the handle's engine.
func (h *Handle) OpenPcap(path string) (*Pcap, error) { return h.engine.OpenPcap(path) }

// Write appends one captured packet, the file stays open. A failed write is
// not retried.
func (p *Pcap) Write(pkt Packet) error {
	if p.fp == 0 {
		return errors.Errorf("file %s is not opened", p.path)
	}
	if !pkt.Valid || len(pkt.Data) == 0 {
		return errors.WithStack(ErrInvalidPacket{})
	}
	if p.engine.api.dumpPcap(pkt.Data, p.fp, p.errbuf) != 0 {
		return errors.Errorf("couldn't write into %s: %s", p.path, cstr(p.errbuf))
	}
	return nil
}

// Close closes the underlying file exactly once, closing twice is an error.
func (p *Pcap) Close() error {
	if p.fp == 0 {
		return errors.Errorf("file %s is not opened", p.path)
	}
	if p.engine.api.fclose(p.fp) != 0 {
		return errors.Errorf("file %s could not be closed", p.path)
	}
	p.fp = 0
	return nil
}
