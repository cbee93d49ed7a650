package macdivert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Pcap_Write(t *testing.T) {
	e, f := newFake()
	h, err := e.Handle(0, "", 0, -1)
	require.NoError(t, err)
	defer h.Close()

	p, err := h.OpenPcap("a.pcap")
	require.NoError(t, err)

	pkt := Packet{Valid: true, Data: testPacket(t, 40)}
	require.NoError(t, p.Write(pkt))
	require.NoError(t, p.Write(pkt))
	require.Equal(t, 2, func() int { f.mu.Lock(); defer f.mu.Unlock(); return f.dumped }())
	require.Zero(t, f.fcloses.Load()) // write must not close the file

	require.NoError(t, p.Close())
	require.Equal(t, int32(1), f.fcloses.Load())
}

func Test_Pcap_Write_Invalid(t *testing.T) {
	e, _ := newFake()
	p, err := e.OpenPcap("a.pcap")
	require.NoError(t, err)
	defer p.Close()

	require.ErrorIs(t, p.Write(Packet{}), ErrInvalidPacket{})
}

func Test_Pcap_Write_After_Close(t *testing.T) {
	e, _ := newFake()
	p, err := e.OpenPcap("a.pcap")
	require.NoError(t, err)
	require.NoError(t, p.Close())

	err = p.Write(Packet{Valid: true, Data: testPacket(t, 40)})
	require.ErrorContains(t, err, "a.pcap")

	err = p.Close()
	require.ErrorContains(t, err, "not opened")
}

func Test_Pcap_Open_Errors(t *testing.T) {
	t.Run("fopen", func(t *testing.T) {
		e, f := newFake()
		f.fopenRet = 0

		_, err := e.OpenPcap("/nonexist/a.pcap")
		require.ErrorContains(t, err, "/nonexist/a.pcap")
	})

	t.Run("init", func(t *testing.T) {
		e, f := newFake()
		f.initPcapRet = -1

		_, err := e.OpenPcap("a.pcap")
		require.ErrorContains(t, err, "a.pcap")
		require.ErrorContains(t, err, "bad dump context")
		require.Equal(t, int32(1), f.fcloses.Load()) // no dangling FILE*
	})
}

func Test_Pcap_Dump_Error(t *testing.T) {
	e, f := newFake()
	p, err := e.OpenPcap("a.pcap")
	require.NoError(t, err)
	defer p.Close()

	f.dumpRet = -1
	err = p.Write(Packet{Valid: true, Data: testPacket(t, 40)})
	require.ErrorContains(t, err, "dump failed")
}
