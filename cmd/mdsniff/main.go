// mdsniff diverts packets matching an ipfw rule, logs a summary of each, and
// reinjects everything so traffic keeps flowing. Optionally dumps the stream
// to a pcap file.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lysShub/macdivert"
	"github.com/lysShub/macdivert/errorx"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	libPath  string
	kextPath string
	filter   string
	port     uint16
	count    int
	pcapPath string
	logPath  string
)

var rootCmd = &cobra.Command{
	Use:          "mdsniff",
	Short:        "divert, inspect and reinject packets matching an ipfw rule",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&libPath, "lib", "", "libdivert.so path, default beside the executable")
	rootCmd.Flags().StringVar(&kextPath, "kext", "", "PacketPID.kext path, default beside the executable")
	rootCmd.Flags().StringVarP(&filter, "filter", "f", "", "ipfw filter rule, empty diverts nothing")
	rootCmd.Flags().Uint16VarP(&port, "port", "p", 0, "divert socket port, 0 picks an unused one")
	rootCmd.Flags().IntVarP(&count, "count", "n", -1, "packets to capture, negative is unlimited")
	rootCmd.Flags().StringVarP(&pcapPath, "write", "w", "", "also dump captured packets to this pcap file")
	rootCmd.Flags().StringVar(&logPath, "log", "", "log to this file (rotated) instead of stdout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var logger *slog.Logger
	if logPath != "" {
		logger = slog.New(slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    64, // MB
			MaxBackups: 3,
		}, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	engine, err := macdivert.Load(
		macdivert.WithLibrary(libPath), macdivert.WithKext(kextPath),
	)
	if err != nil {
		return err
	}

	h, err := engine.OpenHandle(port, filter, 0, count, macdivert.WithLogger(logger))
	if err != nil {
		return err
	}
	defer h.Close()

	var sink *macdivert.Pcap
	if pcapPath != "" {
		if sink, err = engine.OpenPcap(pcapPath); err != nil {
			return err
		}
		defer sink.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	logger.Info("capturing", slog.String("filter", filter))

	for {
		p, err := h.Read(ctx)
		if err != nil {
			return nil // interrupted
		} else if !p.Valid {
			return nil // shutdown sentinel
		}

		logger.Info("packet", summary(h, p)...)

		if sink != nil {
			if err := sink.Write(p); err != nil {
				logger.Warn(err.Error(), errorx.Trace(err))
			}
		}
		if _, err := h.Write(p); err != nil {
			logger.Warn(err.Error(), errorx.Trace(err))
		}
	}
}

func summary(h *macdivert.Handle, p macdivert.Packet) []any {
	var attrs []any

	pkt := gopacket.NewPacket(p.Data, layers.LayerTypeIPv4, gopacket.Lazy)
	if ip, ok := pkt.NetworkLayer().(*layers.IPv4); ok {
		attrs = append(attrs,
			slog.String("src", ip.SrcIP.String()),
			slog.String("dst", ip.DstIP.String()),
			slog.String("proto", ip.Protocol.String()),
		)
	}
	attrs = append(attrs,
		slog.Int("size", len(p.Data)),
		slog.Bool("inbound", h.IsInbound(p)),
	)

	if p.Proc != nil {
		attrs = append(attrs, slog.Int("pid", int(p.Proc.Pid)))
		if name := procName(p.Proc.Pid); name != "" {
			attrs = append(attrs, slog.String("proc", name))
		}
	}
	return attrs
}

func procName(pid int32) string {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := proc.Name()
	if err != nil {
		return ""
	}
	return name
}
