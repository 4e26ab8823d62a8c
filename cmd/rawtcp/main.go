package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/soypat/rawtcp"
	"github.com/soypat/rawtcp/internal/simlink"
	"github.com/soypat/rawtcp/vhttp"
)

const webPage = `<!DOCTYPE html><html><body><h1>rawtcp</h1></body></html>`

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "rawtcp - Fetch a web page between two simulated hosts speaking TCP over raw Ethernet frames.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	flagClient := flag.String("client", "10.0.0.1", "Client host address, IPv4 or IPv6.")
	flagServer := flag.String("server", "10.0.0.2", "Server host address, same family as client.")
	flagPort := flag.Uint("port", 80, "Server listen port.")
	flagWait := flag.Duration("wait", time.Second, "Wait time of each connect, send and close attempt.")
	flagLoss := flag.Int("loss", 0, "Drop every n'th frame on the link. 0 disables loss.")
	flagVerbose := flag.Bool("v", false, "Log frame level events.")
	flag.Parse()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug - 2
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	err := run(logger, *flagClient, *flagServer, uint16(*flagPort), *flagWait, *flagLoss)
	if err != nil {
		logger.Error("rawtcp", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, clientAddr, serverAddr string, port uint16, wait time.Duration, loss int) error {
	client, err := newHost(logger.With(slog.String("host", "client")), [6]byte{0x02, 0, 0, 0, 0, 0x01}, clientAddr, wait)
	if err != nil {
		return err
	}
	server, err := newHost(logger.With(slog.String("host", "server")), [6]byte{0x02, 0, 0, 0, 0, 0x02}, serverAddr, wait)
	if err != nil {
		return err
	}
	var frames int
	link := simlink.New(client, server, simlink.Config{
		Logger: logger,
		Drop: func([]byte) bool {
			frames++
			return loss > 0 && frames%loss == 0
		},
	})
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Listen(port); err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- serve(ctx, logger, server) }()

	remote := netip.AddrPortFrom(netip.MustParseAddr(serverAddr), port)
	err = client.Connect(ctx, netip.AddrPort{}, remote, server.HardwareAddr())
	if err != nil {
		return err
	}
	req, err := vhttp.AppendRequest(nil, "/")
	if err != nil {
		return err
	}
	if err = client.Send(ctx, req); err != nil {
		return err
	}
	var resp []byte
	buf := make([]byte, 256)
	for {
		n, err := client.Recv(ctx, buf)
		resp = append(resp, buf[:n]...)
		if err == rawtcp.ErrTimeout && len(resp) > 0 {
			break // Server is done sending.
		} else if err != nil {
			return err
		}
	}
	fmt.Printf("%s\n", resp)
	if err = client.Close(ctx); err != nil {
		return err
	}
	err = <-served
	delivered, dropped := link.Stats()
	logger.Info("done", slog.Int64("delivered", delivered), slog.Int64("dropped", dropped))
	return err
}

func serve(ctx context.Context, logger *slog.Logger, h *rawtcp.Host) error {
	remote, err := h.Accept(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, 512)
	n, err := h.Recv(ctx, buf)
	if err != nil {
		return err
	}
	req, err := vhttp.ParseRequest(buf[:n])
	if err != nil {
		return err
	}
	logger.Info("request", slog.String("remote", remote.String()), slog.String("path", req.Path))
	resp, err := vhttp.AppendResponse(nil, 200, []byte(webPage))
	if err != nil {
		return err
	}
	if err = h.Send(ctx, resp); err != nil {
		return err
	}
	for {
		_, err = h.Recv(ctx, buf)
		if err == io.EOF {
			return h.Close(ctx)
		} else if err != nil && err != rawtcp.ErrTimeout {
			return err
		}
	}
}

func newHost(logger *slog.Logger, hw [6]byte, addr string, wait time.Duration) (*rawtcp.Host, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	cfg := rawtcp.HostConfig{
		HardwareAddr: hw,
		WaitTime:     wait,
		Logger:       logger,
	}
	switch {
	case ip.Is4():
		cfg.IPv4 = ip
	case ip.IsLinkLocalUnicast():
		cfg.LinkLocal = ip
	default:
		cfg.IPv6 = ip
	}
	return rawtcp.NewHost(cfg)
}
