package simlink

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/soypat/rawtcp"
	"github.com/soypat/rawtcp/internal/tcpctl"
	"github.com/soypat/rawtcp/internal/tcpctl/eth"
	"github.com/soypat/rawtcp/vhttp"
	"github.com/soypat/seqs"
)

var (
	hwA = [6]byte{0x02, 0, 0, 0, 0, 0x0a}
	hwB = [6]byte{0x02, 0, 0, 0, 0, 0x0b}
)

func newHost(t *testing.T, hw [6]byte, addr string) *rawtcp.Host {
	t.Helper()
	ip := netip.MustParseAddr(addr)
	cfg := rawtcp.HostConfig{
		HardwareAddr: hw,
		WaitTime:     500 * time.Millisecond,
		ISNSeed:      uint32(hw[5]),
	}
	if ip.Is4() {
		cfg.IPv4 = ip
	} else {
		cfg.IPv6 = ip
	}
	h, err := rawtcp.NewHost(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// serveOnce accepts a connection on port 80 and answers a single GET.
func serveOnce(ctx context.Context, h *rawtcp.Host, page []byte) error {
	if err := h.Listen(80); err != nil {
		return err
	}
	if _, err := h.Accept(ctx); err != nil {
		return err
	}
	buf := make([]byte, 512)
	n, err := h.Recv(ctx, buf)
	if err != nil {
		return err
	}
	if _, err = vhttp.ParseRequest(buf[:n]); err != nil {
		return err
	}
	resp, err := vhttp.AppendResponse(nil, 200, page)
	if err != nil {
		return err
	}
	if err = h.Send(ctx, resp); err != nil {
		return err
	}
	// Wait for the client's FIN.
	for {
		_, err = h.Recv(ctx, buf)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	return h.Close(ctx)
}

func testExchange(t *testing.T, addrA, addrB string) {
	a := newHost(t, hwA, addrA)
	b := newHost(t, hwB, addrB)
	link := New(a, b, Config{})
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	page := []byte("<h1>hello</h1>")
	served := make(chan error, 1)
	go func() { served <- serveOnce(ctx, b, page) }()
	for b.State() != tcpctl.StateListen {
		time.Sleep(time.Millisecond)
	}

	remote := netip.AddrPortFrom(netip.MustParseAddr(addrB), 80)
	if err := a.Connect(ctx, netip.AddrPort{}, remote, hwB); err != nil {
		t.Fatal("connect:", err)
	}
	req, err := vhttp.AppendRequest(nil, "/")
	if err != nil {
		t.Fatal(err)
	}
	if err = a.Send(ctx, req); err != nil {
		t.Fatal("send:", err)
	}
	want, _ := vhttp.AppendResponse(nil, 200, page)
	var got []byte
	buf := make([]byte, 64)
	for len(got) < len(want) {
		n, err := a.Recv(ctx, buf)
		if err != nil {
			t.Fatalf("recv after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != string(want) {
		t.Errorf("got response %q", got)
	}
	if err = a.Close(ctx); err != nil {
		t.Fatal("close:", err)
	}
	if err = <-served; err != nil {
		t.Fatal("server:", err)
	}
	if a.State() != tcpctl.StateClosed || b.State() != tcpctl.StateClosed {
		t.Errorf("want both closed, got %s and %s", a.State(), b.State())
	}
	if delivered, _ := link.Stats(); delivered == 0 {
		t.Error("no frames delivered")
	}
}

func TestExchangeIPv4(t *testing.T) {
	testExchange(t, "10.0.0.1", "10.0.0.2")
}

func TestExchangeIPv6(t *testing.T) {
	testExchange(t, "2001:db8::1", "2001:db8::2")
}

func TestLossyHandshake(t *testing.T) {
	a := newHost(t, hwA, "10.0.0.1")
	b := newHost(t, hwB, "10.0.0.2")
	synsDropped := 0
	link := New(a, b, Config{
		Drop: func(frame []byte) bool {
			seg, err := eth.Parse(frame)
			if err == nil && seg.Flags() == seqs.FlagSYN && synsDropped == 0 {
				synsDropped++
				return true
			}
			return false
		},
	})
	defer link.Close()
	remote := netip.MustParseAddrPort("10.0.0.2:8080")
	err := a.Connect(context.Background(), netip.AddrPort{}, remote, hwB)
	if err != nil {
		t.Fatal(err)
	}
	if _, dropped := link.Stats(); dropped != 1 {
		t.Errorf("want 1 dropped frame, got %d", dropped)
	}
	if b.Sessions() != 1 {
		t.Errorf("want 1 passive session on b, got %d", b.Sessions())
	}
}

func TestLinkClose(t *testing.T) {
	a := newHost(t, hwA, "10.0.0.1")
	b := newHost(t, hwB, "10.0.0.2")
	link := New(a, b, Config{})
	if err := link.Close(); err != nil {
		t.Fatal(err)
	}
}
