package iprange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

// ErrPingUnavailable is returned by a Pinger that cannot send echo
// requests at all (no raw socket permission and no ping binary).
var ErrPingUnavailable = errors.New("icmp echo unavailable")

// Pinger checks that a host answers ICMP echo.
type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// Dialer opens TCP connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Result is the outcome of probing one address.
type Result struct {
	Addr string `json:"addr"`
	Ping bool   `json:"ping"`
	Port bool   `json:"port"`
	Err  error  `json:"-"`
}

// Reachable reports whether the SSH port answered. A ping answer alone
// is not enough.
func (r Result) Reachable() bool { return r.Port }

// ProberConfig configures a Prober.
type ProberConfig struct {
	Port        int
	PingCount   int
	PingTimeout time.Duration
	DialTimeout time.Duration
	// Concurrency bounds the number of hosts probed at once.
	Concurrency int
	Pinger      Pinger
	Dialer      Dialer
}

// Prober classifies target addresses as reachable or not.
type Prober struct {
	cfg ProberConfig
}

// NewProber creates a prober. Zero values get defaults: port 22, 3
// echo requests, 3s timeouts, 32 concurrent probes, ICMP with a ping
// binary fallback and a plain net.Dialer.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.PingCount == 0 {
		cfg.PingCount = 3
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 32
	}
	if cfg.Pinger == nil {
		cfg.Pinger = NewICMPPinger(cfg.PingCount, cfg.PingTimeout)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	return &Prober{cfg: cfg}
}

// Probe checks one address: ICMP first, then a single connection to
// port. A port of zero or less means the configured default. localhost
// is always reachable.
func (p *Prober) Probe(ctx context.Context, addr string, port int) Result {
	if port <= 0 {
		port = p.cfg.Port
	}
	res := Result{Addr: addr}
	if addr == Localhost {
		res.Ping, res.Port = true, true
		return res
	}

	err := p.cfg.Pinger.Ping(ctx, addr)
	switch {
	case err == nil:
		res.Ping = true
	case errors.Is(err, ErrPingUnavailable):
		log.Debug().Str("target_ip", addr).Msg("ICMP unavailable, probing port only")
	default:
		res.Err = fmt.Errorf("no echo reply: %w", err)
		return res
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, err := p.cfg.Dialer.DialContext(dctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		res.Err = fmt.Errorf("port %d closed: %w", port, err)
		return res
	}
	_ = conn.Close()
	res.Port = true
	return res
}

// ProbeAll probes addrs on port concurrently. Results keep the order of
// addrs.
func (p *Prober) ProbeAll(ctx context.Context, addrs []string, port int) []Result {
	results := make([]Result, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			results[i] = p.Probe(gctx, addr, port)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Reachable returns the subset of addrs answering on the default port,
// in order.
func (p *Prober) Reachable(ctx context.Context, addrs []string) []string {
	var out []string
	for _, r := range p.ProbeAll(ctx, addrs, 0) {
		if r.Reachable() {
			out = append(out, r.Addr)
		} else {
			log.Debug().Str("target_ip", r.Addr).Err(r.Err).Msg("Host unreachable")
		}
	}
	return out
}

// ICMPPinger sends echo requests with golang.org/x/net/icmp, using a raw
// socket when permitted, then an unprivileged datagram socket, then the
// system ping binary.
type ICMPPinger struct {
	count   int
	timeout time.Duration
}

// NewICMPPinger creates a pinger sending count requests and waiting up
// to timeout for one reply.
func NewICMPPinger(count int, timeout time.Duration) *ICMPPinger {
	return &ICMPPinger{count: count, timeout: timeout}
}

// Ping succeeds on the first echo reply from addr.
func (p *ICMPPinger) Ping(ctx context.Context, addr string) error {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return fmt.Errorf("not an IPv4 address: %s", addr)
	}

	conn, privileged, err := listenICMP()
	if err != nil {
		return pingBinary(ctx, addr, p.count, p.timeout)
	}
	defer conn.Close()

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		dst = &net.IPAddr{IP: ip}
	}

	id := os.Getpid() & 0xffff
	for seq := 1; seq <= p.count; seq++ {
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("pcutils")},
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return err
		}
		if _, err := conn.WriteTo(wb, dst); err != nil {
			return fmt.Errorf("send echo: %w", err)
		}
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if peerIP(peer).Equal(ip) {
			return nil
		}
	}
}

func listenICMP() (*icmp.PacketConn, bool, error) {
	if conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0"); err == nil {
		return conn, true, nil
	}
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

func peerIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// pingBinary runs the system ping as a last resort.
func pingBinary(ctx context.Context, addr string, count int, timeout time.Duration) error {
	path, err := exec.LookPath("ping")
	if err != nil {
		return ErrPingUnavailable
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(ctx, path, "-c", strconv.Itoa(count), "-W", strconv.Itoa(secs), addr)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ping %s: %w", addr, err)
	}
	return nil
}
