package bacnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned when no response arrived inside the window. On a
// broadcast network this is a frequent, expected outcome, not a failure.
var ErrTimeout = errors.New("bacnet: response window elapsed")

// IAmResult pairs a decoded I-Am with the responder's resolved address
type IAmResult struct {
	// Address is host:port for local peers, or "SNET:SADR-hex" for peers
	// announced through a router
	Address string
	// Network is the BACnet network number the device answered from
	// (0 for the local segment)
	Network uint16
	IAm     IAm
}

// RouterResult pairs an I-Am-Router-To-Network with the router's address
type RouterResult struct {
	Address  string
	Networks []uint16
}

// UDPTransport sends and receives BACnet/IP frames over a single UDP socket.
// A reader goroutine fans incoming frames out to active collectors; each
// request primitive registers a collector, sends, and gathers responses
// until its deadline.
type UDPTransport struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	local     string
	log       *logrus.Entry

	mu     sync.Mutex
	nextID int
	subs   map[int]chan received
	closed bool
}

type received struct {
	from  *net.UDPAddr
	frame *Frame
}

// NewUDPTransport binds a BACnet/IP socket. bind is the local listen address
// ("0.0.0.0:47808"); broadcast is the address enumeration broadcasts are
// sent to (the subnet's directed broadcast, or 255.255.255.255:47808).
func NewUDPTransport(bind, broadcast string, logger *logrus.Logger) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %q: %w", bind, err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", broadcast)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %q: %w", broadcast, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", bind, err)
	}

	t := &UDPTransport{
		conn:      conn,
		broadcast: baddr,
		local:     conn.LocalAddr().String(),
		log:       logger.WithField("component", "transport"),
		subs:      make(map[int]chan received),
	}
	go t.readLoop()
	return t, nil
}

// LocalAddress returns the bound socket address
func (t *UDPTransport) LocalAddress() string { return t.local }

// Close shuts the socket down and stops the reader
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.WithError(err).Warn("read failed")
			continue
		}
		frame, err := DecodeFrame(buf[:n])
		if err != nil {
			// malformed datagrams are logged and skipped, never fatal
			t.log.WithError(err).WithField("from", from.String()).Debug("dropping malformed frame")
			continue
		}
		t.dispatch(received{from: from, frame: frame})
	}
}

func (t *UDPTransport) dispatch(r received) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- r:
		default:
			// collector fell behind; dropping beats blocking the reader
		}
	}
}

func (t *UDPTransport) subscribe() (int, chan received) {
	ch := make(chan received, 256)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.subs[id] = ch
	return id, ch
}

func (t *UDPTransport) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// WhoIs broadcasts a ranged Who-Is and collects every I-Am that arrives
// within the window. Responses outside [low, high] are ignored so batches
// cannot bleed into each other.
func (t *UDPTransport) WhoIs(ctx context.Context, low, high uint32, window time.Duration) ([]IAmResult, error) {
	id, ch := t.subscribe()
	defer t.unsubscribe(id)

	if _, err := t.conn.WriteToUDP(EncodeWhoIs(low, high), t.broadcast); err != nil {
		return nil, fmt.Errorf("send who-is: %w", err)
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()

	var results []IAmResult
	for {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-deadline.C:
			return results, nil
		case r := <-ch:
			if r.frame.NPDU == nil || r.frame.NPDU.IsNetwork {
				continue
			}
			iam, err := ParseIAm(r.frame.NPDU.Payload)
			if err != nil {
				t.log.WithError(err).Debug("skipping malformed i-am")
				continue
			}
			if iam == nil || iam.Instance < low || iam.Instance > high {
				continue
			}
			results = append(results, IAmResult{
				Address: responderAddress(r),
				Network: r.frame.NPDU.SourceNetwork,
				IAm:     *iam,
			})
		}
	}
}

// WhoIsRouter broadcasts Who-Is-Router-To-Network for one network number
// (0 = any) and collects router announcements within the window
func (t *UDPTransport) WhoIsRouter(ctx context.Context, network uint16, window time.Duration) ([]RouterResult, error) {
	id, ch := t.subscribe()
	defer t.unsubscribe(id)

	if _, err := t.conn.WriteToUDP(EncodeWhoIsRouter(network), t.broadcast); err != nil {
		return nil, fmt.Errorf("send who-is-router: %w", err)
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()

	var results []RouterResult
	for {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-deadline.C:
			return results, nil
		case r := <-ch:
			npdu := r.frame.NPDU
			if npdu == nil || !npdu.IsNetwork || npdu.MessageType != msgIAmRouterToNetwork {
				continue
			}
			nets, err := ParseIAmRouter(npdu.Payload)
			if err != nil {
				t.log.WithError(err).Debug("skipping malformed i-am-router")
				continue
			}
			results = append(results, RouterResult{
				Address:  responderAddress(r),
				Networks: nets,
			})
		}
	}
}

// ReadBDT unicasts a Read-Broadcast-Distribution-Table request and waits for
// the matching ack. Devices that are not BBMDs simply never answer, which
// surfaces here as ErrTimeout.
func (t *UDPTransport) ReadBDT(ctx context.Context, address string, timeout time.Duration) ([]BDTEntry, error) {
	raddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", address, err)
	}

	id, ch := t.subscribe()
	defer t.unsubscribe(id)

	if _, err := t.conn.WriteToUDP(EncodeReadBDT(), raddr); err != nil {
		return nil, fmt.Errorf("send read-bdt to %s: %w", address, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case r := <-ch:
			if r.frame.Function != bvlcReadBDTAck {
				continue
			}
			if !r.from.IP.Equal(raddr.IP) {
				continue
			}
			return r.frame.BDT, nil
		}
	}
}

// responderAddress resolves the sender of a frame: the forwarding origin for
// relayed broadcasts, the SNET/SADR pair for routed peers, otherwise the UDP
// source itself
func responderAddress(r received) string {
	if npdu := r.frame.NPDU; npdu != nil && npdu.SourceNetwork != 0 {
		return fmt.Sprintf("%d:%x", npdu.SourceNetwork, npdu.SourceMAC)
	}
	if r.frame.Origin != "" {
		return r.frame.Origin
	}
	return r.from.String()
}
