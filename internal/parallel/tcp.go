package parallel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// TCP is a star-shaped coordinator across processes. Rank 0 listens and
// relays; every other rank holds one connection to rank 0.
type TCP struct {
	rank  int
	size  int
	seq   uint64
	ln    net.Listener
	peers []*peerConn // rank 0: indexed by rank; others: peers[0] only
}

type peerConn struct {
	conn net.Conn
	r    *bufio.Reader
}

const frameHeader = 16

// ListenTCP starts rank 0 on addr and waits until size-1 peers have joined.
func ListenTCP(ctx context.Context, addr string, size int) (*TCP, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid cluster size %d", size)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return AcceptTCP(ctx, ln, size)
}

// AcceptTCP runs rank 0 on an existing listener. The listener is owned by
// the returned coordinator.
func AcceptTCP(ctx context.Context, ln net.Listener, size int) (*TCP, error) {
	if size < 1 {
		ln.Close()
		return nil, fmt.Errorf("invalid cluster size %d", size)
	}
	t := &TCP{rank: 0, size: size, ln: ln, peers: make([]*peerConn, size)}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for joined := 1; joined < size; joined++ {
		conn, err := ln.Accept()
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to accept peer: %w", err)
		}
		var hello [4]byte
		if _, err := io.ReadFull(conn, hello[:]); err != nil {
			conn.Close()
			t.Close()
			return nil, fmt.Errorf("failed to read peer handshake: %w", err)
		}
		rank := int(binary.LittleEndian.Uint32(hello[:]))
		if rank <= 0 || rank >= size || t.peers[rank] != nil {
			conn.Close()
			t.Close()
			return nil, fmt.Errorf("peer announced invalid or duplicate rank %d", rank)
		}
		t.peers[rank] = &peerConn{conn: conn, r: bufio.NewReader(conn)}
		slog.Debug("Peer joined", "rank", rank, "remote", conn.RemoteAddr().String())
	}
	return t, nil
}

// DialTCP joins the cluster at addr as rank. It retries until rank 0 is
// reachable or ctx is done.
func DialTCP(ctx context.Context, addr string, rank, size int) (*TCP, error) {
	if rank <= 0 || rank >= size {
		return nil, fmt.Errorf("rank %d out of range for %d ranks", rank, size)
	}
	var d net.Dialer
	backoff := 50 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			var hello [4]byte
			binary.LittleEndian.PutUint32(hello[:], uint32(rank))
			if _, err := conn.Write(hello[:]); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to send handshake: %w", err)
			}
			return &TCP{
				rank:  rank,
				size:  size,
				peers: []*peerConn{{conn: conn, r: bufio.NewReader(conn)}},
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to reach rank 0 at %s: %w", addr, errors.Join(err, ctx.Err()))
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (t *TCP) Rank() int { return t.rank }
func (t *TCP) Size() int { return t.size }

func (t *TCP) Broadcast(ctx context.Context, data []byte, root int) ([]byte, error) {
	if root < 0 || root >= t.size {
		return nil, fmt.Errorf("broadcast root %d out of range for %d ranks", root, t.size)
	}
	t.seq++

	stop := context.AfterFunc(ctx, func() {
		for _, p := range t.peers {
			if p != nil {
				p.conn.SetDeadline(time.Now())
			}
		}
	})
	defer stop()

	var err error
	if t.rank == 0 {
		data, err = t.relay(data, root)
	} else {
		data, err = t.exchange(data, root)
	}
	if err != nil && ctx.Err() != nil {
		err = errors.Join(err, ctx.Err())
	}
	return data, err
}

// relay runs on rank 0: fetch root's payload if needed, then fan it out.
func (t *TCP) relay(data []byte, root int) ([]byte, error) {
	if root != 0 {
		var err error
		data, err = t.readFrame(t.peers[root], root)
		if err != nil {
			return nil, err
		}
	}
	for r := 1; r < t.size; r++ {
		if r == root {
			continue
		}
		if err := t.writeFrame(t.peers[r], data, root); err != nil {
			return nil, fmt.Errorf("failed to send broadcast to rank %d: %w", r, err)
		}
	}
	return data, nil
}

// exchange runs on ranks other than 0.
func (t *TCP) exchange(data []byte, root int) ([]byte, error) {
	if root == t.rank {
		if err := t.writeFrame(t.peers[0], data, root); err != nil {
			return nil, fmt.Errorf("failed to send broadcast to rank 0: %w", err)
		}
		return data, nil
	}
	return t.readFrame(t.peers[0], root)
}

func (t *TCP) writeFrame(p *peerConn, data []byte, root int) error {
	var hdr [frameHeader]byte
	binary.LittleEndian.PutUint64(hdr[0:8], t.seq)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(root))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(data)))
	if _, err := p.conn.Write(append(hdr[:], data...)); err != nil {
		return err
	}
	return nil
}

func (t *TCP) readFrame(p *peerConn, root int) ([]byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read broadcast header: %w", err)
	}
	seq := binary.LittleEndian.Uint64(hdr[0:8])
	from := int(binary.LittleEndian.Uint32(hdr[8:12]))
	n := binary.LittleEndian.Uint32(hdr[12:16])
	if seq != t.seq || from != root {
		return nil, fmt.Errorf("collective mismatch on rank %d: expected broadcast %d from rank %d, got %d from rank %d",
			t.rank, t.seq, root, seq, from)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return nil, fmt.Errorf("failed to read broadcast payload: %w", err)
	}
	return data, nil
}

// Close releases all connections.
func (t *TCP) Close() error {
	var errs []error
	for _, p := range t.peers {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	if t.ln != nil {
		errs = append(errs, t.ln.Close())
	}
	return errors.Join(errs...)
}
