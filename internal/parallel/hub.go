package parallel

import (
	"context"
	"fmt"
)

type message struct {
	root int
	seq  uint64
	data []byte
}

// Hub connects ranks running in one process, one goroutine per rank.
// It is used for local clusters and for tests.
//
// Each receiver has one queue per sender, so broadcasts from different roots
// cannot overtake each other.
type Hub struct {
	size   int
	queues [][]chan message // [receiver][root]
}

// NewHub creates a hub for size ranks.
func NewHub(size int) *Hub {
	h := &Hub{size: size, queues: make([][]chan message, size)}
	for r := range h.queues {
		h.queues[r] = make([]chan message, size)
		for root := range h.queues[r] {
			if root != r {
				h.queues[r][root] = make(chan message, 64)
			}
		}
	}
	return h
}

// Size returns the number of ranks.
func (h *Hub) Size() int {
	return h.size
}

// Rank returns the coordinator for rank r. Each rank's coordinator must be
// used by a single goroutine.
func (h *Hub) Rank(r int) Coordinator {
	if r < 0 || r >= h.size {
		panic(fmt.Sprintf("rank %d out of range for hub of %d", r, h.size))
	}
	return &hubMember{hub: h, rank: r}
}

type hubMember struct {
	hub  *Hub
	rank int
	seq  uint64
}

func (m *hubMember) Rank() int { return m.rank }
func (m *hubMember) Size() int { return m.hub.size }

func (m *hubMember) Broadcast(ctx context.Context, data []byte, root int) ([]byte, error) {
	if root < 0 || root >= m.hub.size {
		return nil, fmt.Errorf("broadcast root %d out of range for %d ranks", root, m.hub.size)
	}
	m.seq++

	if m.rank == root {
		for r := range m.hub.queues {
			if r == root {
				continue
			}
			msg := message{root: root, seq: m.seq, data: append([]byte(nil), data...)}
			select {
			case m.hub.queues[r][root] <- msg:
			case <-ctx.Done():
				return nil, fmt.Errorf("broadcast %d from rank %d: %w", m.seq, root, ctx.Err())
			}
		}
		return data, nil
	}

	select {
	case msg := <-m.hub.queues[m.rank][root]:
		if msg.root != root || msg.seq != m.seq {
			return nil, fmt.Errorf("collective mismatch on rank %d: expected broadcast %d from rank %d, got %d from rank %d",
				m.rank, m.seq, root, msg.seq, msg.root)
		}
		return msg.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("broadcast %d from rank %d: %w", m.seq, root, ctx.Err())
	}
}
