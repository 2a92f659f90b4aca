package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

const (
	// rrnSeqSpace is the size of the per-day sequence in an RRN.
	rrnSeqSpace = 10_000_000
	// rrnTick is how much of the day one sequence number stands for.
	rrnTick = 24 * time.Hour / rrnSeqSpace
)

// IDs mints the identifiers a transaction carries. Transaction IDs are ULIDs
// so they sort by creation time; event IDs are snowflakes unique per node.
type IDs struct {
	node   *snowflake.Node
	nodeID int64

	mu  sync.Mutex
	day int
	seq int64
}

func NewIDs(nodeID int64) (*IDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &IDs{node: node, nodeID: nodeID}, nil
}

func (g *IDs) TransactionID() string { return ulid.Make().String() }

// RRN returns a 12 digit retrieval reference number laid out as YDDDNSSSSSSS:
// last digit of the year, day of the year, last digit of the node ID and a
// seven digit sequence. The sequence never falls behind the time of day, so a
// restarted node does not reissue numbers unless it ran ahead of the clock,
// which takes more than about 115 RRNs a second sustained.
func (g *IDs) RRN(now time.Time) string {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	floor := int64(now.Sub(midnight) / rrnTick)
	day := now.Year()*1000 + now.YearDay()

	g.mu.Lock()
	if day != g.day {
		g.day, g.seq = day, 0
	} else {
		g.seq++
	}
	g.seq = max(g.seq, floor)
	seq := g.seq % rrnSeqSpace
	g.mu.Unlock()

	return fmt.Sprintf("%d%03d%d%07d", now.Year()%10, now.YearDay(), g.nodeID%10, seq)
}

func (g *IDs) EventID() string { return g.node.Generate().String() }
