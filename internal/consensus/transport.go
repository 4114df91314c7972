package consensus

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"
)

const (
	transportPool    = 3
	transportTimeout = 10 * time.Second
	snapshotsRetain  = 2
)

// NewTCPTransport listens on bindAddr and advertises advertiseAddr to peers.
func NewTCPTransport(bindAddr, advertiseAddr string, logOutput io.Writer) (*raft.NetworkTransport, error) {
	if advertiseAddr == "" {
		advertiseAddr = bindAddr
	}
	advertise, err := net.ResolveTCPAddr("tcp", advertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft advertise address: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, advertise, transportPool, transportTimeout, logOutput)
	if err != nil {
		return nil, fmt.Errorf("raft transport: %w", err)
	}
	return transport, nil
}

// NewFileSnapshots keeps machine snapshots under dir.
func NewFileSnapshots(dir string, logOutput io.Writer) (raft.SnapshotStore, error) {
	store, err := raft.NewFileSnapshotStore(dir, snapshotsRetain, logOutput)
	if err != nil {
		return nil, fmt.Errorf("raft snapshots: %w", err)
	}
	return store, nil
}
