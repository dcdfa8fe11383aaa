package cm

import "context"

// CopyMachineBehavior is the seam through which a restructuring algorithm
// plugs into the core. Unless noted otherwise the methods are called with the
// machine locked and must not call back into locking Machine methods.
type CopyMachineBehavior interface {
	Setup(m *Machine) error
	// Prepare runs while the persisted window is loaded. An error reverts
	// the machine to IDLE silently.
	Prepare(m *Machine) error
	Start(m *Machine) error
	Stop(m *Machine) error
	// Fini is called without the lock once the machine is finalised.
	Fini(m *Machine)

	// AllocGroup constructs the group id. Registration is done by the core.
	AllocGroup(m *Machine, id AggrGroupID, hasIncoming bool) (*AggrGroup, error)
	// AllocPacket returns ErrNoBuffers when no packet can be built right now.
	AllocPacket(m *Machine) (*CopyPacket, error)
	// DataNext attaches the next unit of work to cp and sets cp.AG. It returns
	// ErrNoData when the input is exhausted and ErrNoBuffers on temporary
	// exhaustion.
	DataNext(m *Machine, cp *CopyPacket) error
	// NextGroupID returns the first relevant group id strictly after after.
	// ErrNoSpace is a soft stop, ErrNoData means no further group exists.
	NextGroupID(m *Machine, after AggrGroupID) (AggrGroupID, error)
	HasSpace(m *Machine, id AggrGroupID) bool
	// SWUpdateMessage builds the window update sent to endpoint. Returning nil
	// selects the default message.
	SWUpdateMessage(m *Machine, sw SlidingWindow, endpoint string) *SWUpdate
}

// AggrGroupBehavior is the per-group capability set. A type usually returns a
// value that also carries the group's private state.
type AggrGroupBehavior interface {
	// CanFinalize is called after cp reached FINI.
	CanFinalize(ag *AggrGroup, cp *CopyPacket) bool
	Finalize(ag *AggrGroup)
	LocalCPCount(ag *AggrGroup) uint64
}

// OutboundChecker is optionally implemented by an AggrGroupBehavior. It
// decides whether a group found only in the inbound registry by an outbound
// lookup is promoted into the outbound registry. Groups without it are always
// promoted.
type OutboundChecker interface {
	HasOutbound(ag *AggrGroup) bool
}

// CPAction runs one phase of a copy packet.
type CPAction func(cp *CopyPacket) FOMResult

// CopyPacketBehavior resolves phase actions for a packet.
type CopyPacketBehavior interface {
	// Action returns nil for phases the packet never enters. FAIL has a
	// default action moving the packet to FINI.
	Action(phase CPPhase) CPAction
	// Free releases type resources. Called without the machine lock.
	Free(cp *CopyPacket)
}

// Store is a durable transactional key-value store.
type Store interface {
	Begin(update bool) (Txn, error)
	Close() error
}

// Txn is a store transaction. Get returns ErrNotFound for absent keys.
// Commit is asynchronous: the returned channel yields once the commit is
// durable. A transaction is finished by exactly one Commit or Discard.
type Txn interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Commit() <-chan error
	Discard()
}

// Transport opens connections to remote replicas.
type Transport interface {
	Connect(ctx context.Context, endpoint string) (Conn, error)
}

// Conn sends one-way messages. Send must not block: the returned channel
// yields once the message was delivered or failed.
type Conn interface {
	Send(ctx context.Context, msg *SWUpdate) <-chan error
	Close() error
}

// Catalog lists the other replicas of the pool.
type Catalog interface {
	Peers(ctx context.Context) ([]string, error)
}

// Reporter receives lifecycle failures. It must not block.
type Reporter interface {
	ReportFailure(loc string, kind FailureKind, err error)
}
