// Package cm is a copy machine framework: a replicated state machine engine
// that coordinates resource-bounded restructuring of data (repair, rebalance,
// copy) across the replicas of a pool.
//
// A Machine walks INIT -> IDLE -> PREPARE -> READY -> ACTIVE -> STOP -> IDLE.
// While ACTIVE a pump manufactures copy packets as the type's resources
// allow. Packets belong to aggregation groups; the machine admits groups into
// its sliding window, persists every window advance in a Store and only then
// advertises it to the proxies of the other replicas. Inbound window updates
// are fenced: a proxy records an update only when its high end strictly
// exceeds the recorded one.
//
// Packets, the pump, the sliding window update and the liveness task are
// FOMs: cooperative state machines ticked by a shared Executor. A tick runs
// one phase and either continues or suspends on a channel; no goroutine is
// dedicated to a machine, a group or a packet.
//
// A restructuring algorithm plugs in through CopyMachineBehavior,
// AggrGroupBehavior and CopyPacketBehavior and is registered as a Type in a
// Registry.
package cm
