package collective

import "github.com/rocketbitz/collective-go/buffer"

// The operations below are part of the process-group surface but have no
// engine mapping in this backend. They fail without touching the engine.

func (g *Group) unsupported(op string) error {
	err := &UnsupportedOperationError{Op: op}
	g.stats.rejected.Add(1)
	g.hooks.metricRejected(reasonUnsupported, err, logKV(labelOperation, op))
	g.hooks.logEvent("rejected", logKV(labelOperation, op), logKV(labelReason, reasonUnsupported))
	return err
}

// AllReduceCoalesced is not supported.
func (g *Group) AllReduceCoalesced(_ []*buffer.Buffer, _ AllReduceOptions) (*Work, error) {
	return nil, g.unsupported("allreduce_coalesced")
}

// AllGatherBase is not supported.
func (g *Group) AllGatherBase(_, _ *buffer.Buffer, _ AllGatherOptions) (*Work, error) {
	return nil, g.unsupported("allgather_base")
}

// AllGatherCoalesced is not supported.
func (g *Group) AllGatherCoalesced(_ [][]*buffer.Buffer, _ []*buffer.Buffer, _ AllGatherOptions) (*Work, error) {
	return nil, g.unsupported("allgather_coalesced")
}

// ReduceScatter is not supported.
func (g *Group) ReduceScatter(_ []*buffer.Buffer, _ [][]*buffer.Buffer, _ ReduceOptions) (*Work, error) {
	return nil, g.unsupported("reduce_scatter")
}

// Send is not supported.
func (g *Group) Send(_ []*buffer.Buffer, _, _ int) (*Work, error) {
	return nil, g.unsupported("send")
}

// Recv is not supported.
func (g *Group) Recv(_ []*buffer.Buffer, _, _ int) (*Work, error) {
	return nil, g.unsupported("recv")
}

// RecvAnySource is not supported.
func (g *Group) RecvAnySource(_ []*buffer.Buffer, _ int) (*Work, error) {
	return nil, g.unsupported("recv_any_source")
}
