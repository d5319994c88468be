package pool

import (
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// OnDemand reserves the memories and tables of each instance when it is allocated, and releases them
// on deallocation. Dynamic memories move when they outgrow their reservation.
type OnDemand struct {
	cfg Config
}

var _ InstanceAllocator = (*OnDemand)(nil)

// NewOnDemand returns an allocator without instance limits, except for the default table capacity
// Limits.TableElements of tables without a maximum.
func NewOnDemand(cfg Config) *OnDemand {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &OnDemand{cfg: cfg}
}

// Allocate implements InstanceAllocator.Allocate.
func (o *OnDemand) Allocate(req *Request) (a *Allocation, err error) {
	a = &Allocation{Index: -1, VMContext: make([]byte, req.VMContextSize)}
	defer func() {
		if err != nil {
			_ = o.Deallocate(a)
			a = nil
		}
	}()

	for _, plan := range req.Memories {
		var s *MemorySlot
		if s, err = newOwnedMemorySlot(plan.Layout, plan.Maximum, o.cfg.Tunables.DynamicMemoryGrowthReserve, o.cfg.Registrar); err != nil {
			return
		}
		a.Memories = append(a.Memories, s)
		if err = s.Instantiate(plan.Initial, plan.Image); err != nil {
			return
		}
	}
	for _, plan := range req.Tables {
		capacity := max(plan.Initial, o.cfg.Limits.TableElements)
		if plan.HasMax {
			capacity = plan.Maximum
		}
		var s *TableSlot
		if s, err = newOwnedTableSlot(capacity); err != nil {
			return
		}
		a.Tables = append(a.Tables, s)
		if err = s.Instantiate(plan.Initial); err != nil {
			return
		}
	}
	o.cfg.Metrics.InstanceAllocated()
	o.cfg.Logger.Debug("allocated instance on demand",
		zap.Uint64("module", req.ModuleID),
		zap.Int("memories", len(a.Memories)),
		zap.Int("tables", len(a.Tables)))
	return
}

// Deallocate implements InstanceAllocator.Deallocate.
func (o *OnDemand) Deallocate(a *Allocation) error {
	var err error
	for _, s := range a.Memories {
		if e := s.Destroy(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	for _, s := range a.Tables {
		if e := s.Destroy(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	a.Memories, a.Tables = nil, nil
	return err
}

// Close implements InstanceAllocator.Close.
func (o *OnDemand) Close() error {
	return nil
}
