package raftstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
)

// applyResult is what a successful Apply hands back to the proposer.
type applyResult struct {
	snapshots []negotiation.Snapshot
}

// fsm applies replicated commands to the negotiation table.
type fsm struct {
	table *memory.Table
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if err := cmd.Verify(); err != nil {
		return err
	}
	res, err := f.apply(cmd)
	if err != nil {
		return err
	}
	return res
}

func (f *fsm) apply(cmd Command) (applyResult, error) {
	at := cmd.At.UTC()
	switch cmd.Op {
	case OpLease:
		p, err := DecodePayload[LeasePayload](cmd.Payload)
		if err != nil {
			return applyResult{}, err
		}
		s, err := f.table.Lease(p.EntityID, cmd.Holder, at, p.Duration)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{snapshots: []negotiation.Snapshot{s}}, nil
	case OpLeaseNext:
		p, err := DecodePayload[LeaseNextPayload](cmd.Payload)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{snapshots: f.table.LeaseNext(cmd.Holder, p.Max, p.Criteria, at, p.Duration)}, nil
	case OpSave:
		p, err := DecodePayload[SavePayload](cmd.Payload)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{}, f.table.Save(cmd.Holder, p.Negotiation, at)
	case OpBreakLease:
		p, err := DecodePayload[EntityPayload](cmd.Payload)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{}, f.table.BreakLease(cmd.Holder, p.EntityID, at)
	case OpDelete:
		p, err := DecodePayload[EntityPayload](cmd.Payload)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{}, f.table.Delete(cmd.Holder, p.EntityID, at)
	default:
		return applyResult{}, fmt.Errorf("unsupported op: %s", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.table.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.table.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
