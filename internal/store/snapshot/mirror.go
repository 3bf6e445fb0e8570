package snapshot

import (
	"context"

	"github.com/ecaradonna/stableyield/internal/domain"
	"github.com/ecaradonna/stableyield/internal/store"
)

// MirroredStore wraps a store.Store so every successful Append also writes
// an msgpack record to the embedded sqlite log. A Writer-side failure is
// logged by the caller, never fatal: the in-memory store stays
// authoritative even if the mirror falls behind.
type MirroredStore struct {
	*store.Store
	w *Writer
}

func NewMirroredStore(s *store.Store, w *Writer) *MirroredStore {
	return &MirroredStore{Store: s, w: w}
}

func (m *MirroredStore) AppendIndexValue(v domain.IndexValue) error {
	if err := m.Store.AppendIndexValue(v); err != nil {
		return err
	}
	return m.w.Append(context.Background(), StreamIndexValue, string(v.IndexCode), v.ObservedAt.UnixMilli(), v)
}

func (m *MirroredStore) AppendRAY(r domain.RAYRecord) error {
	if err := m.Store.AppendRAY(r); err != nil {
		return err
	}
	return m.w.Append(context.Background(), StreamRAY, r.Symbol+"/"+r.SourceID, r.ObservedAt.UnixMilli(), r)
}

func (m *MirroredStore) AppendPegMetrics(p domain.PegMetrics) error {
	if err := m.Store.AppendPegMetrics(p); err != nil {
		return err
	}
	return m.w.Append(context.Background(), StreamPegMetrics, p.Symbol, p.WindowEnd.UnixMilli(), p)
}

func (m *MirroredStore) AppendLiquidityMetrics(l domain.LiquidityMetrics) error {
	if err := m.Store.AppendLiquidityMetrics(l); err != nil {
		return err
	}
	return m.w.Append(context.Background(), StreamLiquidityMetrics, l.Symbol, l.WindowEnd.UnixMilli(), l)
}

func (m *MirroredStore) AppendRegimeSample(r domain.RegimeSample) error {
	if err := m.Store.AppendRegimeSample(r); err != nil {
		return err
	}
	return m.w.Append(context.Background(), StreamRegimeSample, "regime", r.Date.UnixMilli(), r)
}

// RestoreIndexValues replays the index_value stream back into s, used at
// startup before the scheduler starts ticking.
func RestoreIndexValues(ctx context.Context, w *Writer, s *store.Store, decode func([]byte) (domain.IndexValue, error)) error {
	return w.Replay(ctx, StreamIndexValue, func(payload []byte) error {
		v, err := decode(payload)
		if err != nil {
			return err
		}
		return s.AppendIndexValue(v)
	})
}
