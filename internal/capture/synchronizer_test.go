package capture

import (
	"errors"
	"testing"
)

type visitLog struct {
	ids [][]uint64
}

func (v *visitLog) visit(frames []Frame) (bool, error) {
	row := make([]uint64, len(frames))
	for i, f := range frames {
		row[i] = f.Header.FrameID
	}
	v.ids = append(v.ids, row)
	return true, nil
}

func TestSynchronizerAlignedStreams(t *testing.T) {
	rt := configuredSim(t, true)
	rt.SetNextFrameID(0, 100)
	rt.SetNextFrameID(1, 100)
	rt.Inject(0, 5)
	rt.Inject(1, 5)

	s := NewSynchronizer(fastReader(rt), true)
	var log visitLog
	b, err := s.Next(0, log.visit)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if b.Size != 5 || b.StartFrameID != 100 || b.Mismatches != 0 {
		t.Errorf("batch = %+v, want 5 frames from 100 without mismatches", b)
	}
	for i, row := range log.ids {
		want := uint64(100 + i)
		if row[0] != want || row[1] != want {
			t.Errorf("visit %d = %v, want [%d %d]", i, row, want, want)
		}
	}
	for st := 0; st < 2; st++ {
		if got := rt.Stats(st).BytesUnmapped; got != 5*frameStride(1) {
			t.Errorf("stream %d unmapped %d bytes, want %d", st, got, 5*frameStride(1))
		}
	}
}

func TestSynchronizerBatchIsShortestStream(t *testing.T) {
	rt := configuredSim(t, true)
	rt.SetNextFrameID(0, 100)
	rt.SetNextFrameID(1, 100)
	rt.Inject(0, 5)
	rt.Inject(1, 3)

	s := NewSynchronizer(fastReader(rt), true)
	var log visitLog
	b, err := s.Next(0, log.visit)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if b.Size != 3 || b.Available != [2]int{5, 3} {
		t.Errorf("batch = %+v, want size 3 of [5 3]", b)
	}
	if len(log.ids) != 3 || log.ids[2][0] != 102 {
		t.Errorf("visited %v, want frames 100-102", log.ids)
	}
	for st := 0; st < 2; st++ {
		if got := rt.Stats(st).BytesUnmapped; got != 3*frameStride(1) {
			t.Errorf("stream %d unmapped %d bytes, want %d", st, got, 3*frameStride(1))
		}
	}
}

func TestSynchronizerLimit(t *testing.T) {
	rt := configuredSim(t, false)
	rt.Inject(0, 4)

	s := NewSynchronizer(fastReader(rt), false)
	var log visitLog
	b, err := s.Next(1, log.visit)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if b.Size != 1 || len(log.ids) != 1 {
		t.Errorf("limit 1 delivered %d frames", b.Size)
	}
	if got := rt.Stats(0).BytesUnmapped; got != frameStride(1) {
		t.Errorf("unmapped %d bytes, want one frame", got)
	}
}

func TestSynchronizerMismatchIsNotFatal(t *testing.T) {
	rt := configuredSim(t, true)
	rt.SetNextFrameID(0, 10)
	rt.SetNextFrameID(1, 11)
	rt.Inject(0, 3)
	rt.Inject(1, 3)

	s := NewSynchronizer(fastReader(rt), true)
	var log visitLog
	b, err := s.Next(0, log.visit)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if b.Size != 3 {
		t.Errorf("Size = %d, want 3", b.Size)
	}
	if b.Mismatches != 3 || s.Missed() != 3 {
		t.Errorf("Mismatches = %d, Missed = %d, want 3 each", b.Mismatches, s.Missed())
	}
}

func TestSynchronizerDetectsGapBetweenPolls(t *testing.T) {
	rt := configuredSim(t, false)
	rt.Inject(0, 2)

	s := NewSynchronizer(fastReader(rt), false)
	var log visitLog
	if _, err := s.Next(0, log.visit); err != nil {
		t.Fatalf("Next: %v", err)
	}

	rt.Skip(0, 3)
	rt.Inject(0, 1)
	if _, err := s.Next(0, log.visit); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if s.Missed() != 3 {
		t.Errorf("Missed = %d, want 3", s.Missed())
	}

	s.Reset()
	if s.Missed() != 0 {
		t.Error("Reset should clear the missed count")
	}
}

func TestSynchronizerConsumesOnlyCompositedFrames(t *testing.T) {
	rt := configuredSim(t, false)
	rt.Inject(0, 3)

	s := NewSynchronizer(fastReader(rt), false)
	visitErr := errors.New("composite failed")
	calls := 0
	b, err := s.Next(0, func(frames []Frame) (bool, error) {
		calls++
		if calls == 2 {
			return false, visitErr
		}
		return true, nil
	})
	if !errors.Is(err, visitErr) {
		t.Fatalf("Next = %v, want visitor error", err)
	}
	if b.Size != 1 {
		t.Errorf("Size = %d, want 1", b.Size)
	}
	if got := rt.Stats(0).BytesUnmapped; got != frameStride(1) {
		t.Errorf("unmapped %d bytes, want exactly one frame", got)
	}
}

func TestSynchronizerSecondStreamTimeout(t *testing.T) {
	rt := configuredSim(t, true)
	rt.Inject(0, 2)

	s := NewSynchronizer(fastReader(rt), true)
	var log visitLog
	_, err := s.Next(0, log.visit)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Next = %v, want ErrTimeout", err)
	}
	if len(log.ids) != 0 {
		t.Error("no frames should be visited")
	}

	st := rt.Stats(0)
	if st.UnmapCalls != 1 || st.BytesUnmapped != 0 {
		t.Errorf("stream 0: %d unmaps of %d bytes, want one empty unmap", st.UnmapCalls, st.BytesUnmapped)
	}
}
