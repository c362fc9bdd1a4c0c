package docsync

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func filledRing(n int, from, to uint64) *RingBuffer {
	rb := NewRingBuffer(n)
	for s := from; s <= to; s++ {
		rb.Put(UpdateRecord{Seq: s, PrevSeq: s - 1, Update: []byte{byte(s)}})
	}
	return rb
}

func TestRingBufferGetSince(t *testing.T) {
	tests := []struct {
		name    string
		ring    *RingBuffer
		lastSeq uint64
		seq     uint64
		baseSeq uint64
		want    []uint64
		wantErr error
	}{
		{
			name:    "caller is current",
			ring:    filledRing(3, 1, 4),
			lastSeq: 4, seq: 4,
		},
		{
			name:    "caller ahead of room",
			ring:    filledRing(3, 1, 4),
			lastSeq: 9, seq: 4,
		},
		{
			name:    "tail of window",
			ring:    filledRing(3, 1, 4),
			lastSeq: 3, seq: 4,
			want: []uint64{4},
		},
		{
			// minCovered = max(4-3+1, 0+1) = 2, so a cursor of 1 is still served
			name:    "oldest record still in window",
			ring:    filledRing(3, 1, 4),
			lastSeq: 1, seq: 4,
			want: []uint64{2, 3, 4},
		},
		{
			name:    "overwritten slot",
			ring:    filledRing(3, 1, 4),
			lastSeq: 0, seq: 4,
			wantErr: ErrNotCoverable,
		},
		{
			name:    "before snapshot anchor",
			ring:    filledRing(3, 4, 4),
			lastSeq: 2, seq: 4, baseSeq: 3,
			wantErr: ErrNotCoverable,
		},
		{
			name:    "at snapshot anchor",
			ring:    filledRing(3, 4, 4),
			lastSeq: 3, seq: 4, baseSeq: 3,
			want: []uint64{4},
		},
		{
			name:    "slot emptied by reset",
			ring:    filledRing(3, 4, 4),
			lastSeq: 1, seq: 4,
			wantErr: ErrNotCoverable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.ring.GetSince(tt.lastSeq, tt.seq, tt.baseSeq)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetSince(%d) error = %v, want %v", tt.lastSeq, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, recordSeqs(got)); diff != "" {
				t.Errorf("GetSince(%d) seqs mismatch (-want +got):\n%s", tt.lastSeq, diff)
			}
		})
	}
}

func TestRingBufferWrapsWithoutLosingWindow(t *testing.T) {
	rb := filledRing(5, 1, 23)

	got, err := rb.GetSince(18, 23, 0)
	if err != nil {
		t.Fatalf("GetSince: %v", err)
	}
	if diff := cmp.Diff(seqRange(19, 23), recordSeqs(got)); diff != "" {
		t.Errorf("seqs mismatch (-want +got):\n%s", diff)
	}
	for i, rec := range got {
		if rec.Update[0] != byte(19+i) {
			t.Errorf("record %d carries payload of seq %d", rec.Seq, rec.Update[0])
		}
	}
	if _, err := rb.GetSince(17, 23, 0); !errors.Is(err, ErrNotCoverable) {
		t.Errorf("GetSince(17) error = %v, want ErrNotCoverable", err)
	}
}

func TestRingBufferMinCovered(t *testing.T) {
	rb := NewRingBuffer(10)
	tests := []struct {
		seq, baseSeq, want uint64
	}{
		{seq: 0, baseSeq: 0, want: 1},
		{seq: 9, baseSeq: 0, want: 1},
		{seq: 10, baseSeq: 0, want: 1},
		{seq: 11, baseSeq: 0, want: 2},
		{seq: 11, baseSeq: 7, want: 8},
		{seq: 300, baseSeq: 300, want: 301},
	}
	for _, tt := range tests {
		if got := rb.MinCovered(tt.seq, tt.baseSeq); got != tt.want {
			t.Errorf("MinCovered(%d, %d) = %d, want %d", tt.seq, tt.baseSeq, got, tt.want)
		}
	}
}

func TestNewRingBufferDefaultSize(t *testing.T) {
	if got := NewRingBuffer(0).Cap(); got != DefaultRingSize {
		t.Errorf("Cap() = %d, want %d", got, DefaultRingSize)
	}
}
