package mdl

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"go.uber.org/multierr"
	"lukechampine.com/blake3"

	"github.com/ptarmigan-os/mdl/internal/obslog"
	"github.com/ptarmigan-os/mdl/internal/region"
)

// Audit recomputes descriptor_count/total_bytes/free_bytes from a fresh
// tree walk and compares them against the incrementally maintained
// counters, combining every mismatch it finds into one error (spec §7:
// "Internal invariants ... are checked by the print audit"). A non-nil
// return indicates a bug in the list itself, not caller misuse.
func (l *List) Audit() error {
	l.requireActive()
	var count int
	var total, free uint64
	l.tree.Walk(func(d *region.Descriptor) {
		count++
		total += d.Size
		if d.Type.IsFreeLike() {
			free += d.Size
		}
	})

	var errs error
	if count != l.descriptorCount {
		errs = multierr.Append(errs, fmt.Errorf("descriptor count mismatch: tracked=%d recomputed=%d", l.descriptorCount, count))
	}
	if total != l.totalBytes {
		errs = multierr.Append(errs, fmt.Errorf("total bytes mismatch: tracked=%#x recomputed=%#x", l.totalBytes, total))
	}
	if free != l.freeBytes {
		errs = multierr.Append(errs, fmt.Errorf("free bytes mismatch: tracked=%#x recomputed=%#x", l.freeBytes, free))
	}
	if errs != nil {
		l.log.Error("mdl audit failed", obslog.F("error", errs))
	}
	return errs
}

// Fingerprint returns a blake3 digest of the ordered descriptor walk, a
// cheap drift detector alongside the count/byte audit: two lists with
// matching fingerprints describe the same regions in the same order.
func (l *List) Fingerprint() [32]byte {
	l.requireActive()
	h := blake3.New(32, nil)
	l.tree.Walk(func(d *region.Descriptor) {
		var rec [24]byte
		binary.LittleEndian.PutUint64(rec[0:8], d.BaseAddress)
		binary.LittleEndian.PutUint64(rec[8:16], d.Size)
		binary.LittleEndian.PutUint64(rec[16:24], uint64(d.Type))
		h.Write(rec[:])
	})
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Print renders a human-readable dump plus the audit result, the
// print(mdl) contract from spec §6.
func (l *List) Print() string {
	l.requireActive()
	var b strings.Builder
	fmt.Fprintf(&b, "mdl %q: %d descriptors, total=%#x free=%#x, reserve=%d\n",
		l.name, l.descriptorCount, l.totalBytes, l.freeBytes, l.arena.UnusedCount())
	l.tree.Walk(func(d *region.Descriptor) {
		fmt.Fprintf(&b, "  [%#016x, %#016x) %s\n", d.BaseAddress, d.End(), d.Type)
	})
	if err := l.Audit(); err != nil {
		fmt.Fprintf(&b, "AUDIT FAILED: %v\n", err)
	}
	if bucket, ok := l.buckets.HighestNonEmpty(); ok {
		fmt.Fprintf(&b, "largest free bucket: %d\n", bucket)
	}
	fmt.Fprintf(&b, "fingerprint: %x\n", l.Fingerprint())
	return b.String()
}

// Snapshot writes a brotli-compressed copy of Print's dump to w, for
// offline diagnostics where the human-readable form is too large to ship
// uncompressed.
func (l *List) Snapshot(w io.Writer) error {
	dump := l.Print()
	bw := brotli.NewWriter(w)
	if _, err := bw.Write([]byte(dump)); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}
