// Package fec implements the systematic Reed-Solomon codec over GF(2^8)
// required by spec.md §4.2 (RFC 5510 FEC encoding id 5, and the 8-bit
// "small block" variant, id 129). Rather than hand-rolling GF(2^8) log/exp
// tables and Vandermonde matrix inversion, the codec is built on
// klauspost/reedsolomon the same way the teacher package's fec.go builds its
// decoder/encoder on it: that library already implements a systematic,
// Vandermonde-derived RS code over GF(2^8) with on-demand matrix inversion
// for arbitrary erasure patterns, which is exactly what §4.2 specifies.
package fec

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Encoding ids understood by this package (spec.md §1, §9 open questions).
const (
	IDReedSolomon8  = 5   // general RS8, OTI carries (k, p, symbolSize)
	IDReedSolomon8S = 129 // 8-bit "small block" variant, fixed m=8
)

// ErrUnsupportedFecID is returned for any fecId other than the two RS8
// variants this package implements (spec.md §9: "MUST return an error for
// unsupported fecIds").
var ErrUnsupportedFecID = errors.New("fec: unsupported fecId")

// SupportedFecID reports whether id is implemented by this package.
func SupportedFecID(id uint8) bool {
	return id == IDReedSolomon8 || id == IDReedSolomon8S
}

// Codec is a systematic Reed-Solomon encoder/decoder for one (k, p) pair.
// N = k+p must not exceed 255 (spec.md §4.2).
type Codec struct {
	k, p int
	rs   reedsolomon.Encoder
}

// New builds a Codec for k source symbols and p parity symbols.
func New(k, p int) (*Codec, error) {
	if k <= 0 || p < 0 {
		return nil, errors.New("fec: k must be > 0 and p must be >= 0")
	}
	if k+p > 255 {
		return nil, errors.New("fec: k+p exceeds 255")
	}
	if p == 0 {
		return &Codec{k: k, p: p}, nil
	}
	rs, err := reedsolomon.New(k, p)
	if err != nil {
		return nil, errors.Wrap(err, "fec: building RS matrix")
	}
	return &Codec{k: k, p: p, rs: rs}, nil
}

// K returns the number of source symbols.
func (c *Codec) K() int { return c.k }

// P returns the number of parity symbols.
func (c *Codec) P() int { return c.p }

// N returns k+p, the block size in symbols.
func (c *Codec) N() int { return c.k + c.p }

// Encoder accumulates source symbols for one block, in any arrival order,
// and produces parity symbols once all k have been supplied (spec.md §4.2:
// "Encoding is incremental: sources may be supplied one at a time, in any
// order, as long as the symbol's index is known").
type Encoder struct {
	codec      *Codec
	symbolSize int
	sources    [][]byte // len k, nil until SetSource
	have       int
}

// NewEncoder returns an Encoder bound to codec, expecting symbols of
// symbolSize bytes (shorter ones are zero-padded at Encode time).
func NewEncoder(codec *Codec, symbolSize int) *Encoder {
	return &Encoder{
		codec:      codec,
		symbolSize: symbolSize,
		sources:    make([][]byte, codec.k),
	}
}

// SetSource installs source symbol i (0 <= i < k). Re-setting an index
// already present is a no-op for the "have" accounting but replaces the
// data, matching a sender retransmitting the same source segment.
func (e *Encoder) SetSource(i int, data []byte) error {
	if i < 0 || i >= e.codec.k {
		return errors.Errorf("fec: source index %d out of range [0,%d)", i, e.codec.k)
	}
	if e.sources[i] == nil {
		e.have++
	}
	e.sources[i] = data
	return nil
}

// Ready reports whether all k source symbols have been supplied.
func (e *Encoder) Ready() bool { return e.have == e.codec.k }

// Encode computes the p parity symbols from the accumulated k source
// symbols. It is an error to call Encode before Ready().
func (e *Encoder) Encode() ([][]byte, error) {
	if !e.Ready() {
		return nil, errors.Errorf("fec: only %d/%d source symbols present", e.have, e.codec.k)
	}
	if e.codec.p == 0 {
		return nil, nil
	}
	maxLen := e.symbolSize
	for _, s := range e.sources {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	shards := make([][]byte, e.codec.N())
	for i, s := range e.sources {
		padded := make([]byte, maxLen)
		copy(padded, s)
		shards[i] = padded
	}
	for i := e.codec.k; i < e.codec.N(); i++ {
		shards[i] = make([]byte, maxLen)
	}
	if err := e.codec.rs.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "fec: RS encode")
	}
	return shards[e.codec.k:], nil
}

// Reset clears the accumulated sources so the Encoder can be reused for the
// next block without reallocating.
func (e *Encoder) Reset() {
	for i := range e.sources {
		e.sources[i] = nil
	}
	e.have = 0
}

// Decoder reconstructs missing source symbols from any combination of
// source and parity symbols, provided at least k of the n = k+p total
// symbols are present (spec.md §4.2 Decode).
type Decoder struct {
	codec  *Codec
	shards [][]byte // len n; nil marks an erasure
	have   int
}

// NewDecoder returns a Decoder bound to codec.
func NewDecoder(codec *Codec) *Decoder {
	return &Decoder{
		codec:  codec,
		shards: make([][]byte, codec.N()),
	}
}

// SetSymbol installs symbol at wire index idx (0..k-1 are source, k..n-1 are
// parity). idx corresponds to the symbol_table position in spec.md §3
// "Block".
func (d *Decoder) SetSymbol(idx int, data []byte) error {
	if idx < 0 || idx >= d.codec.N() {
		return errors.Errorf("fec: symbol index %d out of range [0,%d)", idx, d.codec.N())
	}
	if d.shards[idx] == nil {
		d.have++
	}
	d.shards[idx] = data
	return nil
}

// Count reports how many of the n symbols are currently present.
func (d *Decoder) Count() int { return d.have }

// Decodable reports whether enough symbols are present to attempt recovery.
func (d *Decoder) Decodable() bool { return d.have >= d.codec.k }

// Decode reconstructs every missing source symbol in place. On success, the
// first k entries of Shards() are the complete, ordered source symbols.
// Failure (singular matrix) never occurs for valid inputs with erasures <=
// p, per spec.md §4.2; a non-nil error here means the caller supplied fewer
// than k symbols or corrupt shard lengths, and the block remains pending
// (spec.md §7 error kind 6).
func (d *Decoder) Decode() error {
	if !d.Decodable() {
		return errors.Errorf("fec: only %d/%d symbols present, need %d", d.have, d.codec.N(), d.codec.k)
	}
	if d.codec.p == 0 {
		// No parity configured: decodable only means every source symbol is
		// literally present already.
		for i := 0; i < d.codec.k; i++ {
			if d.shards[i] == nil {
				return errors.New("fec: missing source symbol with no parity available")
			}
		}
		return nil
	}
	work := make([][]byte, len(d.shards))
	copy(work, d.shards)
	if err := d.codec.rs.ReconstructData(work); err != nil {
		return errors.Wrap(err, "fec: RS reconstruct")
	}
	for i := 0; i < d.codec.k; i++ {
		if d.shards[i] == nil {
			d.shards[i] = work[i]
		}
	}
	return nil
}

// Shards returns the full n-length symbol table (source followed by
// parity), with any entries recovered by Decode filled in.
func (d *Decoder) Shards() [][]byte { return d.shards }

// Sources returns the k source symbols; valid only after a successful
// Decode or once all k were supplied directly.
func (d *Decoder) Sources() [][]byte { return d.shards[:d.codec.k] }

// Reset clears the accumulated shards for reuse on the next block.
func (d *Decoder) Reset() {
	for i := range d.shards {
		d.shards[i] = nil
	}
	d.have = 0
}
