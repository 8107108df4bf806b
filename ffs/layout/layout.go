// Package layout defines the on-image binary format: the header, the
// node records and the bucket table. Everything inside the image is
// addressed by 32-bit offsets from the image base, so the same image is
// valid at different mapping addresses in different processes.
package layout

import (
	"encoding/binary"
	"sync/atomic"
	"unicode/utf16"
	"unsafe"
)

const (
	// Magic identifies an image, little-endian at offset 0.
	Magic uint32 = 0x08855BED

	// Version is the current format version.
	Version uint32 = 1

	// BucketCount is the number of hash buckets. Prime, chosen so the
	// expected bucket population for source-code trees lands in 5..67.
	BucketCount = 1543

	// BucketSentinel precedes the bucket table, at a 16-byte boundary.
	BucketSentinel uint32 = 0xAA55AA55

	// CharSize is the size of one name code unit. Names are stored as
	// UTF-16 little-endian, matching the hash input encoding.
	CharSize = 2

	// HeaderSize covers the fixed header fields plus the inline bucket
	// head array.
	HeaderSize = 32 + 4*BucketCount

	// RecordFixedSize is the byte length of a record before its name
	// field: attributes, three timestamps, split size, parent offset,
	// sibling step and name length.
	RecordFixedSize = 48
)

// Header field offsets.
const (
	offMagic      = 0
	offVersion    = 4
	offStatus     = 8
	offNumNodes   = 12
	offNumDirs    = 16
	offBytes      = 20
	offRootOffset = 24
	offBuckets    = 32
)

// Record field offsets, relative to the record start.
const (
	recAttributes     = 0
	recCreationTime   = 4
	recLastAccessTime = 12
	recLastWriteTime  = 20
	recSizeHigh       = 28
	recSizeLow        = 32
	recParentOffset   = 36
	recSiblingStep    = 40
	recNameLen        = 44
)

// Attribute bits. Directory and reparse mirror the host attribute
// flags; tombstone marks a record as logically removed without moving
// anything written after it; root marks the synthetic root node.
const (
	AttrDirectory uint32 = 0x00000010
	AttrReparse   uint32 = 0x00000400
	AttrRoot      uint32 = 0x40000000
	AttrTombstone uint32 = 0x80000000
)

// Status is the writer-owned handshake word at a well-known offset.
// Readers poll it; values match the reference image format.
type Status uint32

const (
	StatusBooting    Status = 0
	StatusInProgress Status = 1
	StatusError      Status = 2
	StatusUpdating   Status = 3
	StatusFinished   Status = 4
	StatusFrozen     Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusBooting:
		return "booting"
	case StatusInProgress:
		return "in-progress"
	case StatusError:
		return "error"
	case StatusUpdating:
		return "updating"
	case StatusFinished:
		return "finished"
	case StatusFrozen:
		return "frozen"
	}
	return "unknown"
}

// Align8 rounds an offset up to the record alignment.
func Align8(off uint32) uint32 { return (off + 7) &^ 7 }

// Align16 rounds an offset up to the bucket table alignment.
func Align16(off uint32) uint32 { return (off + 15) &^ 15 }

// FirstRecordOffset is where the synthetic root record starts.
func FirstRecordOffset() uint32 { return Align8(HeaderSize) }

// PaddedNameSize returns the byte length of a name field holding the
// given number of code units, including the terminator, padded so the
// following record stays 8-byte aligned.
func PaddedNameSize(units uint32) uint32 {
	return ((units+1)*CharSize + 7) &^ 7
}

// RecordSize returns the full byte length of a record whose name holds
// the given number of code units.
func RecordSize(units uint32) uint32 {
	return RecordFixedSize + PaddedNameSize(units)
}

// NameUnits returns the number of UTF-16 code units a name occupies on
// the image.
func NameUnits(name string) uint32 {
	n := uint32(0)
	for _, r := range name {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// Image is a mapped region viewed as an index image. All accessors use
// explicit little-endian encoding against the byte slice; none of them
// allocate inside the region.
type Image []byte

// InitHeader writes a fresh header: magic, version, status booting and
// zeros elsewhere. The caller must have committed the header pages.
func (m Image) InitHeader() {
	for i := 0; i < HeaderSize; i++ {
		m[i] = 0
	}
	binary.LittleEndian.PutUint32(m[offMagic:], Magic)
	binary.LittleEndian.PutUint32(m[offVersion:], Version)
	binary.LittleEndian.PutUint32(m[offStatus:], uint32(StatusBooting))
}

// Valid reports whether the mapped bytes carry the expected magic and
// version.
func (m Image) Valid() bool {
	if len(m) < HeaderSize {
		return false
	}
	return binary.LittleEndian.Uint32(m[offMagic:]) == Magic &&
		binary.LittleEndian.Uint32(m[offVersion:]) == Version
}

// Status loads the handshake word with acquire ordering: record bytes
// published before the status was raised are visible after the load.
func (m Image) Status() Status {
	p := (*uint32)(unsafe.Pointer(&m[offStatus]))
	return Status(atomic.LoadUint32(p))
}

// SetStatus stores the handshake word with release ordering: all record
// writes issued before the call are visible to readers that observe the
// new status.
func (m Image) SetStatus(s Status) {
	p := (*uint32)(unsafe.Pointer(&m[offStatus]))
	atomic.StoreUint32(p, uint32(s))
}

func (m Image) NumNodes() uint32     { return binary.LittleEndian.Uint32(m[offNumNodes:]) }
func (m Image) SetNumNodes(n uint32) { binary.LittleEndian.PutUint32(m[offNumNodes:], n) }

func (m Image) NumDirs() uint32     { return binary.LittleEndian.Uint32(m[offNumDirs:]) }
func (m Image) SetNumDirs(n uint32) { binary.LittleEndian.PutUint32(m[offNumDirs:], n) }

// Bytes is the image extent: the highest offset written so far.
func (m Image) Bytes() uint32     { return binary.LittleEndian.Uint32(m[offBytes:]) }
func (m Image) SetBytes(n uint32) { binary.LittleEndian.PutUint32(m[offBytes:], n) }

func (m Image) RootOffset() uint32 { return binary.LittleEndian.Uint32(m[offRootOffset:]) }
func (m Image) SetRootOffset(off uint32) {
	binary.LittleEndian.PutUint32(m[offRootOffset:], off)
}

// BucketHead returns the offset of bucket i's zero-terminated offset
// list, or 0 if the bucket table has not been flushed.
func (m Image) BucketHead(i uint32) uint32 {
	return binary.LittleEndian.Uint32(m[offBuckets+4*i:])
}

func (m Image) SetBucketHead(i, off uint32) {
	binary.LittleEndian.PutUint32(m[offBuckets+4*i:], off)
}

// RecordAt reinterprets the bytes at off as a record. off must come
// from the header, a bucket list, a parent offset or a sibling step.
func (m Image) RecordAt(off uint32) Record {
	return Record{m: m, Off: off}
}

// Record is a thin view over one node record inside an image. The
// zero Record (offset 0) is not a valid record; offset 0 doubles as
// the nil parent and the chain terminator.
type Record struct {
	m   Image
	Off uint32
}

func (r Record) Attributes() uint32 {
	return binary.LittleEndian.Uint32(r.m[r.Off+recAttributes:])
}

func (r Record) SetAttributes(a uint32) {
	binary.LittleEndian.PutUint32(r.m[r.Off+recAttributes:], a)
}

func (r Record) IsDir() bool       { return r.Attributes()&AttrDirectory != 0 }
func (r Record) IsReparse() bool   { return r.Attributes()&AttrReparse != 0 }
func (r Record) IsRoot() bool      { return r.Attributes()&AttrRoot != 0 }
func (r Record) IsTombstone() bool { return r.Attributes()&AttrTombstone != 0 }

// Tombstone marks the record as logically removed. The record body and
// everything after it stay in place.
func (r Record) Tombstone() {
	r.SetAttributes(r.Attributes() | AttrTombstone)
}

func (r Record) CreationTime() int64 {
	return int64(binary.LittleEndian.Uint64(r.m[r.Off+recCreationTime:]))
}

func (r Record) SetCreationTime(t int64) {
	binary.LittleEndian.PutUint64(r.m[r.Off+recCreationTime:], uint64(t))
}

func (r Record) LastAccessTime() int64 {
	return int64(binary.LittleEndian.Uint64(r.m[r.Off+recLastAccessTime:]))
}

func (r Record) SetLastAccessTime(t int64) {
	binary.LittleEndian.PutUint64(r.m[r.Off+recLastAccessTime:], uint64(t))
}

func (r Record) LastWriteTime() int64 {
	return int64(binary.LittleEndian.Uint64(r.m[r.Off+recLastWriteTime:]))
}

func (r Record) SetLastWriteTime(t int64) {
	binary.LittleEndian.PutUint64(r.m[r.Off+recLastWriteTime:], uint64(t))
}

// Size reassembles the split high/low size words. Only meaningful for
// file records; directories repurpose the low word as ChildHead.
func (r Record) Size() uint64 {
	hi := binary.LittleEndian.Uint32(r.m[r.Off+recSizeHigh:])
	lo := binary.LittleEndian.Uint32(r.m[r.Off+recSizeLow:])
	return uint64(hi)<<32 | uint64(lo)
}

func (r Record) SetSize(n uint64) {
	binary.LittleEndian.PutUint32(r.m[r.Off+recSizeHigh:], uint32(n>>32))
	binary.LittleEndian.PutUint32(r.m[r.Off+recSizeLow:], uint32(n))
}

// ChildHead is the offset of the first member of a directory's own
// sibling chain, or 0 for an empty directory. The host stores nothing
// in a directory's size words, so the low word holds the chain head;
// the dot entry's sibling step stays free to link the dot entry into
// its parent's chain.
func (r Record) ChildHead() uint32 {
	return binary.LittleEndian.Uint32(r.m[r.Off+recSizeLow:])
}

func (r Record) SetChildHead(off uint32) {
	binary.LittleEndian.PutUint32(r.m[r.Off+recSizeLow:], off)
}

// FirstChild resolves the child chain head. ok is false for an empty
// directory.
func (r Record) FirstChild() (Record, bool) {
	off := r.ChildHead()
	if off == 0 {
		return Record{}, false
	}
	return r.m.RecordAt(off), true
}

// ParentOffset is the offset of the parent directory's dot-entry
// record, or 0 for the synthetic root. Every member of a directory
// carries the same parent offset; it doubles as the group id for
// sibling-chain membership.
func (r Record) ParentOffset() uint32 {
	return binary.LittleEndian.Uint32(r.m[r.Off+recParentOffset:])
}

func (r Record) SetParentOffset(off uint32) {
	binary.LittleEndian.PutUint32(r.m[r.Off+recParentOffset:], off)
}

// SiblingStep is the byte delta from the start of this record's name
// field to the start of the next record in the directory containing
// this record; 0 means no successor. For a dot entry that directory is
// the parent, never the dot entry's own children (see ChildHead).
func (r Record) SiblingStep() uint32 {
	return binary.LittleEndian.Uint32(r.m[r.Off+recSiblingStep:])
}

func (r Record) SetSiblingStep(step uint32) {
	binary.LittleEndian.PutUint32(r.m[r.Off+recSiblingStep:], step)
}

// NameLen is the name length in code units, excluding the terminator.
func (r Record) NameLen() uint32 {
	return binary.LittleEndian.Uint32(r.m[r.Off+recNameLen:])
}

// NameField is the offset of the name bytes; sibling steps are
// measured from here.
func (r Record) NameField() uint32 { return r.Off + RecordFixedSize }

// Name decodes the record's UTF-16LE name.
func (r Record) Name() string {
	n := r.NameLen()
	units := make([]uint16, n)
	base := r.NameField()
	for i := uint32(0); i < n; i++ {
		units[i] = binary.LittleEndian.Uint16(r.m[base+2*i:])
	}
	return string(utf16.Decode(units))
}

// NameEquals compares the stored name against s without decoding the
// whole record name when lengths already differ.
func (r Record) NameEquals(s string) bool {
	units := utf16.Encode([]rune(s))
	if uint32(len(units)) != r.NameLen() {
		return false
	}
	base := r.NameField()
	for i, u := range units {
		if binary.LittleEndian.Uint16(r.m[base+uint32(2*i):]) != u {
			return false
		}
	}
	return true
}

// Advance returns the offset immediately after this record: the name
// field plus the padded name length. Valid for records written
// back-to-back by the builder.
func (r Record) Advance() uint32 {
	return r.NameField() + PaddedNameSize(r.NameLen())
}

// NextSibling resolves the sibling step. ok is false at the end of the
// chain.
func (r Record) NextSibling() (Record, bool) {
	step := r.SiblingStep()
	if step == 0 {
		return Record{}, false
	}
	return r.m.RecordAt(r.NameField() + step), true
}

// StepTo computes the sibling step that would link r to the record at
// next.
func (r Record) StepTo(next uint32) uint32 {
	return next - r.NameField()
}

// EncodeOffset returns the record's offset from the image base.
func (r Record) EncodeOffset() uint32 { return r.Off }

// NodeMeta carries the metadata fields of a record to be written.
type NodeMeta struct {
	Attributes     uint32
	CreationTime   int64
	LastAccessTime int64
	LastWriteTime  int64
	Size           uint64
}

// PutRecord writes a complete record at off and returns the offset
// just past it. The destination bytes must already be committed and
// zeroed; the name terminator and padding rely on that.
func PutRecord(m Image, off uint32, meta NodeMeta, parentOff uint32, name string) uint32 {
	r := m.RecordAt(off)
	r.SetAttributes(meta.Attributes)
	r.SetCreationTime(meta.CreationTime)
	r.SetLastAccessTime(meta.LastAccessTime)
	r.SetLastWriteTime(meta.LastWriteTime)
	r.SetSize(meta.Size)
	r.SetParentOffset(parentOff)
	r.SetSiblingStep(0)

	units := utf16.Encode([]rune(name))
	binary.LittleEndian.PutUint32(m[off+recNameLen:], uint32(len(units)))
	base := r.NameField()
	for i, u := range units {
		binary.LittleEndian.PutUint16(m[base+uint32(2*i):], u)
	}
	binary.LittleEndian.PutUint16(m[base+uint32(2*len(units)):], 0)
	return base + PaddedNameSize(uint32(len(units)))
}
