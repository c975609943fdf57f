package pagemanager

import (
	"encoding/binary"
	"sort"
)

// --- Page Management ---

const (
	// PageSize is the fixed size of every page and the I/O granularity
	// against the backing file.
	PageSize = 4096

	// pageHeaderSize covers numSlots, freeSpaceStart and freeSpaceEnd,
	// each a little-endian uint16 at the front of the buffer.
	pageHeaderSize = 6

	// slotSize is the on-page footprint of one slot directory entry:
	// offset (u16), length (u16), deleted flag (u8) and one pad byte.
	slotSize = 6
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// InvalidPageID marks a frame that holds no page.
const InvalidPageID = ^PageID(0)

// Page is an in-memory copy of a 4 KiB disk page organized as a slotted
// container: the slot directory grows forward from the header while
// record payloads grow backward from the end of the buffer. Payloads are
// opaque byte runs; the page id is metadata held alongside the buffer
// and is never part of the serialized bytes.
type Page struct {
	id   PageID
	data []byte
}

// slot is the decoded form of one directory entry.
type slot struct {
	offset  uint16
	length  uint16
	deleted bool
}

// NewPage creates an empty, initialized page.
func NewPage() *Page {
	p := &Page{
		id:   InvalidPageID,
		data: make([]byte, PageSize),
	}
	p.ResetMemory()
	return p
}

// ResetMemory zeroes the buffer and reinitializes the header. The page
// id is left untouched; the buffer pool stamps it separately.
func (p *Page) ResetMemory() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.setFreeSpaceStart(pageHeaderSize)
	p.setFreeSpaceEnd(PageSize)
}

func (p *Page) numSlots() uint16       { return binary.LittleEndian.Uint16(p.data[0:2]) }
func (p *Page) setNumSlots(n uint16)   { binary.LittleEndian.PutUint16(p.data[0:2], n) }
func (p *Page) freeSpaceStart() uint16 { return binary.LittleEndian.Uint16(p.data[2:4]) }
func (p *Page) setFreeSpaceStart(v uint16) {
	binary.LittleEndian.PutUint16(p.data[2:4], v)
}
func (p *Page) freeSpaceEnd() uint16 { return binary.LittleEndian.Uint16(p.data[4:6]) }
func (p *Page) setFreeSpaceEnd(v uint16) {
	binary.LittleEndian.PutUint16(p.data[4:6], v)
}

func slotPos(slotNum uint16) int {
	return pageHeaderSize + int(slotNum)*slotSize
}

func (p *Page) readSlot(slotNum uint16) slot {
	pos := slotPos(slotNum)
	return slot{
		offset:  binary.LittleEndian.Uint16(p.data[pos : pos+2]),
		length:  binary.LittleEndian.Uint16(p.data[pos+2 : pos+4]),
		deleted: p.data[pos+4] != 0,
	}
}

func (p *Page) writeSlot(slotNum uint16, s slot) {
	pos := slotPos(slotNum)
	binary.LittleEndian.PutUint16(p.data[pos:pos+2], s.offset)
	binary.LittleEndian.PutUint16(p.data[pos+2:pos+4], s.length)
	if s.deleted {
		p.data[pos+4] = 1
	} else {
		p.data[pos+4] = 0
	}
	p.data[pos+5] = 0
}

// InsertRecord appends a new slot pointing at a copy of data and returns
// the assigned slot index. The slot directory grows forward while the
// payload is placed at the backward-growing end of free space. On
// ErrPageFull the page is left bit-identical to its pre-call state.
func (p *Page) InsertRecord(data []byte) (uint16, error) {
	n := p.numSlots()
	newRecordStart := int(p.freeSpaceEnd()) - len(data)
	newSlotEnd := pageHeaderSize + (int(n)+1)*slotSize

	if newSlotEnd >= newRecordStart {
		return 0, ErrPageFull
	}

	copy(p.data[newRecordStart:int(p.freeSpaceEnd())], data)
	p.writeSlot(n, slot{offset: uint16(newRecordStart), length: uint16(len(data))})

	p.setNumSlots(n + 1)
	p.setFreeSpaceStart(uint16(newSlotEnd))
	p.setFreeSpaceEnd(uint16(newRecordStart))
	return n, nil
}

// GetRecord returns a view over the record bytes of the given slot. The
// view aliases the page buffer and is only valid until the next mutating
// operation on the page.
func (p *Page) GetRecord(slotNum uint16) ([]byte, error) {
	if slotNum >= p.numSlots() {
		return nil, ErrRecordNotFound
	}
	s := p.readSlot(slotNum)
	if s.deleted {
		return nil, ErrRecordNotFound
	}
	return p.data[s.offset : s.offset+s.length], nil
}

// UpdateRecord overwrites the record at slotNum. When the new payload
// fits in the slot's current extent it is written in place and the slot
// length is not reduced; the unused tail stays dead until deletion. A
// larger payload is relocated: the old extent is retired behind a
// tombstone directory entry so compaction can reclaim it, and the
// original slot is rewritten to point at the new bytes. Slot identity
// for live records is preserved either way.
func (p *Page) UpdateRecord(slotNum uint16, data []byte) error {
	if slotNum >= p.numSlots() {
		return ErrRecordNotFound
	}
	s := p.readSlot(slotNum)
	if s.deleted {
		return ErrRecordNotFound
	}

	if len(data) <= int(s.length) {
		copy(p.data[s.offset:int(s.offset)+len(data)], data)
		return nil
	}

	// Grow path: need room for the new payload plus one tombstone slot.
	n := p.numSlots()
	newSlotEnd := pageHeaderSize + (int(n)+1)*slotSize
	newRecordStart := int(p.freeSpaceEnd()) - len(data)
	if newSlotEnd >= newRecordStart {
		return ErrRecordTooLarge
	}

	// Retire the old extent without invalidating the caller's slot index.
	p.writeSlot(n, slot{offset: s.offset, length: s.length, deleted: true})
	p.setNumSlots(n + 1)

	copy(p.data[newRecordStart:int(p.freeSpaceEnd())], data)
	p.writeSlot(slotNum, slot{offset: uint16(newRecordStart), length: uint16(len(data))})

	p.setFreeSpaceStart(uint16(newSlotEnd))
	p.setFreeSpaceEnd(uint16(newRecordStart))
	return nil
}

// DeleteRecord marks the slot as a tombstone. The payload bytes stay in
// place until compaction reclaims them; the slot count is not
// decremented so later slot indices remain stable.
func (p *Page) DeleteRecord(slotNum uint16) error {
	if slotNum >= p.numSlots() {
		return ErrRecordNotFound
	}
	s := p.readSlot(slotNum)
	if s.deleted {
		return ErrRecordNotFound
	}
	s.deleted = true
	p.writeSlot(slotNum, s)
	return nil
}

// NumberOfRecords returns the count of live (non-tombstone) slots.
func (p *Page) NumberOfRecords() uint16 {
	var count uint16
	for i := uint16(0); i < p.numSlots(); i++ {
		if !p.readSlot(i).deleted {
			count++
		}
	}
	return count
}

func (p *Page) tombstoneCount() uint16 {
	var count uint16
	for i := uint16(0); i < p.numSlots(); i++ {
		if p.readSlot(i).deleted {
			count++
		}
	}
	return count
}

// NeedsCompaction reports whether tombstones make up more than a quarter
// of the slot directory. Advisory only.
func (p *Page) NeedsCompaction() bool {
	n := p.numSlots()
	if n == 0 {
		return false
	}
	return p.tombstoneCount() > n/4
}

// ContiguousFreeSpace returns the size of the gap between the slot
// directory and the lowest record payload.
func (p *Page) ContiguousFreeSpace() uint16 {
	return p.freeSpaceEnd() - p.freeSpaceStart()
}

// TotalFreeSpace returns the contiguous gap plus every byte currently
// held behind a tombstone, i.e. what compaction can make contiguous.
func (p *Page) TotalFreeSpace() uint16 {
	total := p.ContiguousFreeSpace()
	for i := uint16(0); i < p.numSlots(); i++ {
		if s := p.readSlot(i); s.deleted {
			total += s.length
		}
	}
	return total
}

// CompactPage defragments the page in place: tombstone byte ranges are
// reclaimed, tombstone directory entries are dropped, and live records
// keep their relative order. A live record's slot index drops by one for
// every tombstone that preceded it in the directory; records with no
// earlier tombstone keep their index. Afterwards all live payloads
// occupy one contiguous run ending at the top of the buffer.
func (p *Page) CompactPage() {
	n := p.numSlots()

	type indexedSlot struct {
		index uint16
		s     slot
	}
	slots := make([]indexedSlot, 0, n)
	for i := uint16(0); i < n; i++ {
		slots = append(slots, indexedSlot{index: i, s: p.readSlot(i)})
	}

	// Walk records nearest the end of the buffer first, sliding each live
	// payload up by the total tombstone bytes seen so far.
	sorted := make([]indexedSlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].s.offset > sorted[b].s.offset
	})

	cumulativeGap := 0
	lastOffset := PageSize
	for _, is := range sorted {
		if is.s.deleted {
			cumulativeGap += int(is.s.length)
			continue
		}
		if is.s.length == 0 {
			// Nothing to move; an empty record keeps its recorded offset.
			continue
		}
		newOffset := int(is.s.offset) + cumulativeGap
		copy(p.data[newOffset:newOffset+int(is.s.length)],
			p.data[is.s.offset:int(is.s.offset)+int(is.s.length)])
		slots[is.index].s.offset = uint16(newOffset)
		lastOffset = newOffset
	}

	// Rewrite the directory in original order with tombstones omitted, so
	// live records keep their relative order in the directory.
	var live uint16
	for _, is := range slots {
		if is.s.deleted {
			continue
		}
		p.writeSlot(live, is.s)
		live++
	}

	p.setNumSlots(live)
	p.setFreeSpaceStart(uint16(pageHeaderSize + int(live)*slotSize))
	p.setFreeSpaceEnd(uint16(lastOffset))
}

// InsertRecordSmart inserts data, compacting the page first when the
// plain insert fails but the tombstone space would make it fit. This is
// the only entry point that combines compaction with insertion.
func (p *Page) InsertRecordSmart(data []byte) (uint16, error) {
	slotNum, err := p.InsertRecord(data)
	if err == nil {
		return slotNum, nil
	}
	if len(data)+slotSize > int(p.TotalFreeSpace()) {
		return 0, ErrPageFull
	}
	p.CompactPage()
	return p.InsertRecord(data)
}

// GetData exposes the raw 4096-byte buffer for the pool's disk paths.
func (p *Page) GetData() []byte { return p.data }

// GetPageID returns the logical page id stamped by the buffer pool.
func (p *Page) GetPageID() PageID { return p.id }

// SetPageID stamps the logical page id. The id is out-of-band metadata
// and does not appear in the on-disk bytes.
func (p *Page) SetPageID(id PageID) { p.id = id }
