package pagemanager

import "fmt"

// PageStats is a point-in-time snapshot of a page's layout, suitable for
// structured logging or debugging.
type PageStats struct {
	NumSlots       uint16
	LiveRecords    uint16
	Tombstones     uint16
	FreeSpaceStart uint16
	FreeSpaceEnd   uint16
	ContiguousFree uint16
	TotalFree      uint16
}

// Stats reports the current layout of the page.
func (p *Page) Stats() PageStats {
	live := p.NumberOfRecords()
	return PageStats{
		NumSlots:       p.numSlots(),
		LiveRecords:    live,
		Tombstones:     p.numSlots() - live,
		FreeSpaceStart: p.freeSpaceStart(),
		FreeSpaceEnd:   p.freeSpaceEnd(),
		ContiguousFree: p.ContiguousFreeSpace(),
		TotalFree:      p.TotalFreeSpace(),
	}
}

func (s PageStats) String() string {
	return fmt.Sprintf("slots=%d live=%d tombstones=%d free=[%d,%d) contiguous=%d total_free=%d",
		s.NumSlots, s.LiveRecords, s.Tombstones,
		s.FreeSpaceStart, s.FreeSpaceEnd, s.ContiguousFree, s.TotalFree)
}
