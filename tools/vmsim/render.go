package main

import (
	"fmt"
	"vmkern/kernel/mem"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/pmm"

	"github.com/fogleman/gg"
)

const (
	gridCols    = 128
	maxGridRows = 64
	cellSize    = 5
	margin      = 10
	labelHeight = 18
	barHeight   = 8
)

// occupancy is the state of one grid cell.
type occupancy struct {
	frames, used, admin uint64
}

// poolGrid folds the frames of p into at most gridCols*maxGridRows cells.
func poolGrid(p *pmm.Pool) []occupancy {
	_, admin := p.Stats()

	perCell := (p.Count() + gridCols*maxGridRows - 1) / (gridCols * maxGridRows)
	if perCell == 0 {
		perCell = 1
	}

	cells := make([]occupancy, (p.Count()+perCell-1)/perCell)
	p.VisitFrames(func(f mm.Frame, used bool) {
		index := uint64(f - p.Start())
		cell := &cells[index/perCell]
		cell.frames++
		switch {
		case index < admin:
			cell.admin++
		case used:
			cell.used++
		}
	})
	return cells
}

// cellColor blends from green (free) to red (used). Cells made up only of
// pool bookkeeping frames are grey.
func cellColor(c occupancy) (r, g, b float64) {
	if c.admin == c.frames {
		return 0.55, 0.55, 0.55
	}
	fill := float64(c.used+c.admin) / float64(c.frames)
	return 0.2 + 0.7*fill, 0.75 - 0.55*fill, 0.3
}

// renderPools draws the occupancy bitmap of every pool of frames together
// with a usage bar and writes the image as a PNG to path.
func renderPools(frames *pmm.Allocator, path string) error {
	pools := frames.Pools()
	if len(pools) == 0 {
		return fmt.Errorf("no frame pools to render")
	}

	grids := make([][]occupancy, len(pools))
	height := margin
	for i, p := range pools {
		grids[i] = poolGrid(p)
		rows := (len(grids[i]) + gridCols - 1) / gridCols
		height += labelHeight + barHeight + 4 + rows*cellSize + margin
	}
	width := 2*margin + gridCols*cellSize

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	y := float64(margin)
	for i, p := range pools {
		used, admin := p.Stats()

		dc.SetRGB(0, 0, 0)
		dc.DrawString(fmt.Sprintf("pool 0x%x: %d/%d frames used (%s), %d admin",
			uint64(p.Start().Address()), used, p.Count(),
			mem.Size(used<<mm.PageShift).HumanString(), admin), margin, y+12)
		y += labelHeight

		barWidth := float64(gridCols * cellSize)
		dc.SetRGB(0.85, 0.85, 0.85)
		dc.DrawRectangle(margin, y, barWidth, barHeight)
		dc.Fill()
		dc.SetRGB(0.8, 0.25, 0.2)
		dc.DrawRectangle(margin, y, barWidth*float64(used)/float64(p.Count()), barHeight)
		dc.Fill()
		y += barHeight + 4

		for index, cell := range grids[i] {
			x := float64(margin + (index%gridCols)*cellSize)
			cy := y + float64((index/gridCols)*cellSize)
			dc.SetRGB(cellColor(cell))
			dc.DrawRectangle(x, cy, cellSize-1, cellSize-1)
			dc.Fill()
		}

		rows := (len(grids[i]) + gridCols - 1) / gridCols
		y += float64(rows*cellSize + margin)
	}

	return dc.SavePNG(path)
}
