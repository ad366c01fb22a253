package report

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"

	"production-planner/internal/models"
)

const (
	rowHeight   = 24
	rowGap      = 6
	pxPerHour   = 12
	dayLineTint = 215
)

var (
	background = color.NRGBA{R: 250, G: 250, B: 250, A: 255}
	rowShade   = color.NRGBA{R: 236, G: 238, B: 242, A: 255}
	dayLine    = color.NRGBA{R: dayLineTint, G: dayLineTint, B: dayLineTint, A: 255}
)

// RenderGantt draws one row per device and one bar per scheduled segment
// across the horizon, scaled to width pixels. Bars of the same job share a colour.
func RenderGantt(rec models.ScheduleRecord, width int) image.Image {
	img := renderChart(rec)
	if width > 0 && width != img.Bounds().Dx() {
		return imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	return img
}

// EncodePNG renders the chart and encodes it as PNG.
func EncodePNG(rec models.ScheduleRecord, width int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, RenderGantt(rec, width), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode gantt: %w", err)
	}
	return buf.Bytes(), nil
}

func renderChart(rec models.ScheduleRecord) *image.NRGBA {
	hours := rec.HorizonEnd.Sub(rec.HorizonStart).Hours()
	if hours < 1 {
		hours = 1
	}
	devices := deviceIDs(rec.Schedule)
	rows := len(devices)
	if rows == 0 {
		rows = 1
	}
	w := int(hours * pxPerHour)
	h := rows*(rowHeight+rowGap) + rowGap
	img := imaging.New(w, h, background)

	row := make(map[string]int, len(devices))
	for i, id := range devices {
		row[id] = i
		draw.Draw(img, rowRect(i, 0, w), image.NewUniform(rowShade), image.Point{}, draw.Src)
	}
	for day := 24; day < int(hours); day += 24 {
		x := day * pxPerHour
		draw.Draw(img, image.Rect(x, 0, x+1, h), image.NewUniform(dayLine), image.Point{}, draw.Src)
	}
	for _, seg := range rec.Schedule.ScheduledTasks {
		x0 := int(seg.StartTime.Sub(rec.HorizonStart).Hours() * pxPerHour)
		x1 := int(seg.EndTime.Sub(rec.HorizonStart).Hours() * pxPerHour)
		if x1 <= x0 {
			x1 = x0 + 1
		}
		draw.Draw(img, rowRect(row[seg.DeviceID], x0, x1), image.NewUniform(jobColour(seg.JobID)), image.Point{}, draw.Src)
	}
	return img
}

func rowRect(i, x0, x1 int) image.Rectangle {
	y := rowGap + i*(rowHeight+rowGap)
	return image.Rect(x0, y, x1, y+rowHeight)
}

// jobColour derives a stable saturated colour from the job id.
func jobColour(jobID string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	v := h.Sum32()
	return color.NRGBA{
		R: uint8(40 + v%160),
		G: uint8(40 + (v>>8)%160),
		B: uint8(40 + (v>>16)%160),
		A: 255,
	}
}
