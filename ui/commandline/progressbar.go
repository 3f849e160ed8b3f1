// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline displays the progress of dream generations on the terminal.
package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/haloopinate/dream"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the minimum time between redraws of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar shows a progress bar and a table with the camera position and timing of the last frame
// generated. Updates are drawn asynchronously, so a slow terminal doesn't slow down the generation.
type ProgressBar struct {
	numFrames int
	out       io.Writer
	bar       *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool

	updates          chan dream.FrameInfo
	asyncUpdatesDone sync.WaitGroup
	closeOnce        sync.Once
}

// AttachProgressBar creates a progress bar for a generation of numFrames frames written to stdout,
// and attaches it to the Dreamer.
//
// Call ProgressBar.Done once the generation is finished.
func AttachProgressBar(d *dream.Dreamer, numFrames int) *ProgressBar {
	pBar := NewProgressBar(os.Stdout, numFrames)
	d.OnFrame(pBar.OnFrame)
	return pBar
}

// NewProgressBar creates a progress bar for numFrames frames written to out.
func NewProgressBar(out io.Writer, numFrames int) *ProgressBar {
	pBar := &ProgressBar{
		numFrames:     numFrames,
		out:           out,
		termenv:       termenv.NewOutput(out),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
		updates:       make(chan dream.FrameInfo, 100), // Large buffer so the generation is not blocked.
	}
	pBar.bar = progressbar.NewOptions(numFrames,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// OnFrame is a dream.FrameHook that enqueues an update of the display.
func (pBar *ProgressBar) OnFrame(info dream.FrameInfo) {
	pBar.updates <- info
}

// numStatsRows must match the number of rows added in drawUpdates.
const numStatsRows = 4

func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	var framesDone int
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := 1
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount++
				update = newUpdate
			default:
				break exhaust
			}
		}
		framesDone += amount

		var eta time.Duration
		if framesDone < pBar.numFrames {
			eta = update.Elapsed / time.Duration(framesDone) * time.Duration(pBar.numFrames-framesDone)
		}
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Frames", fmt.Sprintf("%s of %s", humanize.Comma(int64(framesDone)), humanize.Comma(int64(pBar.numFrames))))
		pBar.statsTable.Row("Camera", fmt.Sprintf("t=%.3f zoom=%.3f angle=%.1f°", update.Time, update.Params.Zoom, update.Params.Angle))
		pBar.statsTable.Row("Elapsed", FormatDuration(update.Elapsed))
		pBar.statsTable.Row("Remaining", FormatDuration(eta))

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numStatsRows + 2 + 2)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Done waits for the pending updates to be drawn and restores the terminal. It can be called more than once.
func (pBar *ProgressBar) Done() {
	pBar.closeOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.termenv.ShowCursor()
		_, _ = fmt.Fprintln(pBar.out)
	})
}
