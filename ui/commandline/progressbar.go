package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/jdecid/FaceGen/ml/train"
	"github.com/jdecid/FaceGen/ui/sinks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports its symbols.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "facegen.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	latest           *sinks.Latest
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	rows   [][]string
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.Iteration
	numSteps := 1000 // Guess, until the end of the first epoch.
	if loop.EndIteration >= 0 {
		numSteps = loop.EndIteration - loop.StartIteration
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	if loop.EndIteration >= 0 && pBar.bar.GetMax() != loop.EndIteration-loop.StartIteration {
		pBar.bar.ChangeMax(loop.EndIteration - loop.StartIteration)
	}
	amount := loop.Iteration - pBar.lastStepReported // Iteration was already incremented.
	if amount <= 0 {
		return nil
	}
	pBar.lastStepReported = loop.Iteration

	update := progressBarUpdate{amount: amount}
	steps := humanize.Comma(int64(loop.Iteration))
	if loop.EndIteration >= 0 {
		steps = fmt.Sprintf("%s of %s", steps, humanize.Comma(int64(loop.EndIteration)))
	}
	update.rows = append(update.rows,
		[]string{"Iteration", steps},
		[]string{"Epoch", fmt.Sprintf("%d of %d", loop.Epoch+1, loop.MaxEpochs)},
		[]string{"Median step duration", FormatDuration(loop.MedianStepDuration())},
	)
	points, _ := pBar.latest.Snapshot()
	for _, p := range points {
		update.rows = append(update.rows, []string{p.Name(), fmt.Sprintf("%.5g", p.Value)})
	}
	pBar.updates <- update
	return nil
}

// drawUpdates asynchronously draws the updates, so training doesn't wait for a slow terminal.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData(update.rows...))
		pBar.termenv.HideCursor()
		if pBar.numLinesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.numLinesPrinted = len(update.rows) + 2 + 2 // Table borders, progress bar and an empty line.
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ train.Outcome) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// every time the Loop is run it displays the progression and a table with the latest metrics.
//
// latest should be one of the sinks the Loop's strategy writes to.
func AttachProgressBar(loop *train.Loop, latest *sinks.Latest) {
	pBar := &progressBar{
		latest:     latest,
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most 1000 times during the loop, or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
