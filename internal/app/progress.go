package app

import (
	"github.com/pterm/pterm"
)

// showProgress enables terminal progress bars.
var showProgress = true

// progress is a byte-count progress bar. A nil *progress ignores updates.
type progress struct {
	bar   *pterm.ProgressbarPrinter
	shown uint64
}

func newProgress(title string, total uint64) *progress {
	if !showProgress {
		return nil
	}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(int(total)).
		WithTitle(title).
		WithShowCount(false).
		Start()
	if err != nil {
		return nil
	}
	return &progress{bar: bar}
}

// set advances the bar to done bytes.
func (p *progress) set(done uint64) {
	if p == nil || done <= p.shown {
		return
	}
	p.bar.Add(int(done - p.shown))
	p.shown = done
}

func (p *progress) stop() {
	if p == nil {
		return
	}
	p.bar.Stop()
}
