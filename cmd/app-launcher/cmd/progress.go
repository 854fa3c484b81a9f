package cmd

import (
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/oshokin/app-launcher/internal/service/fetcher"
)

// downloadProgress renders artifact downloads as a terminal progress bar.
type downloadProgress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
	max int64
}

// Report is a fetcher.ProgressFunc.
func (p *downloadProgress) Report(downloaded, total int64) {
	if total <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A resumed download or a size learned from the response starts a new bar.
	if p.bar == nil || total != p.max {
		p.finishLocked()

		p.max = total
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),                   //nolint:mnd // Bar width in columns.
			progressbar.OptionThrottle(100*time.Millisecond), //nolint:mnd // Redraw rate.
			progressbar.OptionClearOnFinish(),
		)
	}

	_ = p.bar.Set64(downloaded)
}

// Finish removes the bar from the terminal.
func (p *downloadProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finishLocked()
}

func (p *downloadProgress) finishLocked() {
	if p.bar == nil {
		return
	}

	_ = p.bar.Finish()
	p.bar = nil
}

// progressFunc returns nil when the output is not worth decorating.
func progressFunc(quiet bool) (fetcher.ProgressFunc, func()) {
	if quiet {
		return nil, func() {}
	}

	progress := &downloadProgress{}

	return progress.Report, progress.Finish
}
