package clone

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressBar renders the byte progress of the table-copy phase. It is
// inert when disabled or when stderr is not a terminal, so workers can
// call add unconditionally.
type progressBar struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

func newProgressBar(totalBytes int64, enabled bool) *progressBar {
	if !enabled || !isatty.IsTerminal(os.Stderr.Fd()) || totalBytes <= 0 {
		return &progressBar{}
	}
	p := mpb.New(
		mpb.WithOutput(os.Stderr),
		mpb.WithWidth(40),
		mpb.WithRefreshRate(100*time.Millisecond),
	)
	bar := p.New(totalBytes,
		mpb.BarStyle().Lbound("|").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name("copy", decor.WC{W: 5}),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.CurrentKibiByte("% .1f"),
		),
	)
	return &progressBar{p: p, bar: bar}
}

func (b *progressBar) add(n int64) {
	if b.bar != nil {
		b.bar.IncrInt64(n)
	}
}

func (b *progressBar) done() {
	if b.bar != nil {
		b.bar.SetTotal(-1, true)
		b.p.Wait()
	}
}
