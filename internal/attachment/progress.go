package attachment

import (
	"context"
	"io"
	"sync/atomic"
)

// progressReader counts bytes as storage consumes them and stops the
// upload once ctx is cancelled.
type progressReader struct {
	ctx  context.Context
	r    io.Reader
	read atomic.Int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.read.Add(int64(n))
	return n, err
}

func percent(read, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(read * 100 / total)
	if pct > 100 {
		return 100
	}
	return pct
}
