package pgsql

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
)

// countingWriter tracks bytes flowing through the pipe.
type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// CopyPipeline streams `COPY ... TO STDOUT` on the source straight into
// `COPY ... FROM STDIN` on the target, without buffering the table in
// memory. Returns the number of bytes transferred.
func CopyPipeline(ctx context.Context, src, dst *pgconn.PgConn, copyOut, copyIn string) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}

	outErr := make(chan error, 1)
	go func() {
		_, err := src.CopyTo(ctx, counter, copyOut)
		// Close the writer with the source error so the CopyFrom side
		// terminates rather than hanging on a half-open pipe.
		pw.CloseWithError(err)
		outErr <- err
	}()

	_, inErr := dst.CopyFrom(ctx, pr, copyIn)
	srcErr := <-outErr
	pr.Close()

	if srcErr != nil {
		return counter.n.Load(), fmt.Errorf("copy from source: %w", srcErr)
	}
	if inErr != nil {
		return counter.n.Load(), fmt.Errorf("copy to target: %w", inErr)
	}
	return counter.n.Load(), nil
}
