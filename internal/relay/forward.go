package relay

import (
	"bufio"
	"io"
	"log/slog"
	"net"

	"alpn-relay/internal/pipeline"
)

// upstreamWriteBuffer sizes the buffered writer in front of the upstream
// socket. Writes accumulate until a ReadComplete flushes them, batching the
// syscall per inbound read rather than per data unit.
const upstreamWriteBuffer = 32 * 1024

// forwardStage is the terminal data stage installed once an upstream has
// been dialed. Inbound data units are written to the upstream connection;
// events other than the flush/close signals pass through to the sink.
type forwardStage struct {
	upstream net.Conn
	bw       *bufio.Writer
	logger   *slog.Logger
	broken   bool
}

func newForwardStage(upstream net.Conn, logger *slog.Logger) *forwardStage {
	return &forwardStage{
		upstream: upstream,
		bw:       bufio.NewWriterSize(upstream, upstreamWriteBuffer),
		logger:   logger,
	}
}

func (f *forwardStage) OnData(c *pipeline.Context, buf []byte) {
	if f.broken {
		return
	}
	if _, err := f.bw.Write(buf); err != nil {
		f.fail(c, err)
	}
}

func (f *forwardStage) OnEvent(c *pipeline.Context, ev pipeline.Event) {
	switch e := ev.(type) {
	case pipeline.ReadComplete:
		if !f.broken {
			if err := f.bw.Flush(); err != nil {
				f.fail(c, err)
			}
		}
		c.ForwardEvent(ev)
	case pipeline.InboundClosed:
		if !f.broken {
			f.bw.Flush()
			closeWrite(f.upstream)
		}
		c.ForwardEvent(e)
	default:
		c.ForwardEvent(ev)
	}
}

// fail marks the upstream as dead and retires the stage. The client-facing
// connection is torn down by the copy goroutine when the upstream closes.
func (f *forwardStage) fail(c *pipeline.Context, err error) {
	f.broken = true
	f.logger.Warn("upstream write failed", slog.String("error", err.Error()))
	f.upstream.Close()
	c.Remove()
}

// copyToClient pumps upstream reads back to the client until either side
// ends, then closes both directions.
func copyToClient(client io.WriteCloser, upstream net.Conn, logger *slog.Logger) {
	_, err := io.Copy(client, upstream)
	if err != nil {
		logger.Debug("upstream copy ended", slog.String("error", err.Error()))
	}
	upstream.Close()
	client.Close()
}

// closeWrite half-closes the upstream when the client's inbound side ends,
// letting the upstream finish any in-flight response.
func closeWrite(conn net.Conn) {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}
