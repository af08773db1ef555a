package socks5

import (
	"io"
	"log/slog"
	"net"

	"github.com/mistnet/socks5d/internal/logging"
	"github.com/mistnet/socks5d/internal/recovery"
)

// countingWriter wraps an io.Writer and feeds every successful write's
// byte count to record.
type countingWriter struct {
	w      io.Writer
	record func(uint64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.record(uint64(n))
	}
	return n, err
}

// relayTCP copies data bidirectionally between client and target,
// feeding every relayed byte into traffic's upload/download counters
// (§4.5, §5). When either direction ends (EOF or an I/O error), both
// connections are closed and the relay returns that direction's error.
func relayTCP(client, target net.Conn, traffic *TrafficCounters, logger *slog.Logger) error {
	errCh := make(chan error, 2)

	go func() {
		defer recovery.RecoverWithLog(logger, "relayTCP.clientToTarget")
		dst := &countingWriter{w: target, record: traffic.AddUpload}
		_, err := io.Copy(dst, client)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		defer recovery.RecoverWithLog(logger, "relayTCP.targetToClient")
		dst := &countingWriter{w: client, record: traffic.AddDownload}
		_, err := io.Copy(dst, target)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err := <-errCh
	// Closing both sides unblocks the other direction's copy.
	client.Close()
	target.Close()
	<-errCh

	if err != nil {
		logger.Debug("relay direction closed", logging.KeyComponent, "relay_tcp", logging.KeyError, err)
	}
	return err
}
