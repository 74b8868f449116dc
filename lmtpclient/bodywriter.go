package lmtpclient

import (
	"errors"
)

const (
	// OutputHighWaterMark is the amount of buffered output bytes beyond which the DATA writer flushes to the wire
	// before transforming any further body bytes.
	OutputHighWaterMark = 4096
)

// ErrNoDataYet may be returned by a lazy body stream's Read to signal that no bytes are available right now. The DATA
// writer then yields; call SendMore once the stream has more to offer.
var ErrNoDataYet = errors.New("no body data available yet")

/*
pumpBodyLocked streams the message body to the wire, transforming it on the fly: a line feed not preceded by a
carriage return gains one, and a dot opening a new line is doubled so that it cannot terminate the message early. The
transformation is exact across read boundaries because outputLast tracks the final byte actually written, not merely
the final byte of the latest body slice.

Once the body is exhausted the terminating ".\r\n" goes out, preceded by a line break unless the body already supplied
one. The writer runs until the body yields no more bytes for now, and it never rewrites a byte already handed to the
transport. A write failure resolves the session as a global failure; the collected callbacks are returned for the
caller to fire once the mutex is released.
*/
func (client *Client) pumpBodyLocked() []pendingCallback {
	if client.bodyFinished {
		return nil
	}
	if client.bodyReadBuf == nil {
		client.bodyReadBuf = make([]byte, OutputHighWaterMark)
	}
	for {
		if len(client.bodyPending) == 0 {
			if client.bodyEOF {
				break
			}
			if client.bodyInput == nil {
				return client.yieldFlushLocked()
			}
			n, err := client.bodyInput.Read(client.bodyReadBuf)
			if n > 0 {
				client.bodyPending = client.bodyReadBuf[:n]
			}
			if err != nil {
				if errors.Is(err, ErrNoDataYet) {
					// The producer has nothing right now; SendMore resumes the pump.
					return client.yieldFlushLocked()
				}
				// io.EOF and read errors alike conclude the body.
				client.bodyEOF = true
			} else if n == 0 {
				// Nothing read and no error either; wait for SendMore rather than spinning.
				return client.yieldFlushLocked()
			}
			continue
		}
		data := client.bodyPending
		var insert byte
		i := 0
		for ; i < len(data); i++ {
			prev := client.outputLast
			if i > 0 {
				prev = data[i-1]
			}
			if data[i] == '\n' {
				if prev != '\r' {
					// Missing CR
					insert = '\r'
					break
				}
			} else if data[i] == '.' && prev == '\n' {
				// Escape the dot
				insert = '.'
				break
			}
		}
		if i > 0 {
			if _, err := client.output.Write(data[:i]); err != nil {
				return client.failLocked(TempFailureLine + " (disconnected in output)")
			}
			client.outputLast = data[i-1]
			client.bodyPending = data[i:]
		}
		if client.output.Buffered() >= OutputHighWaterMark {
			if err := client.flushLocked(); err != nil {
				return client.failLocked(TempFailureLine + " (disconnected in output)")
			}
		}
		if insert != 0 {
			if err := client.output.WriteByte(insert); err != nil {
				return client.failLocked(TempFailureLine + " (disconnected in output)")
			}
			client.outputLast = insert
		}
	}
	// Terminate the message, supplying the final line break if the body did not end in one.
	terminator := ".\r\n"
	if client.outputLast != '\n' {
		terminator = "\r\n.\r\n"
	}
	if _, err := client.output.WriteString(terminator); err != nil {
		return client.failLocked(TempFailureLine + " (disconnected in output)")
	}
	if err := client.flushLocked(); err != nil {
		return client.failLocked(TempFailureLine + " (disconnected in output)")
	}
	client.bodyFinished = true
	return nil
}

// yieldFlushLocked pushes whatever the pump has transformed so far to the wire before the pump goes dormant.
func (client *Client) yieldFlushLocked() []pendingCallback {
	if client.output.Buffered() == 0 {
		return nil
	}
	if err := client.flushLocked(); err != nil {
		return client.failLocked(TempFailureLine + " (disconnected in output)")
	}
	return nil
}
