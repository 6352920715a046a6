package proxy

import (
	"bufio"
	"bytes"
	"io"
)

// relayBufSize is the read size for block relaying.
const relayBufSize = 32 * 1024

// forEachBlock reads r block by block and calls fn for each, flagging the
// final block. Knowing whether a block is the last one requires reading past
// it, so the most recently read block is held back and only delivered once
// the next read settles the question: an explicit two-slot (pending/current)
// pipeline, since io.Reader has no peek.
func forEachBlock(r io.Reader, fn func(block []byte, final bool) error) error {
	pending := make([]byte, 0, relayBufSize)
	current := make([]byte, relayBufSize)
	havePending := false

	for {
		n, err := r.Read(current)
		if n > 0 {
			if havePending {
				if cbErr := fn(pending, false); cbErr != nil {
					return cbErr
				}
			}
			pending = append(pending[:0], current[:n]...)
			havePending = true
		}
		if err == io.EOF {
			if havePending {
				return fn(pending, true)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// forEachEvent reads server-sent events from r (blocks terminated by an
// empty line) and calls fn for each, flagging the final event. Uses the same
// one-item look-ahead as forEachBlock so the last event can be marked.
// Trailing CR/LF bytes are stripped from each event before delivery.
func forEachEvent(r io.Reader, fn func(event []byte, final bool) error) error {
	br := bufio.NewReader(r)

	var pending []byte
	havePending := false

	emit := func(raw []byte, final bool) error {
		return fn(bytes.TrimRight(raw, "\r\n"), final)
	}

	var event []byte
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if isBlankLine(line) {
				if len(event) > 0 {
					if havePending {
						if cbErr := emit(pending, false); cbErr != nil {
							return cbErr
						}
					}
					pending = append(pending[:0:0], event...)
					havePending = true
					event = event[:0]
				}
			} else {
				event = append(event, line...)
			}
		}
		if err == io.EOF {
			// A partial event without a terminating blank line still counts.
			if len(event) > 0 {
				if havePending {
					if cbErr := emit(pending, false); cbErr != nil {
						return cbErr
					}
				}
				pending = event
				havePending = true
			}
			if havePending {
				return emit(pending, true)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}
