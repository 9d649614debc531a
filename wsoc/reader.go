package wsoc

import (
	"errors"
	"io"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
)

var (
	errInvalidUTF8 = errors.New("invalid UTF-8 in text message")
	errReadFailed  = errors.New("reading message failed")
)

// readMessage reads a whole message of at most limit bytes.
func readMessage(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, pkgerrors.Wrapf(errReadFailed, "%v", err)
	}
	if len(data) > limit {
		return nil, pkgerrors.Wrapf(ErrMessageTooBig, "exceeds %d bytes", limit)
	}
	return data, nil
}

// readParts reads r in pieces of up to size bytes and passes each to
// deliver, flagging the final one. An empty message yields one empty, final
// piece.
func readParts(r io.Reader, size int, deliver func(part []byte, last bool) error) error {
	cur := make([]byte, size)
	n, err := io.ReadFull(r, cur)
	for {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return deliver(cur[:n], true)
		}
		if err != nil {
			return pkgerrors.Wrapf(errReadFailed, "%v", err)
		}
		next := make([]byte, size)
		m, nextErr := io.ReadFull(r, next)
		if nextErr == io.EOF {
			return deliver(cur[:n], true)
		}
		if derr := deliver(cur[:n], false); derr != nil {
			return derr
		}
		cur, n, err = next, m, nextErr
	}
}

// incompleteSuffix returns the length of a truncated UTF-8 sequence at the
// end of b, or 0.
func incompleteSuffix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
