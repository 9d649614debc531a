package wsoc

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/taskcluster/wsoc/util"
)

// Close codes from RFC 6455 section 7.4.1.
const (
	CloseNormal              = websocket.CloseNormalClosure
	CloseGoingAway           = websocket.CloseGoingAway
	CloseProtocolError       = websocket.CloseProtocolError
	CloseCannotAccept        = websocket.CloseUnsupportedData
	CloseNoStatusCode        = websocket.CloseNoStatusReceived
	CloseClosedAbnormally    = websocket.CloseAbnormalClosure
	CloseNotConsistent       = websocket.CloseInvalidFramePayloadData
	CloseViolatedPolicy      = websocket.ClosePolicyViolation
	CloseTooBig              = websocket.CloseMessageTooBig
	CloseNoExtension         = websocket.CloseMandatoryExtension
	CloseUnexpectedCondition = websocket.CloseInternalServerErr
	CloseServiceRestart      = websocket.CloseServiceRestart
	CloseTryAgainLater       = websocket.CloseTryAgainLater
	CloseTLSHandshakeFailure = websocket.CloseTLSHandshake
)

// maxCloseReasonBytes leaves room for the two byte code in a 125 byte
// control frame payload.
const maxCloseReasonBytes = 123

// CloseReason is the code and phrase of a close frame.
type CloseReason struct {
	Code   int
	Phrase string
}

func (c CloseReason) String() string {
	if c.Phrase == "" {
		return fmt.Sprintf("%d", c.Code)
	}
	return fmt.Sprintf("%d (%s)", c.Code, c.Phrase)
}

// payload renders the reason as a close frame payload.
func (c CloseReason) payload() []byte {
	return websocket.FormatCloseMessage(c.Code, util.TruncateUTF8(c.Phrase, maxCloseReasonBytes))
}

// receivedCloseReason maps a close frame received from the peer to the
// reason reported to the application. Codes that may not appear on the wire
// are reported as protocol errors.
func receivedCloseReason(code int, text string) CloseReason {
	switch {
	case code == CloseNoStatusCode:
		return CloseReason{Code: CloseNormal}
	case code < 1000,
		code >= 1004 && code <= 1006,
		code >= 1012 && code <= 2999:
		return CloseReason{Code: CloseProtocolError, Phrase: text}
	}
	return CloseReason{Code: code, Phrase: text}
}

// gorilla refuses close frames carrying codes that may not appear on the
// wire before the close handler sees them, failing the read with this error.
var badCloseCode = regexp.MustCompile(`^websocket: bad close code (\d+)$`)

// rejectedCloseCode extracts the code from such a read error.
func rejectedCloseCode(err error) (int, bool) {
	m := badCloseCode.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}
