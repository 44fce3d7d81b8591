package wire

import "errors"

// Sentinel framing errors, mirroring the taxonomy the protocol was
// ported from (see original_source/qa_server.py, qa_p2p.py). All are
// fatal to the connection that produced them; callers close the
// socket and log the offending bytes.
var (
	ErrMissingLengthHeader    = errors.New("wire: missing length header")
	ErrInvalidLengthHeader    = errors.New("wire: invalid length header")
	ErrMissingMessageDelim    = errors.New("wire: missing message delimiter")
	ErrInvalidMessageDelim    = errors.New("wire: invalid message delimiter")
	ErrJSONDecode             = errors.New("wire: json decode")
	ErrFixedPointNotConverged = errors.New("wire: fixed-point length search did not converge")
)

// ErrNeedMore signals the decoder needs more bytes before it can make
// progress; it is not a framing error and callers should simply wait
// for the next read to deliver data into the buffer.
var ErrNeedMore = errors.New("wire: need more data")
