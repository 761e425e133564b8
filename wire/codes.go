package wire

import "fmt"

// Cmd is the command carried in a message header. Values are four
// character tags packed big-endian into a uint32.
type Cmd uint32

const (
	// CmdNone is only valid in the request field of a message that does
	// not answer anything.
	CmdNone Cmd = 0

	CmdList   Cmd = 'C'<<24 | 'L'<<16 | 's'<<8 | 't'
	CmdGrant  Cmd = 'C'<<24 | 'G'<<16 | 'n'<<8 | 't'
	CmdRevoke Cmd = 'C'<<24 | 'R'<<16 | 'v'<<8 | 'k'
	CmdPeers  Cmd = 'P'<<24 | 'e'<<16 | 'e'<<8 | 'r'

	ClResult Cmd = 'R'<<24 | 's'<<16 | 'l'<<8 | 't'
	ClList   Cmd = 'R'<<24 | 'L'<<16 | 's'<<8 | 't'
	ClGrant  Cmd = 'R'<<24 | 'G'<<16 | 'n'<<8 | 't'
	ClRevoke Cmd = 'R'<<24 | 'R'<<16 | 'v'<<8 | 'k'

	OpStatus  Cmd = 'S'<<24 | 't'<<16 | 'a'<<8 | 't'
	OpMyIndex Cmd = 'M'<<24 | 'I'<<16 | 'd'<<8 | 'x'

	OpReqVote   Cmd = 'R'<<24 | 'V'<<16 | 'o'<<8 | 't'
	OpVoteFor   Cmd = 'V'<<24 | 't'<<16 | 'F'<<8 | 'r'
	OpHeartbeat Cmd = 'H'<<24 | 'r'<<16 | 't'<<8 | 'B'
	OpAck       Cmd = 'A'<<24 | 'c'<<16 | 'k'<<8 | '.'
	OpUpdate    Cmd = 'U'<<24 | 'p'<<16 | 'd'<<8 | 'E'
	OpRevoke    Cmd = 'R'<<24 | 'e'<<16 | 'v'<<8 | 'k'
	OpRejected  Cmd = 'R'<<24 | 'J'<<16 | 'C'<<8 | '!'

	AttrSet  Cmd = 'A'<<24 | 'S'<<16 | 'e'<<8 | 't'
	AttrGet  Cmd = 'A'<<24 | 'G'<<16 | 'e'<<8 | 't'
	AttrDel  Cmd = 'A'<<24 | 'D'<<16 | 'e'<<8 | 'l'
	AttrList Cmd = 'A'<<24 | 'L'<<16 | 's'<<8 | 't'
)

var allCmds = []Cmd{
	CmdList, CmdGrant, CmdRevoke, CmdPeers,
	ClResult, ClList, ClGrant, ClRevoke,
	OpStatus, OpMyIndex,
	OpReqVote, OpVoteFor, OpHeartbeat, OpAck, OpUpdate, OpRevoke, OpRejected,
	AttrSet, AttrGet, AttrDel, AttrList,
}

// ParseCmd maps a raw header value to a known command.
func ParseCmd(v uint32) (Cmd, error) {
	c := Cmd(v)
	for _, known := range allCmds {
		if c == known {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %#08x", ErrUnknownCmd, v)
}

// IsPeerOp reports whether c is exchanged between sites, as opposed to
// commands sent by administrative clients.
func (c Cmd) IsPeerOp() bool {
	switch c {
	case OpStatus, OpMyIndex, OpReqVote, OpVoteFor, OpHeartbeat, OpAck, OpUpdate, OpRevoke, OpRejected:
		return true
	}
	return false
}

func (c Cmd) String() string {
	if c == CmdNone {
		return "none"
	}
	return tagString(uint32(c))
}

// Result is the outcome code of a request. Zero is success.
type Result uint32

const (
	ResultSuccess         Result = 0
	ResultAsync           Result = 'A'<<24 | 's'<<16 | 'y'<<8 | 'n'
	ResultMore            Result = 'M'<<24 | 'o'<<16 | 'r'<<8 | 'e'
	ResultSyncSuccess     Result = 'S'<<24 | 'c'<<16 | 'c'<<8 | 's'
	ResultSyncFail        Result = 'F'<<24 | 'a'<<16 | 'i'<<8 | 'l'
	ResultInvalidArg      Result = 'I'<<24 | 'A'<<16 | 'r'<<8 | 'g'
	ResultNoSuchAttr      Result = 'N'<<24 | 'A'<<16 | 't'<<8 | 'r'
	ResultPendingCommit   Result = 'P'<<24 | 'e'<<16 | 'n'<<8 | 'd'
	ResultExtFailed       Result = 'X'<<24 | 'P'<<16 | 'r'<<8 | 'g'
	ResultAttrPrereq      Result = 'A'<<24 | 'P'<<16 | 'r'<<8 | 'q'
	ResultTicketIdle      Result = 'T'<<24 | 'i'<<16 | 'd'<<8 | 'l'
	ResultOvergrant       Result = 'O'<<24 | 'v'<<16 | 'e'<<8 | 'r'
	ResultProbablySuccess Result = 'S'<<24 | 'u'<<16 | 'c'<<8 | '?'
	ResultBusy            Result = 'B'<<24 | 'u'<<16 | 's'<<8 | 'y'
	ResultAuth            Result = 'A'<<24 | 'u'<<16 | 't'<<8 | 'h'
	ResultTermOutdated    Result = 'T'<<24 | 'O'<<16 | 'd'<<8 | 't'
	ResultTermStillValid  Result = 'T'<<24 | 'V'<<16 | 'l'<<8 | 'd'
	ResultYouOutdated     Result = 'O'<<24 | 'u'<<16 | 't'<<8 | 'd'
	ResultRedirect        Result = 'R'<<24 | 'e'<<16 | 'd'<<8 | 'r'
)

var allResults = []Result{
	ResultSuccess, ResultAsync, ResultMore, ResultSyncSuccess, ResultSyncFail,
	ResultInvalidArg, ResultNoSuchAttr, ResultPendingCommit, ResultExtFailed,
	ResultAttrPrereq, ResultTicketIdle, ResultOvergrant, ResultProbablySuccess,
	ResultBusy, ResultAuth, ResultTermOutdated, ResultTermStillValid,
	ResultYouOutdated, ResultRedirect,
}

// ParseResult maps a raw header value to a known result.
func ParseResult(v uint32) (Result, error) {
	r := Result(v)
	for _, known := range allResults {
		if r == known {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %#08x", ErrUnknownResult, v)
}

// OK reports whether r denotes a completed operation.
func (r Result) OK() bool {
	return r == ResultSuccess || r == ResultSyncSuccess
}

// Retryable reports whether the requester may repeat the operation later
// and expect a different outcome.
func (r Result) Retryable() bool {
	switch r {
	case ResultAsync, ResultMore, ResultPendingCommit, ResultProbablySuccess, ResultBusy:
		return true
	}
	return false
}

func (r Result) String() string {
	if r == ResultSuccess {
		return "OK"
	}
	return tagString(uint32(r))
}

// Reason explains why a message was sent.
type Reason uint32

const (
	ReasonNone      Reason = 0
	ReasonAgain     Reason = 'A'<<24 | 'a'<<16 | 'a'<<8 | 'a'
	ReasonLost      Reason = 'T'<<24 | 'L'<<16 | 's'<<8 | 't'
	ReasonReacquire Reason = 'R'<<24 | 'a'<<16 | 'c'<<8 | 'q'
	ReasonAdmin     Reason = 'A'<<24 | 'd'<<16 | 'm'<<8 | 'n'
	ReasonLocalFail Reason = 'L'<<24 | 'o'<<16 | 'c'<<8 | 'F'
	ReasonStepdown  Reason = 'S'<<24 | 'p'<<16 | 'd'<<8 | 'n'
	ReasonSplit     Reason = 'S'<<24 | 'p'<<16 | 'l'<<8 | 't'
)

var allReasons = []Reason{
	ReasonNone, ReasonAgain, ReasonLost, ReasonReacquire,
	ReasonAdmin, ReasonLocalFail, ReasonStepdown, ReasonSplit,
}

// ParseReason maps a raw header value to a known reason.
func ParseReason(v uint32) (Reason, error) {
	r := Reason(v)
	for _, known := range allReasons {
		if r == known {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %#08x", ErrUnknownReason, v)
}

func (r Reason) String() string {
	if r == ReasonNone {
		return "none"
	}
	return tagString(uint32(r))
}

// Options are the command option bits of administrative requests.
type Options uint32

const (
	// OptImmediate grants even though a leader is still known, provided
	// that leader is not reachable.
	OptImmediate Options = 1
	// OptWait defers the reply until the election or revoke completes.
	OptWait Options = 2
	// OptWaitCommit additionally waits until local listeners processed
	// the ownership change.
	OptWaitCommit Options = 4

	allOptions = OptImmediate | OptWait | OptWaitCommit
)

// ParseOptions rejects unknown option bits.
func ParseOptions(v uint32) (Options, error) {
	if v&^uint32(allOptions) != 0 {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownOption, v)
	}
	return Options(v), nil
}

// Has reports whether every bit of o2 is set.
func (o Options) Has(o2 Options) bool { return o&o2 == o2 }

func tagString(v uint32) string {
	b := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return string(b[:])
}
