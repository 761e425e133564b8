package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdTags(t *testing.T) {
	tests := []struct {
		cmd  Cmd
		want string
	}{
		{OpReqVote, "RVot"},
		{OpVoteFor, "VtFr"},
		{OpHeartbeat, "HrtB"},
		{OpAck, "Ack."},
		{OpUpdate, "UpdE"},
		{OpRevoke, "Revk"},
		{OpRejected, "RJC!"},
		{CmdGrant, "CGnt"},
		{AttrList, "ALst"},
		{CmdNone, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.String())
		})
	}
}

func TestParseCmd(t *testing.T) {
	for _, c := range allCmds {
		got, err := ParseCmd(uint32(c))
		require.NoError(t, err, c.String())
		assert.Equal(t, c, got)
	}

	_, err := ParseCmd(0x41414141)
	assert.ErrorIs(t, err, ErrUnknownCmd)
	_, err = ParseCmd(0)
	assert.ErrorIs(t, err, ErrUnknownCmd)
}

func TestParseResultAndReason(t *testing.T) {
	r, err := ParseResult(uint32(ResultTermOutdated))
	require.NoError(t, err)
	assert.Equal(t, "TOdt", r.String())
	assert.Equal(t, "OK", ResultSuccess.String())

	_, err = ParseResult(1)
	assert.ErrorIs(t, err, ErrUnknownResult)

	reason, err := ParseReason(uint32(ReasonStepdown))
	require.NoError(t, err)
	assert.Equal(t, "Spdn", reason.String())

	_, err = ParseReason(7)
	assert.ErrorIs(t, err, ErrUnknownReason)
}

func TestResultClasses(t *testing.T) {
	assert.True(t, ResultSuccess.OK())
	assert.True(t, ResultSyncSuccess.OK())
	assert.False(t, ResultBusy.OK())

	for _, r := range []Result{ResultBusy, ResultPendingCommit, ResultProbablySuccess} {
		assert.True(t, r.Retryable(), r.String())
	}
	for _, r := range []Result{ResultTermOutdated, ResultAuth, ResultInvalidArg} {
		assert.False(t, r.Retryable(), r.String())
	}
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(uint32(OptWait | OptImmediate))
	require.NoError(t, err)
	assert.True(t, o.Has(OptWait))
	assert.True(t, o.Has(OptImmediate))
	assert.False(t, o.Has(OptWaitCommit))

	_, err = ParseOptions(8)
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestPeerOps(t *testing.T) {
	assert.True(t, OpHeartbeat.IsPeerOp())
	assert.True(t, OpStatus.IsPeerOp())
	assert.False(t, CmdGrant.IsPeerOp())
	assert.False(t, AttrSet.IsPeerOp())
}
