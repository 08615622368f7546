package chunkerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestIsAndKindOf(t *testing.T) {
	err := NoSuchChunk("X")
	require.True(t, Is(err, KindNoSuchChunk))
	assert.False(t, Is(err, KindInternal))
	assert.Equal(t, KindNoSuchChunk, KindOf(err))
}

func TestKindOfNonTaxonomyError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(KindUnavailable, "replicate failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestToStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{InvalidArgument("bad rf"), codes.InvalidArgument},
		{NoSuchChunk("X"), codes.NotFound},
		{NoSuchMedium("ssd"), codes.NotFound},
		{Unavailable("no quorum"), codes.Unavailable},
		{AccountLimitExceeded("over quota"), codes.ResourceExhausted},
		{InvariantViolation("row gap"), codes.Internal},
		{Internal("unreachable"), codes.Internal},
		{fmt.Errorf("plain"), codes.Internal},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, ToStatus(c.err).Code(), c.err.Error())
	}
}
