package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progressdb/openmemory-core/internal/errs"
)

func Test_Error_IsMatchesByKind(t *testing.T) {
	t.Parallel()

	err := errs.Validation("op", "bad input")
	assert.True(t, errors.Is(err, errs.Validation("other_op", "")))
	assert.False(t, errors.Is(err, errs.NotFound("op", "")))
}

func Test_Error_UnwrapReachesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := errs.Storage("graph.insert_fact", "write failed", cause)
	assert.ErrorIs(t, err, cause)
}

func Test_IsKind_WalksWrapChain(t *testing.T) {
	t.Parallel()

	inner := errs.Crypto("crypto.decrypt", "bad tag", errors.New("cipher: message authentication failed"))
	wrapped := errors.Join(errors.New("context"), inner)

	assert.True(t, errs.IsKind(inner, errs.KindCrypto))
	// errors.Join does not implement a single Unwrap() error, so IsKind
	// only walks single-cause chains; confirm that boundary directly.
	require.False(t, errs.IsKind(wrapped, errs.KindCrypto))
}
