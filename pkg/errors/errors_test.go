package sentinal_errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestE_KindMatching(t *testing.T) {
	err := E(KindCrypto, "invite.decode", ErrDecryptionFailed)

	assert.True(t, errors.Is(err, ErrCrypto))
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.Equal(t, KindCrypto, KindOf(err))
	assert.Equal(t, "invite.decode: crypto error: decryption failed", err.Error())
}

func TestE_NilPassesThrough(t *testing.T) {
	assert.NoError(t, E(KindStorage, "op", nil))
}

func TestE_KeepsExistingKind(t *testing.T) {
	inner := E(KindTimeout, "join", ErrStreamEnded)
	outer := E(KindProtocol, "conversation.join", fmt.Errorf("wrapped: %w", inner))

	assert.Equal(t, KindTimeout, KindOf(outer))
	assert.True(t, errors.Is(outer, ErrStreamEnded))
	assert.True(t, errors.Is(outer, ErrTimeout))
}

func TestKindOf_Unknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestErrorString_Variants(t *testing.T) {
	assert.Equal(t, "state error", (&Error{Kind: KindState}).Error())
	assert.Equal(t, "create: state error", (&Error{Kind: KindState, Op: "create"}).Error())
	assert.Equal(t, "storage error: boom", (&Error{Kind: KindStorage, Err: errors.New("boom")}).Error())
}
