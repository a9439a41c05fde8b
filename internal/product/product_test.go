package product

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeedExpr(t *testing.T) {
	f, err := ParseFeedExpr("EXP|HDS")
	require.NoError(t, err)
	assert.Equal(t, FeedEXP|FeedHDS, f)

	f, err = ParseFeedExpr("")
	require.NoError(t, err)
	assert.Equal(t, FeedEXP, f, "empty expression selects the default feed")

	f, err = ParseFeedExpr("any")
	require.NoError(t, err)
	assert.Equal(t, FeedAny, f)

	f, err = ParseFeedExpr("NEXRAD2_NOINDEX")
	require.NoError(t, err)
	assert.Equal(t, FeedNEXRAD2_NOINDEX, f)

	_, err = ParseFeedExpr("EXP|BOGUS")
	assert.Error(t, err)
}

func TestFeedString(t *testing.T) {
	assert.Equal(t, "EXP|NGRID", (FeedEXP | FeedNGRID).String())
	assert.Equal(t, "NEXRAD2|NEXRAD2_NOINDEX", (FeedNEXRAD2 | FeedNEXRAD2_NOINDEX).String())
	assert.Equal(t, "NONE", FeedNone.String())
}

func TestFeedSubsetAndIntersect(t *testing.T) {
	assert.True(t, FeedEXP.IsSubsetOf(FeedEXP|FeedHDS))
	assert.False(t, (FeedEXP | FeedIDS).IsSubsetOf(FeedEXP))
	assert.Equal(t, FeedHDS, (FeedEXP | FeedHDS).Intersect(FeedHDS|FeedIDS))
	assert.True(t, FeedEXP.Intersect(FeedHDS).Empty())
}

func TestSignatureRoundTrip(t *testing.T) {
	sig := Sign([]byte("payload"))
	got, err := ParseSignature(sig.String())
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = ParseSignature("abc")
	assert.Error(t, err)
	_, err = ParseSignature("zz" + sig.String()[2:])
	assert.Error(t, err)
}

func TestSignatureIsZero(t *testing.T) {
	var zero Signature
	assert.True(t, zero.IsZero())
	assert.False(t, Sign([]byte("x")).IsZero())
}
