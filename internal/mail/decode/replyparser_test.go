package decode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReplyStripsQuotedTail(t *testing.T) {
	text := "Thanks, that fixed it!\n" +
		"\n" +
		"On Mon, 12 Jan 2026 at 10:00, Support <support@example.com> wrote:\n" +
		"> Please try restarting the agent.\n" +
		"> Let us know how it goes.\n"

	require.Equal(t, "Thanks, that fixed it!", ParseReply(text))

	full := FullContent(text)
	require.Contains(t, full, "Thanks, that fixed it!")
	require.Contains(t, full, "Please try restarting the agent.")
}

func TestParseReplyStripsSignature(t *testing.T) {
	text := "See attached logs.\n\n-- \nAlice Jensen\nOps team\n"
	require.Equal(t, "See attached logs.", ParseReply(text))
}

func TestParseReplyStripsOriginalMessageBlock(t *testing.T) {
	text := "Forwarding for visibility.\n" +
		"\n" +
		"-----Original Message-----\n" +
		"From: bob@example.com\n" +
		"The printer is on fire.\n"
	require.Equal(t, "Forwarding for visibility.", ParseReply(text))
	require.Contains(t, FullContent(text), "The printer is on fire.")
}

func TestParseReplyKeepsInterleavedContent(t *testing.T) {
	// A reply written below a quote stays visible, and the quote above it
	// does too.
	text := "> Does the error persist after a reboot?\n" +
		"Yes, same error every time.\n"
	got := ParseReply(text)
	require.Contains(t, got, "Yes, same error every time.")
	require.Contains(t, got, "Does the error persist")
}

func TestParseReplyPlainMessageUnchanged(t *testing.T) {
	text := "Hello,\n\nmy account is locked.\n"
	require.Equal(t, "Hello,\n\nmy account is locked.", ParseReply(text))
}

func TestFragmentsMarkTrailingQuoteHidden(t *testing.T) {
	text := "New reply\n> old text\n"
	frags := Fragments(text)
	require.Len(t, frags, 2)
	require.False(t, frags[0].Hidden)
	require.True(t, frags[1].Hidden)
	require.True(t, frags[1].Quoted)
}
