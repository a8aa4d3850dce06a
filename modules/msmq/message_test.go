package msmq

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	normalMessageSHA256    = "83cb649900cfe01d158b202d798db7762e9c04d60891b8ae6fe4a1e0f6c6aa7e"
	malformedMessageSHA256 = "293c73fd67e58e16b9a74ca2553a72ba4c7ab8e460149eac8f2132400c673fe3"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestMessageDigests(t *testing.T) {
	require.Equal(t, normalMessageSHA256, sha256Hex(NormalMessage()))
	require.Equal(t, malformedMessageSHA256, sha256Hex(MalformedMessage()))
}

func TestMessageLength(t *testing.T) {
	require.Equal(t, 2404, MessageSize)
	require.Len(t, NormalMessage(), MessageSize)
	require.Len(t, MalformedMessage(), MessageSize)
	require.Equal(t, uint64(MessageSize), mustField(t, "Base.PacketSize").Uint(NormalMessage()))
}

func TestMalformedDiffersInOneByte(t *testing.T) {
	normal := NormalMessage()
	malformed := MalformedMessage()
	var diffs []int
	for i := range normal {
		if normal[i] != malformed[i] {
			diffs = append(diffs, i)
		}
	}
	require.Equal(t, []int{235}, diffs)
	require.Equal(t, byte(0x00), normal[235])
	require.Equal(t, byte(MalformedDataLengthHighByte), malformed[235])
}

func TestDataLengthOverflow(t *testing.T) {
	normalLength := uint32(SRMPDataLength.Uint(NormalMessage()))
	malformedLength := uint32(SRMPDataLength.Uint(MalformedMessage()))
	require.Equal(t, uint32(0x21b), normalLength)
	require.Equal(t, uint32(0x8000021b), malformedLength)
	require.Equal(t, uint32(1078), EnvelopeByteSize(normalLength))
	require.Equal(t, EnvelopeByteSize(normalLength), EnvelopeByteSize(malformedLength))
	require.Equal(t, int(EnvelopeByteSize(normalLength)), mustField(t, "SRMPEnvelope.Data").Length)
}

func TestMessagesAreCopies(t *testing.T) {
	a := NormalMessage()
	a[0] = 0xff
	require.Equal(t, normalMessageSHA256, sha256Hex(NormalMessage()))

	b := MalformedMessage()
	b[235] = 0
	require.Equal(t, malformedMessageSHA256, sha256Hex(MalformedMessage()))

	// building twice gives the same bytes
	again, err := ProbeHeaders().MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, NormalMessage(), again)
	require.Equal(t, MalformedMessage(), Malform(again))
}

func TestBlockLayout(t *testing.T) {
	total := 0
	for b := BlockBase; b <= BlockExtension; b++ {
		require.Equal(t, total, b.Offset(), "offset of %s", b)
		total += b.Size()
	}
	require.Equal(t, MessageSize, total)
	require.Equal(t, 228, BlockSRMPEnvelope.Offset())
	require.Equal(t, "CompoundMessage", BlockCompoundMessage.String())
	require.Equal(t, "Block(9)", Block(9).String())
	for _, b := range []Block{-1, BlockExtension + 1, 9} {
		require.Zero(t, b.Size(), "size of %s", b)
		require.Equal(t, -1, b.Offset(), "offset of %s", b)
	}
}

func TestSchemaFieldsFitTheirBlocks(t *testing.T) {
	names := make(map[string]bool)
	end := make(map[Block]int)
	for _, f := range Schema {
		require.False(t, names[f.Name], "duplicate field %s", f.Name)
		names[f.Name] = true
		require.True(t, strings.HasPrefix(f.Name, f.Block.String()+"."), "field %s in block %s", f.Name, f.Block)
		require.Equal(t, end[f.Block], f.Offset, "field %s does not follow the previous field", f.Name)
		end[f.Block] = f.Offset + f.Length
	}
	for b := BlockBase; b <= BlockExtension; b++ {
		require.Equal(t, b.Size(), end[b], "fields of %s do not cover the block", b)
	}
}

func mustField(t *testing.T, name string) Field {
	t.Helper()
	f, ok := LookupField(name)
	require.True(t, ok, "no field %s", name)
	return f
}

func TestFieldValues(t *testing.T) {
	msg := NormalMessage()
	tests := []struct {
		name     string
		expected uint64
	}{
		{"Base.VersionNumber", 0x10},
		{"Base.Flags", 0x1003},
		{"Base.TimeToReachQueue", 0x6c097663},
		{"User.SentTime", 0x64beaa63},
		{"User.MessageID", 1},
		{"User.Flags", 0x02201c01},
		{"User.DestinationQueueSize", 96},
		{"MessageProperties.LabelLength", 4},
		{"SRMPEnvelope.DataLength", 0x21b},
		{"CompoundMessage.HeaderID", 500},
		{"CompoundMessage.HTTPBodySize", 1060},
		{"CompoundMessage.MessageBodySize", 7},
		{"CompoundMessage.MessageBodyOffset", 995},
		{"Extension.HeaderSize", 12},
		{"Extension.RemainingHeadersSize", 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, mustField(t, test.name).Uint(msg))
		})
	}

	require.Equal(t, Marker, mustField(t, "Base.Signature").Bytes(msg))
	require.Equal(t, []byte{'p', 0, 'o', 0, 'c', 0, 0, 0}, mustField(t, "MessageProperties.Label").Bytes(msg))
	require.Equal(t, []byte{0x64, 0x00}, mustField(t, "SRMPEnvelope.Padding").Bytes(msg))

	queue, err := utf16le.NewDecoder().Bytes(mustField(t, "User.DestinationQueue").Bytes(msg))
	require.NoError(t, err)
	require.Equal(t, queuePath+"\x00", string(queue))

	envelope, err := utf16le.NewDecoder().Bytes(mustField(t, "SRMPEnvelope.Data").Bytes(msg))
	require.NoError(t, err)
	require.Equal(t, soapEnvelope+"\x00", string(envelope))
}

func TestCompoundMessageBody(t *testing.T) {
	msg := NormalMessage()
	httpBody := mustField(t, "CompoundMessage.HTTPBody").Bytes(msg)
	offset := mustField(t, "CompoundMessage.MessageBodyOffset").Uint(msg)
	size := mustField(t, "CompoundMessage.MessageBodySize").Uint(msg)
	require.Equal(t, messageBody, string(httpBody[offset:offset+size]))
	require.True(t, bytes.HasPrefix(httpBody, []byte("POST /msmq HTTP/1.1\r\n")))
	require.Contains(t, string(httpBody), "<action>MSMQ:poc</action>")
}

func TestFieldUintPanicsOnNonInteger(t *testing.T) {
	require.Panics(t, func() {
		mustField(t, "Base.Signature").Uint(NormalMessage())
	})
}

func TestHeadersRejectWrongSize(t *testing.T) {
	h := ProbeHeaders()
	h.MessageProperties.Label = "a longer label"
	_, err := h.MarshalBinary()
	require.ErrorContains(t, err, "MessageProperties header")

	h = ProbeHeaders()
	h.SRMPEnvelope.Padding = []byte{0x64}
	_, err = h.MarshalBinary()
	require.ErrorContains(t, err, "not 4-byte aligned")
}
