package msmq

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// Sizes in bytes of the header blocks of the probe messages, in wire order.
const (
	BaseHeaderSize              = 16
	UserHeaderSize              = 148
	MessagePropertiesHeaderSize = 64
	SRMPEnvelopeHeaderSize      = 1088
	CompoundMessageHeaderSize   = 1076
	ExtensionHeaderSize         = 12

	// MessageSize is the total size of a probe message, and the value of
	// BaseHeader.PacketSize.
	MessageSize = BaseHeaderSize + UserHeaderSize + MessagePropertiesHeaderSize +
		SRMPEnvelopeHeaderSize + CompoundMessageHeaderSize + ExtensionHeaderSize
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeWideString returns s as null-terminated UTF-16LE, the WCHAR string
// encoding used throughout the MSMQ headers.
func encodeWideString(s string) ([]byte, error) {
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("could not encode %q as UTF-16LE: %w", s, err)
	}
	return append(enc, 0, 0), nil
}

// padTo4 appends zero bytes until len(b) is a multiple of 4.
func padTo4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// BaseHeader starts every MSMQ packet. The service echoes the Signature
// back in its own base header when it answers.
type BaseHeader struct {
	VersionNumber    uint8
	Reserved         uint8
	Flags            uint16
	Signature        [4]byte
	PacketSize       uint32
	TimeToReachQueue uint32
}

// MarshalBinary encodes the header in wire format.
func (h *BaseHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, BaseHeaderSize)
	buf = append(buf, h.VersionNumber, h.Reserved)
	buf = binary.LittleEndian.AppendUint16(buf, h.Flags)
	buf = append(buf, h.Signature[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.PacketSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.TimeToReachQueue)
	return buf, nil
}

// UserHeader identifies the message and its destination queue.
type UserHeader struct {
	SourceQueueManager  [16]byte
	QueueManagerAddress [16]byte
	TimeToBeReceived    uint32
	SentTime            uint32
	MessageID           uint32
	Flags               uint32
	// DestinationQueue is written as a byte count followed by a
	// null-terminated UTF-16LE string, padded to a 4-byte boundary.
	DestinationQueue string
}

// MarshalBinary encodes the header in wire format.
func (h *UserHeader) MarshalBinary() ([]byte, error) {
	queue, err := encodeWideString(h.DestinationQueue)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, UserHeaderSize)
	buf = append(buf, h.SourceQueueManager[:]...)
	buf = append(buf, h.QueueManagerAddress[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.TimeToBeReceived)
	buf = binary.LittleEndian.AppendUint32(buf, h.SentTime)
	buf = binary.LittleEndian.AppendUint32(buf, h.MessageID)
	buf = binary.LittleEndian.AppendUint32(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(queue)))
	buf = append(buf, queue...)
	return padTo4(buf), nil
}

// MessagePropertiesHeader carries the message label and body metadata.
type MessagePropertiesHeader struct {
	Flags               uint8
	MessageClass        uint16
	CorrelationID       [20]byte
	BodyType            uint32
	ApplicationTag      uint32
	MessageSize         uint32
	AllocationBodySize  uint32
	PrivacyLevel        uint32
	HashAlgorithm       uint32
	EncryptionAlgorithm uint32
	ExtensionSize       uint32
	// Label is written as a null-terminated UTF-16LE string; the LabelLength
	// byte counts its characters including the terminator.
	Label string
}

// MarshalBinary encodes the header in wire format.
func (h *MessagePropertiesHeader) MarshalBinary() ([]byte, error) {
	label, err := encodeWideString(h.Label)
	if err != nil {
		return nil, err
	}
	if len(label)/2 > 0xff {
		return nil, fmt.Errorf("label of %d characters does not fit the LabelLength field", len(label)/2)
	}
	buf := make([]byte, 0, MessagePropertiesHeaderSize)
	buf = append(buf, h.Flags, uint8(len(label)/2))
	buf = binary.LittleEndian.AppendUint16(buf, h.MessageClass)
	buf = append(buf, h.CorrelationID[:]...)
	for _, v := range []uint32{
		h.BodyType, h.ApplicationTag, h.MessageSize, h.AllocationBodySize,
		h.PrivacyLevel, h.HashAlgorithm, h.EncryptionAlgorithm, h.ExtensionSize,
	} {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	buf = append(buf, label...)
	return padTo4(buf), nil
}

// SRMPEnvelopeHeader carries the SOAP envelope of the message. Its DataLength
// field counts UTF-16 characters, so the receiver computes the byte size of
// the envelope as DataLength*2 in 32-bit arithmetic. That multiplication is
// the QueueJumper overflow.
type SRMPEnvelopeHeader struct {
	HeaderID uint16
	Reserved uint16
	// Envelope is written as a null-terminated UTF-16LE string.
	Envelope string
	// Padding follows the envelope up to the 4-byte boundary. Its content is
	// kept exactly as observed on the wire.
	Padding []byte
}

// MarshalBinary encodes the header in wire format.
func (h *SRMPEnvelopeHeader) MarshalBinary() ([]byte, error) {
	data, err := encodeWideString(h.Envelope)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, SRMPEnvelopeHeaderSize)
	buf = binary.LittleEndian.AppendUint16(buf, h.HeaderID)
	buf = binary.LittleEndian.AppendUint16(buf, h.Reserved)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)/2))
	buf = append(buf, data...)
	buf = append(buf, h.Padding...)
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("SRMP envelope header of %d bytes is not 4-byte aligned", len(buf))
	}
	return buf, nil
}

// CompoundMessageHeader carries the HTTP request that frames the SOAP
// envelope and the message body.
type CompoundMessageHeader struct {
	HeaderID uint16
	Reserved uint16
	// HTTPBody holds the raw HTTP request; its length is written as HTTPBodySize.
	HTTPBody          []byte
	MessageBodySize   uint32
	MessageBodyOffset uint32
}

// MarshalBinary encodes the header in wire format.
func (h *CompoundMessageHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, CompoundMessageHeaderSize)
	buf = binary.LittleEndian.AppendUint16(buf, h.HeaderID)
	buf = binary.LittleEndian.AppendUint16(buf, h.Reserved)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.HTTPBody)))
	buf = binary.LittleEndian.AppendUint32(buf, h.MessageBodySize)
	buf = binary.LittleEndian.AppendUint32(buf, h.MessageBodyOffset)
	buf = append(buf, h.HTTPBody...)
	return buf, nil
}

// ExtensionHeader terminates the header chain.
type ExtensionHeader struct {
	HeaderSize           uint32
	RemainingHeadersSize uint32
	Flags                uint8
	Reserved             [3]byte
}

// MarshalBinary encodes the header in wire format.
func (h *ExtensionHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, ExtensionHeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.RemainingHeadersSize)
	buf = append(buf, h.Flags)
	buf = append(buf, h.Reserved[:]...)
	return buf, nil
}
