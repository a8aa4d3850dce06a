package msmq

import (
	"encoding/binary"
	"fmt"
)

// Block identifies one header block of a probe message.
type Block int

const (
	BlockBase Block = iota
	BlockUser
	BlockMessageProperties
	BlockSRMPEnvelope
	BlockCompoundMessage
	BlockExtension
)

var blockNames = []string{"Base", "User", "MessageProperties", "SRMPEnvelope", "CompoundMessage", "Extension"}

var blockSizes = []int{
	BaseHeaderSize,
	UserHeaderSize,
	MessagePropertiesHeaderSize,
	SRMPEnvelopeHeaderSize,
	CompoundMessageHeaderSize,
	ExtensionHeaderSize,
}

func (b Block) String() string {
	if !b.valid() {
		return fmt.Sprintf("Block(%d)", int(b))
	}
	return blockNames[b]
}

func (b Block) valid() bool {
	return b >= 0 && int(b) < len(blockSizes)
}

// Size returns the length of the block in bytes, or 0 for an unknown block.
func (b Block) Size() int {
	if !b.valid() {
		return 0
	}
	return blockSizes[b]
}

// Offset returns the position of the block within a message, or -1 for an
// unknown block.
func (b Block) Offset() int {
	if !b.valid() {
		return -1
	}
	offset := 0
	for i := Block(0); i < b; i++ {
		offset += blockSizes[i]
	}
	return offset
}

// FieldKind is the encoding of a header field.
type FieldKind string

const (
	KindUint8       = FieldKind("uint8")
	KindUint16LE    = FieldKind("uint16le")
	KindUint32LE    = FieldKind("uint32le")
	KindBytes       = FieldKind("bytes")
	KindASCII       = FieldKind("ascii")
	KindWideString  = FieldKind("utf16le")
	KindHTTPMessage = FieldKind("http")
)

// Field describes where a header field lives in a probe message.
type Field struct {
	Name   string
	Block  Block
	Offset int // within the block
	Length int
	Kind   FieldKind
}

// Position returns the offset of the field within a message.
func (f Field) Position() int {
	return f.Block.Offset() + f.Offset
}

// Bytes returns the field's bytes in msg.
func (f Field) Bytes(msg []byte) []byte {
	return msg[f.Position() : f.Position()+f.Length]
}

// Uint returns the value of an integer field in msg.
func (f Field) Uint(msg []byte) uint64 {
	b := f.Bytes(msg)
	switch f.Kind {
	case KindUint8:
		return uint64(b[0])
	case KindUint16LE:
		return uint64(binary.LittleEndian.Uint16(b))
	case KindUint32LE:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	panic(fmt.Sprintf("field %s of kind %s is not an integer", f.Name, f.Kind))
}

// SRMPDataLength is the field the malformed message corrupts.
var SRMPDataLength = Field{"SRMPEnvelope.DataLength", BlockSRMPEnvelope, 4, 4, KindUint32LE}

// Schema lists the fields of the probe messages in wire order. Variable-size
// fields are listed with the size they have in the probe messages.
var Schema = []Field{
	{"Base.VersionNumber", BlockBase, 0, 1, KindUint8},
	{"Base.Reserved", BlockBase, 1, 1, KindUint8},
	{"Base.Flags", BlockBase, 2, 2, KindUint16LE},
	{"Base.Signature", BlockBase, 4, 4, KindASCII},
	{"Base.PacketSize", BlockBase, 8, 4, KindUint32LE},
	{"Base.TimeToReachQueue", BlockBase, 12, 4, KindUint32LE},

	{"User.SourceQueueManager", BlockUser, 0, 16, KindBytes},
	{"User.QueueManagerAddress", BlockUser, 16, 16, KindBytes},
	{"User.TimeToBeReceived", BlockUser, 32, 4, KindUint32LE},
	{"User.SentTime", BlockUser, 36, 4, KindUint32LE},
	{"User.MessageID", BlockUser, 40, 4, KindUint32LE},
	{"User.Flags", BlockUser, 44, 4, KindUint32LE},
	{"User.DestinationQueueSize", BlockUser, 48, 2, KindUint16LE},
	{"User.DestinationQueue", BlockUser, 50, 96, KindWideString},
	{"User.Padding", BlockUser, 146, 2, KindBytes},

	{"MessageProperties.Flags", BlockMessageProperties, 0, 1, KindUint8},
	{"MessageProperties.LabelLength", BlockMessageProperties, 1, 1, KindUint8},
	{"MessageProperties.MessageClass", BlockMessageProperties, 2, 2, KindUint16LE},
	{"MessageProperties.CorrelationID", BlockMessageProperties, 4, 20, KindBytes},
	{"MessageProperties.BodyType", BlockMessageProperties, 24, 4, KindUint32LE},
	{"MessageProperties.ApplicationTag", BlockMessageProperties, 28, 4, KindUint32LE},
	{"MessageProperties.MessageSize", BlockMessageProperties, 32, 4, KindUint32LE},
	{"MessageProperties.AllocationBodySize", BlockMessageProperties, 36, 4, KindUint32LE},
	{"MessageProperties.PrivacyLevel", BlockMessageProperties, 40, 4, KindUint32LE},
	{"MessageProperties.HashAlgorithm", BlockMessageProperties, 44, 4, KindUint32LE},
	{"MessageProperties.EncryptionAlgorithm", BlockMessageProperties, 48, 4, KindUint32LE},
	{"MessageProperties.ExtensionSize", BlockMessageProperties, 52, 4, KindUint32LE},
	{"MessageProperties.Label", BlockMessageProperties, 56, 8, KindWideString},

	{"SRMPEnvelope.HeaderID", BlockSRMPEnvelope, 0, 2, KindUint16LE},
	{"SRMPEnvelope.Reserved", BlockSRMPEnvelope, 2, 2, KindUint16LE},
	SRMPDataLength,
	{"SRMPEnvelope.Data", BlockSRMPEnvelope, 8, 1078, KindWideString},
	{"SRMPEnvelope.Padding", BlockSRMPEnvelope, 1086, 2, KindBytes},

	{"CompoundMessage.HeaderID", BlockCompoundMessage, 0, 2, KindUint16LE},
	{"CompoundMessage.Reserved", BlockCompoundMessage, 2, 2, KindUint16LE},
	{"CompoundMessage.HTTPBodySize", BlockCompoundMessage, 4, 4, KindUint32LE},
	{"CompoundMessage.MessageBodySize", BlockCompoundMessage, 8, 4, KindUint32LE},
	{"CompoundMessage.MessageBodyOffset", BlockCompoundMessage, 12, 4, KindUint32LE},
	{"CompoundMessage.HTTPBody", BlockCompoundMessage, 16, 1060, KindHTTPMessage},

	{"Extension.HeaderSize", BlockExtension, 0, 4, KindUint32LE},
	{"Extension.RemainingHeadersSize", BlockExtension, 4, 4, KindUint32LE},
	{"Extension.Flags", BlockExtension, 8, 1, KindUint8},
	{"Extension.Reserved", BlockExtension, 9, 3, KindBytes},
}

// LookupField returns the schema entry with the given name.
func LookupField(name string) (Field, bool) {
	for _, f := range Schema {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
