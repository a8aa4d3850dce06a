package msmq

import (
	"bytes"
	"encoding"
	"fmt"
)

// The probe messages address a fixed queue. A target accepts or rejects the
// message before it looks at the destination, so nothing is substituted per
// host.
const (
	queueHost = "192.168.56.113"
	queuePath = "http://" + queueHost + "/msmq/private$/queuejumper"
	// messageLabel is also the SOAP action.
	messageLabel = "poc"
	messageBody  = "Message"
	boundary     = "MSMQ - SOAP boundary, 53287"
)

const soapEnvelope = "<se:Envelope xmlns:se=\"http://schemas.xmlsoap.org/soap/envelope/\" \r\n" +
	"xmlns=\"http://schemas.xmlsoap.org/srmp/\">\r\n" +
	"<se:Header>\r\n" +
	" <path xmlns=\"http://schemas.xmlsoap.org/rp/\" se:mustUnderstand=\"1\">\r\n" +
	"   <action>MSMQ:" + messageLabel + "</action>\r\n" +
	"   <to>" + queuePath + "</to>\r\n" +
	"   <id>uuid:1@00000000-0000-0000-0000-000000000000</id>\r\n" +
	" </path>\r\n" +
	" <properties se:mustUnderstand=\"1\">\r\n" +
	"   <expiresAt>20270609T164419</expiresAt>\r\n" +
	"   <sentAt>20230724T164419</sentAt>\r\n" +
	" </properties>\r\n" +
	"</se:Header>\r\n" +
	"<se:Body></se:Body>\r\n" +
	"</se:Envelope>\r\n\r\n"

// httpPreamble precedes the message body in the compound message.
const httpPreamble = "POST /msmq HTTP/1.1\r\n" +
	"Content-Length: 816\r\n" +
	"Content-Type: multipart/related; boundary=\"" + boundary + "\"; type=text/xml\r\n" +
	"Host: " + queueHost + "\r\n" +
	"SOAPAction: \"MSMQMessage\"\r\n" +
	"Proxy-Accept: NonInteractiveClient\r\n\r\n" +
	"--" + boundary + "\r\n" +
	"Content-Type: text/xml; charset=UTF-8\r\n" +
	"Content-Length: 606\r\n\r\n" +
	soapEnvelope +
	"--" + boundary + "\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Length: 7\r\n" +
	"Content-Id: body@ff3af301-3196-497a-a918-72147c871a13\r\n\r\n"

// httpTrailer follows the message body: a truncated extension header chain
// and the tail of the closing multipart boundary, as captured on the wire.
var httpTrailer = append(append([]byte{
	0x0c, 0x00, 0x00, 0x00, 0x94, 0x00, 0x00, 0x00,
	0x02, 0x00, 0x00, 0x00, 0x94, 0x00, 0x00, 0x00,
}, make([]byte, 18)...), " SOAP boundary, 53287--\x00"...)

// Marker is the base header signature. A response containing it came from an
// MSMQ service.
var Marker = []byte("LIOR")

// MalformedDataLengthHighByte replaces the most significant byte of the SRMP
// DataLength in the malformed message. 0x0000021b characters become
// 0x8000021b, and 0x8000021b*2 wraps to 0x436 in 32 bits, which is the byte
// size of the genuine envelope. An unpatched service therefore allocates and
// copies the right amount, while a patched one rejects the length.
const MalformedDataLengthHighByte = 0x80

// Headers holds the six header blocks of a message in wire order.
type Headers struct {
	Base              BaseHeader
	User              UserHeader
	MessageProperties MessagePropertiesHeader
	SRMPEnvelope      SRMPEnvelopeHeader
	CompoundMessage   CompoundMessageHeader
	Extension         ExtensionHeader
}

// ProbeHeaders returns the headers of the well-formed probe message.
func ProbeHeaders() *Headers {
	httpBody := make([]byte, 0, len(httpPreamble)+len(messageBody)+len(httpTrailer))
	httpBody = append(httpBody, httpPreamble...)
	httpBody = append(httpBody, messageBody...)
	httpBody = append(httpBody, httpTrailer...)
	return &Headers{
		Base: BaseHeader{
			VersionNumber:    0x10,
			Flags:            0x1003,
			Signature:        [4]byte(Marker),
			PacketSize:       MessageSize,
			TimeToReachQueue: 0x6c097663,
		},
		User: UserHeader{
			SentTime:         0x64beaa63,
			MessageID:        1,
			Flags:            0x02201c01,
			DestinationQueue: queuePath,
		},
		MessageProperties: MessagePropertiesHeader{
			Label: messageLabel,
		},
		SRMPEnvelope: SRMPEnvelopeHeader{
			Envelope: soapEnvelope,
			Padding:  []byte{0x64, 0x00},
		},
		CompoundMessage: CompoundMessageHeader{
			HeaderID:          500,
			HTTPBody:          httpBody,
			MessageBodySize:   uint32(len(messageBody)),
			MessageBodyOffset: uint32(len(httpPreamble)),
		},
		Extension: ExtensionHeader{
			HeaderSize: ExtensionHeaderSize,
		},
	}
}

// MarshalBinary concatenates the encoded blocks, checking each against its
// fixed size.
func (h *Headers) MarshalBinary() ([]byte, error) {
	blocks := []encoding.BinaryMarshaler{
		&h.Base, &h.User, &h.MessageProperties, &h.SRMPEnvelope, &h.CompoundMessage, &h.Extension,
	}
	msg := make([]byte, 0, MessageSize)
	for i, block := range blocks {
		data, err := block.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("could not encode %s header: %w", Block(i), err)
		}
		if len(data) != Block(i).Size() {
			return nil, fmt.Errorf("%s header is %d bytes, expected %d", Block(i), len(data), Block(i).Size())
		}
		msg = append(msg, data...)
	}
	return msg, nil
}

// Malform returns a copy of msg with the high byte of the SRMP DataLength
// replaced.
func Malform(msg []byte) []byte {
	ret := bytes.Clone(msg)
	ret[SRMPDataLength.Position()+SRMPDataLength.Length-1] = MalformedDataLengthHighByte
	return ret
}

func mustBuildMessage() []byte {
	msg, err := ProbeHeaders().MarshalBinary()
	if err != nil {
		panic("msmq: invalid probe message template: " + err.Error())
	}
	return msg
}

// Built once; shared read-only by every probe.
var (
	normalMessage    = mustBuildMessage()
	malformedMessage = Malform(normalMessage)
)

// NormalMessage returns the well-formed probe message.
func NormalMessage() []byte {
	return bytes.Clone(normalMessage)
}

// MalformedMessage returns the probe message with the overflowing SRMP
// DataLength. It differs from NormalMessage in exactly one byte.
func MalformedMessage() []byte {
	return bytes.Clone(malformedMessage)
}

// EnvelopeByteSize returns the number of bytes a receiver reserves for an
// SRMP envelope of dataLength characters, computed the way an unpatched
// service does it.
func EnvelopeByteSize(dataLength uint32) uint32 {
	return dataLength * 2
}
