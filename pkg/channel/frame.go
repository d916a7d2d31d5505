package channel

import (
	"bytes"
	"strconv"

	"github.com/jimyag/domaind/pkg/capability"
)

// CommandKind tags which of the seven command frames of §6.2 a Command
// carries.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdStart
	CmdSend
	CmdStop
	CmdUpdate
	CmdLoad
	CmdUnload
	CmdExit
)

func (k CommandKind) wireName() string {
	switch k {
	case CmdStart:
		return "start"
	case CmdSend:
		return "send"
	case CmdStop:
		return "stop"
	case CmdUpdate:
		return "update"
	case CmdLoad:
		return "load"
	case CmdUnload:
		return "unload"
	case CmdExit:
		return "exit"
	default:
		return ""
	}
}

// Command is the tagged union of §6.2's seven command frames. Only the
// fields relevant to Kind are populated; the rest are left zero.
type Command struct {
	Kind CommandKind

	ElfIdent      string
	InstanceIdent string
	NewElfIdent   string
	TypeByte      byte

	ID        uint64
	Seq       uint64
	SizeBytes uint64
	Bytes     uint64
	Data      []byte
}

// Encode renders c in the ASCII, colon-delimited wire format of §6.2.
// For CmdSend the raw data field is appended last and unescaped, since
// its length is already carried by the preceding Bytes field.
func (c Command) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.Kind.wireName())

	switch c.Kind {
	case CmdStart:
		writeFields(&buf, c.ElfIdent, strconv.FormatUint(uint64(c.TypeByte), 10), strconv.FormatUint(c.SizeBytes, 10))
	case CmdSend:
		writeFields(&buf, strconv.FormatUint(c.ID, 10), strconv.FormatUint(c.Seq, 10), strconv.FormatUint(c.Bytes, 10))
		buf.WriteByte(':')
		buf.Write(c.Data)
	case CmdStop:
		writeFields(&buf, strconv.FormatUint(c.ID, 10))
	case CmdUpdate:
		writeFields(&buf, c.ElfIdent, c.NewElfIdent, strconv.FormatUint(uint64(c.TypeByte), 10))
	case CmdLoad:
		writeFields(&buf, c.ElfIdent, c.InstanceIdent, strconv.FormatUint(uint64(c.TypeByte), 10))
	case CmdUnload:
		writeFields(&buf, c.InstanceIdent)
	case CmdExit:
		writeFields(&buf, strconv.FormatUint(c.ID, 10))
	}

	return buf.Bytes()
}

func writeFields(buf *bytes.Buffer, fields ...string) {
	for _, f := range fields {
		buf.WriteByte(':')
		buf.WriteString(f)
	}
}

// ParseCommand decodes raw into a Command. It reports ok=false for any
// frame that fails the validation rules of §4.7 — unknown verb, wrong
// field count, non-numeric numeric field, or an unrecognised type
// byte — rather than returning a partially-populated Command.
func ParseCommand(raw []byte) (Command, bool) {
	verbEnd := bytes.IndexByte(raw, ':')
	var verb string
	var rest []byte
	if verbEnd < 0 {
		verb = string(raw)
		rest = nil
	} else {
		verb = string(raw[:verbEnd])
		rest = raw[verbEnd+1:]
	}

	switch verb {
	case "start":
		fields := splitN(rest, 2)
		if len(fields) != 3 {
			return Command{}, false
		}
		typeByte, ok := parseByte(fields[1])
		if !ok {
			return Command{}, false
		}
		size, err := strconv.ParseUint(string(fields[2]), 10, 64)
		if err != nil {
			return Command{}, false
		}
		return Command{Kind: CmdStart, ElfIdent: string(fields[0]), TypeByte: typeByte, SizeBytes: size}, true

	case "send":
		fields := splitN(rest, 3)
		if len(fields) != 4 {
			return Command{}, false
		}
		id, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return Command{}, false
		}
		seq, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return Command{}, false
		}
		n, err := strconv.ParseUint(string(fields[2]), 10, 64)
		if err != nil {
			return Command{}, false
		}
		data := append([]byte(nil), fields[3]...)
		return Command{Kind: CmdSend, ID: id, Seq: seq, Bytes: n, Data: data}, true

	case "stop":
		id, err := strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return Command{}, false
		}
		return Command{Kind: CmdStop, ID: id}, true

	case "update":
		fields := splitN(rest, 2)
		if len(fields) != 3 {
			return Command{}, false
		}
		typeByte, ok := parseByte(fields[2])
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CmdUpdate, ElfIdent: string(fields[0]), NewElfIdent: string(fields[1]), TypeByte: typeByte}, true

	case "load":
		fields := splitN(rest, 2)
		if len(fields) != 3 {
			return Command{}, false
		}
		typeByte, ok := parseByte(fields[2])
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CmdLoad, ElfIdent: string(fields[0]), InstanceIdent: string(fields[1]), TypeByte: typeByte}, true

	case "unload":
		return Command{Kind: CmdUnload, InstanceIdent: string(rest)}, true

	case "exit":
		id, err := strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return Command{}, false
		}
		return Command{Kind: CmdExit, ID: id}, true

	default:
		return Command{}, false
	}
}

// parseByte decodes a decimal type-byte field and checks it against
// capability.ParseWireByte so an unrecognised type is rejected at
// parse time, per §4.7's "type bytes must decode to a known
// DomainTypeTag" validation rule.
func parseByte(field []byte) (byte, bool) {
	n, err := strconv.ParseUint(string(field), 10, 8)
	if err != nil {
		return 0, false
	}
	if _, ok := capability.ParseWireByte(byte(n)); !ok {
		return 0, false
	}
	return byte(n), true
}

// splitN splits rest into exactly n+1 colon-delimited fields, with the
// final field left unsplit (so a trailing raw-bytes payload, which may
// itself contain ':', is never torn).
func splitN(rest []byte, n int) [][]byte {
	fields := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		idx := bytes.IndexByte(rest, ':')
		if idx < 0 {
			return fields
		}
		fields = append(fields, rest[:idx])
		rest = rest[idx+1:]
	}
	fields = append(fields, rest)
	return fields
}

// ResponseKind tags Ok versus Receive, the two response frames of
// §6.2.
type ResponseKind int

const (
	RespUnknown ResponseKind = iota
	RespOk
	RespReceive
)

// Response is the tagged union of the channel's two response frames.
type Response struct {
	Kind ResponseKind

	N uint64

	ID    uint64
	Seq   uint64
	Bytes uint64
}

// Ok builds an Ok(n) response.
func Ok(n uint64) Response { return Response{Kind: RespOk, N: n} }

// Receive builds a Receive(id, seq, bytes) response acknowledging one
// Send frame.
func Receive(id, seq, bytes uint64) Response {
	return Response{Kind: RespReceive, ID: id, Seq: seq, Bytes: bytes}
}

// Encode renders r in the wire format of §6.2.
func (r Response) Encode() []byte {
	var buf bytes.Buffer
	switch r.Kind {
	case RespOk:
		buf.WriteString("ok")
		writeFields(&buf, strconv.FormatUint(r.N, 10))
	case RespReceive:
		buf.WriteString("receive")
		writeFields(&buf, strconv.FormatUint(r.ID, 10), strconv.FormatUint(r.Seq, 10), strconv.FormatUint(r.Bytes, 10))
	}
	return buf.Bytes()
}

// ParseResponse decodes raw into a Response.
func ParseResponse(raw []byte) (Response, bool) {
	verbEnd := bytes.IndexByte(raw, ':')
	var verb string
	var rest []byte
	if verbEnd < 0 {
		verb = string(raw)
	} else {
		verb = string(raw[:verbEnd])
		rest = raw[verbEnd+1:]
	}

	switch verb {
	case "ok":
		n, err := strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return Response{}, false
		}
		return Ok(n), true
	case "receive":
		fields := splitN(rest, 2)
		if len(fields) != 3 {
			return Response{}, false
		}
		id, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return Response{}, false
		}
		seq, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return Response{}, false
		}
		bytesN, err := strconv.ParseUint(string(fields[2]), 10, 64)
		if err != nil {
			return Response{}, false
		}
		return Receive(id, seq, bytesN), true
	default:
		return Response{}, false
	}
}
