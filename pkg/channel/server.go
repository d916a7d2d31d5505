// Package channel implements the command channel of §4.7/§6.2: a
// framed ASCII wire protocol for registering, loading, updating, and
// unloading domains, driving an explicit idle/receiving state machine
// rather than a goroutine-per-connection coroutine (§9 "Generators /
// iterators"). The channel is single-producer/single-consumer in
// effect, guarded by one process-wide mutex around the state machine
// (§4.7), independent of how many transports are attached.
package channel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/domaind/internal/domaind/derr"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/idgen"
)

// Hooks is what the channel calls into once a frame has been parsed
// and validated; the daemon wiring (internal/domaind/syscallbridge)
// supplies an implementation backed by pkg/registry and pkg/proxy.
// Keeping this as an interface, rather than importing pkg/registry
// directly, keeps pkg/channel a pure protocol package.
type Hooks interface {
	// FinalizeRegister is called on a successful Stop: data is the
	// complete byte buffer accumulated across every Send for transfer
	// id, and ident/typeTag are what Start declared.
	FinalizeRegister(ident string, typeTag capability.DomainTypeTag, data []byte) error
	// Load instantiates instanceIdent from the already-registered ELF
	// elfIdent, declared as typeTag.
	Load(elfIdent, instanceIdent string, typeTag capability.DomainTypeTag) error
	// Unload retires a live instance.
	Unload(instanceIdent string) error
	// Update replaces the instance currently loaded from oldIdent with
	// one loaded from newElfIdent, declared as typeTag.
	Update(oldIdent, newElfIdent string, typeTag capability.DomainTypeTag) error
	// Exit tears down the live instance holding domain id id.
	Exit(id uint64) error
}

// receiving holds the in-flight registration state of §4.7. The zero
// value is the idle state.
type receiving struct {
	active   bool
	id       uint64
	elfIdent string
	typeTag  capability.DomainTypeTag
	want     uint64
	buf      []byte
}

// Server runs the state machine of §4.7 over any number of attached
// transports, serialising every command behind mu.
type Server struct {
	hooks Hooks
	ids   *idgen.Generator

	mu    sync.Mutex
	state receiving
}

// NewServer builds a Server around hooks. Transfer ids are issued by
// pkg/idgen's sonyflake-backed generator rather than a dense counter —
// §6.2's ids only need to be unique and roughly ordered, unlike
// domainid.ID, which must be dense (see pkg/domainid's doc comment and
// DESIGN.md).
func NewServer(hooks Hooks) *Server {
	return &Server{hooks: hooks, ids: idgen.New()}
}

// abortReceiving resets the receiving state to idle, implementing
// §4.7's "any violation ... aborts the in-progress registration".
func (s *Server) abortReceiving() {
	s.state = receiving{}
}

// HandleCommand runs one parsed Command through the state machine and
// returns the Response frame to write back, or an error if the
// command was rejected or a hook failed. Per §7, a rejected command
// produces no response frame — the caller is expected to surface the
// error on the write side, not by synthesizing one.
func (s *Server) HandleCommand(cmd Command) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind {
	case CmdStart:
		return s.handleStart(cmd)
	case CmdSend:
		return s.handleSend(cmd)
	case CmdStop:
		return s.handleStop(cmd)
	case CmdUpdate:
		typeTag, ok := capability.ParseWireByte(cmd.TypeByte)
		if !ok {
			return Response{}, derr.ErrInvalidArgument
		}
		if err := s.hooks.Update(cmd.ElfIdent, cmd.NewElfIdent, typeTag); err != nil {
			return Response{}, err
		}
		return Ok(0), nil
	case CmdLoad:
		typeTag, ok := capability.ParseWireByte(cmd.TypeByte)
		if !ok {
			return Response{}, derr.ErrInvalidArgument
		}
		if err := s.hooks.Load(cmd.ElfIdent, cmd.InstanceIdent, typeTag); err != nil {
			return Response{}, err
		}
		return Ok(0), nil
	case CmdUnload:
		if err := s.hooks.Unload(cmd.InstanceIdent); err != nil {
			return Response{}, err
		}
		return Ok(0), nil
	case CmdExit:
		if err := s.hooks.Exit(cmd.ID); err != nil {
			return Response{}, err
		}
		return Ok(0), nil
	default:
		return Response{}, derr.ErrInvalidArgument
	}
}

func (s *Server) handleStart(cmd Command) (Response, error) {
	if cmd.SizeBytes == 0 {
		return Response{}, derr.ErrInvalidArgument
	}
	typeTag, ok := capability.ParseWireByte(cmd.TypeByte)
	if !ok {
		return Response{}, derr.ErrInvalidArgument
	}

	id, err := s.ids.NextID()
	if err != nil {
		return Response{}, derr.Wrap(derr.KindResourceExhaustion, "TransferIDExhausted", "failed to issue a transfer id", err)
	}

	s.state = receiving{
		active:   true,
		id:       id,
		elfIdent: cmd.ElfIdent,
		typeTag:  typeTag,
		want:     cmd.SizeBytes,
		buf:      make([]byte, 0, cmd.SizeBytes),
	}
	return Ok(id), nil
}

func (s *Server) handleSend(cmd Command) (Response, error) {
	if !s.state.active || cmd.ID != s.state.id {
		s.abortReceiving()
		return Response{}, derr.ErrInvalidArgument
	}
	if cmd.Bytes != uint64(len(cmd.Data)) {
		s.abortReceiving()
		return Response{}, derr.ErrInvalidArgument
	}

	s.state.buf = append(s.state.buf, cmd.Data...)
	return Receive(cmd.ID, cmd.Seq, cmd.Bytes), nil
}

func (s *Server) handleStop(cmd Command) (Response, error) {
	if !s.state.active || cmd.ID != s.state.id {
		s.abortReceiving()
		return Response{}, derr.ErrInvalidArgument
	}

	finished := s.state
	s.abortReceiving()

	if err := s.hooks.FinalizeRegister(finished.elfIdent, finished.typeTag, finished.buf); err != nil {
		return Response{}, err
	}
	return Ok(finished.id), nil
}

// Serve reads frames off conn, runs each through HandleCommand, and
// writes back the resulting Response frame, until conn is closed or
// ctx is cancelled. A malformed frame or a rejected command aborts any
// in-progress registration but never terminates the loop; per §7 the
// channel has no distinct error response, so the caller only learns of
// a failure by the absence of the expected response frame.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()

	sessionID := uuid.New()
	logger := log.With().Str("channel_session", sessionID.String()).Logger()
	logger.Debug().Msg("command channel session started")
	defer logger.Debug().Msg("command channel session ended")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		cmd, ok := ParseCommand(frame)
		if !ok {
			s.mu.Lock()
			s.abortReceiving()
			s.mu.Unlock()
			logger.Debug().Msg("rejected malformed command frame")
			continue
		}

		resp, err := s.HandleCommand(cmd)
		if err != nil {
			logger.Debug().Err(err).Str("verb", cmd.Kind.wireName()).Msg("command rejected")
			continue
		}

		if err := writeFrame(conn, resp.Encode()); err != nil {
			return err
		}
	}
}
