package channel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/domaind/pkg/capability"
)

type fakeHooks struct {
	mu sync.Mutex

	registered []registeredCall
	loaded     []loadCall
	unloaded   []string
	updated    []updateCall
	exited     []uint64
}

type registeredCall struct {
	ident   string
	typeTag capability.DomainTypeTag
	data    []byte
}

type loadCall struct {
	elfIdent, instanceIdent string
	typeTag                 capability.DomainTypeTag
}

type updateCall struct {
	oldIdent, newElfIdent string
	typeTag               capability.DomainTypeTag
}

func (f *fakeHooks) FinalizeRegister(ident string, typeTag capability.DomainTypeTag, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, registeredCall{ident, typeTag, append([]byte(nil), data...)})
	return nil
}

func (f *fakeHooks) Load(elfIdent, instanceIdent string, typeTag capability.DomainTypeTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, loadCall{elfIdent, instanceIdent, typeTag})
	return nil
}

func (f *fakeHooks) Unload(instanceIdent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, instanceIdent)
	return nil
}

func (f *fakeHooks) Update(oldIdent, newElfIdent string, typeTag capability.DomainTypeTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, updateCall{oldIdent, newElfIdent, typeTag})
	return nil
}

func (f *fakeHooks) Exit(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = append(f.exited, id)
	return nil
}

func TestStartSendStopRegistersWholeBuffer(t *testing.T) {
	t.Parallel()

	hooks := &fakeHooks{}
	s := NewServer(hooks)

	startResp, err := s.HandleCommand(Command{Kind: CmdStart, ElfIdent: "logger", TypeByte: 2, SizeBytes: 10})
	require.NoError(t, err)
	require.Equal(t, RespOk, startResp.Kind)
	id := startResp.N

	sendResp, err := s.HandleCommand(Command{Kind: CmdSend, ID: id, Seq: 0, Bytes: 5, Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, Receive(id, 0, 5), sendResp)

	sendResp2, err := s.HandleCommand(Command{Kind: CmdSend, ID: id, Seq: 1, Bytes: 5, Data: []byte("world")})
	require.NoError(t, err)
	assert.Equal(t, Receive(id, 1, 5), sendResp2)

	stopResp, err := s.HandleCommand(Command{Kind: CmdStop, ID: id})
	require.NoError(t, err)
	assert.Equal(t, Ok(id), stopResp)

	require.Len(t, hooks.registered, 1)
	assert.Equal(t, "logger", hooks.registered[0].ident)
	assert.Equal(t, capability.TypeLog, hooks.registered[0].typeTag)
	assert.Equal(t, []byte("helloworld"), hooks.registered[0].data)
}

func TestZeroSizedStartRejected(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHooks{})
	_, err := s.HandleCommand(Command{Kind: CmdStart, ElfIdent: "logger", TypeByte: 2, SizeBytes: 0})
	assert.Error(t, err)
}

func TestSendWithWrongByteCountAbortsRegistration(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHooks{})
	startResp, err := s.HandleCommand(Command{Kind: CmdStart, ElfIdent: "logger", TypeByte: 2, SizeBytes: 10})
	require.NoError(t, err)
	id := startResp.N

	_, err = s.HandleCommand(Command{Kind: CmdSend, ID: id, Seq: 0, Bytes: 99, Data: []byte("hello")})
	assert.Error(t, err)

	_, err = s.HandleCommand(Command{Kind: CmdStop, ID: id})
	assert.Error(t, err, "registration should have been aborted")
}

func TestSendWithWrongIDAbortsRegistration(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHooks{})
	startResp, err := s.HandleCommand(Command{Kind: CmdStart, ElfIdent: "logger", TypeByte: 2, SizeBytes: 10})
	require.NoError(t, err)
	id := startResp.N

	_, err = s.HandleCommand(Command{Kind: CmdSend, ID: id + 1, Seq: 0, Bytes: 5, Data: []byte("hello")})
	assert.Error(t, err)

	_, err = s.HandleCommand(Command{Kind: CmdStop, ID: id})
	assert.Error(t, err)
}

func TestLoadUnloadUpdateExitDoNotTouchReceivingState(t *testing.T) {
	t.Parallel()

	hooks := &fakeHooks{}
	s := NewServer(hooks)

	startResp, err := s.HandleCommand(Command{Kind: CmdStart, ElfIdent: "logger", TypeByte: 2, SizeBytes: 10})
	require.NoError(t, err)
	id := startResp.N

	_, err = s.HandleCommand(Command{Kind: CmdLoad, ElfIdent: "null", InstanceIdent: "null-0", TypeByte: 1})
	require.NoError(t, err)
	_, err = s.HandleCommand(Command{Kind: CmdUnload, InstanceIdent: "null-0"})
	require.NoError(t, err)
	_, err = s.HandleCommand(Command{Kind: CmdUpdate, ElfIdent: "logger-0", NewElfIdent: "logger", TypeByte: 2})
	require.NoError(t, err)
	_, err = s.HandleCommand(Command{Kind: CmdExit, ID: 99})
	require.NoError(t, err)

	sendResp, err := s.HandleCommand(Command{Kind: CmdSend, ID: id, Seq: 0, Bytes: 5, Data: []byte("hello")})
	require.NoError(t, err, "receiving state must survive interleaved single-frame commands")
	assert.Equal(t, Receive(id, 0, 5), sendResp)

	assert.Len(t, hooks.loaded, 1)
	assert.Equal(t, []string{"null-0"}, hooks.unloaded)
	assert.Len(t, hooks.updated, 1)
	assert.Equal(t, []uint64{99}, hooks.exited)
}

func TestServeOverPipeDrivesStartSendStopLoad(t *testing.T) {
	t.Parallel()

	hooks := &fakeHooks{}
	s := NewServer(hooks)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, serverConn) }()

	writeCmd := func(c Command) {
		require.NoError(t, writeFrame(clientConn, c.Encode()))
	}
	readResp := func() Response {
		frame, err := readFrame(clientConn)
		require.NoError(t, err)
		resp, ok := ParseResponse(frame)
		require.True(t, ok)
		return resp
	}

	writeCmd(Command{Kind: CmdStart, ElfIdent: "logger", TypeByte: 2, SizeBytes: 5})
	startResp := readResp()
	require.Equal(t, RespOk, startResp.Kind)
	id := startResp.N

	writeCmd(Command{Kind: CmdSend, ID: id, Seq: 0, Bytes: 5, Data: []byte("hello")})
	assert.Equal(t, Receive(id, 0, 5), readResp())

	writeCmd(Command{Kind: CmdStop, ID: id})
	assert.Equal(t, Ok(id), readResp())

	writeCmd(Command{Kind: CmdLoad, ElfIdent: "logger", InstanceIdent: "logger-0", TypeByte: 2})
	assert.Equal(t, Ok(0), readResp())

	clientConn.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after client closed")
	}

	require.Len(t, hooks.registered, 1)
	assert.Equal(t, []byte("hello"), hooks.registered[0].data)
	require.Len(t, hooks.loaded, 1)
	assert.Equal(t, "logger-0", hooks.loaded[0].instanceIdent)
}

func TestServeSkipsResponseOnMalformedFrame(t *testing.T) {
	t.Parallel()

	hooks := &fakeHooks{}
	s := NewServer(hooks)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, serverConn) }()

	require.NoError(t, writeFrame(clientConn, []byte("not-a-verb:1")))
	require.NoError(t, writeFrame(clientConn, Command{Kind: CmdExit, ID: 1}.Encode()))

	frame, err := readFrame(clientConn)
	require.NoError(t, err)
	resp, ok := ParseResponse(frame)
	require.True(t, ok)
	assert.Equal(t, Ok(0), resp, "the malformed frame must not have produced a response")

	clientConn.Close()
	<-done
}
