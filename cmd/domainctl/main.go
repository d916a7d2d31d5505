// domainctl is the operator CLI for a running domaind: it drives the
// command channel directly for register/load/update/unload/exit, and
// hits the admin HTTP surface for read-only queries, the same split
// internal/domaind itself draws between the two surfaces. There is no
// CLI-framework dependency anywhere in this module's stack (see
// DESIGN.md), so subcommand dispatch is hand-rolled on top of the
// standard flag package, the same shape the command-line client in
// this repository's retrieved corpus uses.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jimmicro/version"

	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/channel"
)

// sendChunkBytes bounds how much payload a single CmdSend frame
// carries when streaming a registered ELF across the command channel.
const sendChunkBytes = 32 * 1024

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "domainctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("domainctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	channelAddr := root.String("channel-addr", getenv("DOMAINCTL_CHANNEL_ADDRESS", "127.0.0.1:7781"), "command channel address")
	adminAddr := root.String("admin-addr", getenv("DOMAINCTL_ADMIN_ADDRESS", "http://127.0.0.1:7780"), "admin HTTP base URL")
	timeout := root.Duration("timeout", 15*time.Second, "request timeout")
	if err := root.Parse(args); err != nil {
		printUsage()
		return err
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		printUsage()
		return errors.New("no command specified")
	}

	cl := &client{channelAddr: *channelAddr, adminAddr: strings.TrimRight(*adminAddr, "/"), timeout: *timeout}

	switch remaining[0] {
	case "list":
		return cl.list(ctx)
	case "status":
		return cl.status(ctx, remaining[1:])
	case "panics":
		return cl.panics(ctx, remaining[1:])
	case "register":
		return cl.register(remaining[1:])
	case "load":
		return cl.load(remaining[1:])
	case "update":
		return cl.update(remaining[1:])
	case "unload":
		return cl.unload(remaining[1:])
	case "exit":
		return cl.exitDomain(remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", remaining[0])
	}
}

func printUsage() {
	fmt.Println(`domainctl: operator CLI for domaind

Usage:
  domainctl [global flags] <command> [args]

Global flags:
  --channel-addr   command channel address (env DOMAINCTL_CHANNEL_ADDRESS, default 127.0.0.1:7781)
  --admin-addr     admin HTTP base URL (env DOMAINCTL_ADMIN_ADDRESS, default http://127.0.0.1:7780)
  --timeout        request timeout (default 15s)

Commands:
  list                                     list every live domain instance
  status <id-or-name>                      show one domain instance
  panics <id-or-name>                      show a domain's recorded panic count
  register <elf-path> <elf-ident> <type>   upload an ELF and register it under elf-ident
  load <elf-ident> <instance-ident> <type> instantiate a registered ELF as instance-ident
  update <instance-ident> <new-elf-ident> <type>
                                            hot-swap the ELF backing instance-ident
  unload <instance-ident>                  retire a live instance
  exit <domain-id>                         tear down the instance holding domain-id

type is one of: empty, log, block, nvme`)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseType(s string) (capability.DomainTypeTag, error) {
	switch strings.ToLower(s) {
	case "empty":
		return capability.TypeEmptyDevice, nil
	case "log":
		return capability.TypeLog, nil
	case "block":
		return capability.TypeBlockDevice, nil
	case "nvme":
		return capability.TypeNvmeBlockDevice, nil
	default:
		return capability.TypeUnknown, fmt.Errorf("unknown type %q, want one of: empty, log, block, nvme", s)
	}
}

// client is domainctl's handle onto a running daemon: a command
// channel address dialed fresh per invocation, and an admin HTTP base
// URL hit with the stdlib client.
type client struct {
	channelAddr string
	adminAddr   string
	timeout     time.Duration
	http        http.Client
}

// --- admin HTTP surface ---

type domainSummary struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	PanicCount uint64 `json:"panic_count"`
	FileName   string `json:"file_name"`
}

type panicsResponse struct {
	ID         uint64 `json:"id"`
	PanicCount uint64 `json:"panic_count"`
}

func (c *client) adminGet(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin request returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) list(ctx context.Context) error {
	var out []domainSummary
	if err := c.adminGet(ctx, "/domains", &out); err != nil {
		return err
	}
	for _, d := range out {
		fmt.Printf("%-6d %-20s %-16s panics=%-4d elf=%s\n", d.ID, d.Name, d.Type, d.PanicCount, d.FileName)
	}
	return nil
}

func (c *client) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: domainctl status <id-or-name>")
	}
	var out domainSummary
	if err := c.adminGet(ctx, "/domains/"+args[0], &out); err != nil {
		return err
	}
	fmt.Printf("id:       %d\nname:     %s\ntype:     %s\nelf:      %s\npanics:   %d\n", out.ID, out.Name, out.Type, out.FileName, out.PanicCount)
	return nil
}

func (c *client) panics(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: domainctl panics <id-or-name>")
	}
	var out panicsResponse
	if err := c.adminGet(ctx, "/domains/"+args[0]+"/panics", &out); err != nil {
		return err
	}
	fmt.Printf("domain %d has recorded %d panic(s)\n", out.ID, out.PanicCount)
	return nil
}

// --- command channel ---

func (c *client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.channelAddr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial command channel: %w", err)
	}
	return conn, nil
}

func (c *client) roundTrip(conn net.Conn, cmd channel.Command) (channel.Response, error) {
	if err := channel.WriteFrame(conn, cmd.Encode()); err != nil {
		return channel.Response{}, fmt.Errorf("write command frame: %w", err)
	}
	raw, err := channel.ReadFrame(conn)
	if err != nil {
		return channel.Response{}, fmt.Errorf("read response frame: %w", err)
	}
	resp, ok := channel.ParseResponse(raw)
	if !ok {
		return channel.Response{}, errors.New("daemon returned a malformed response frame")
	}
	return resp, nil
}

func (c *client) register(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: domainctl register <elf-path> <elf-ident> <type>")
	}
	path, elfIdent, typeArg := args[0], args[1], args[2]
	typeTag, err := parseType(typeArg)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	start := channel.Command{Kind: channel.CmdStart, ElfIdent: elfIdent, TypeByte: typeTag.WireByte(), SizeBytes: uint64(len(data))}
	resp, err := c.roundTrip(conn, start)
	if err != nil {
		return err
	}
	if resp.Kind != channel.RespOk {
		return errors.New("daemon rejected the start frame")
	}
	id := resp.N

	var seq uint64
	for off := 0; off < len(data); off += sendChunkBytes {
		end := off + sendChunkBytes
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		send := channel.Command{Kind: channel.CmdSend, ID: id, Seq: seq, Bytes: uint64(len(chunk)), Data: chunk}
		resp, err := c.roundTrip(conn, send)
		if err != nil {
			return err
		}
		if resp.Kind != channel.RespReceive || resp.Seq != seq {
			return fmt.Errorf("daemon did not acknowledge chunk %d", seq)
		}
		seq++
	}

	resp, err = c.roundTrip(conn, channel.Command{Kind: channel.CmdStop, ID: id})
	if err != nil {
		return err
	}
	if resp.Kind != channel.RespOk {
		return errors.New("daemon rejected the stop frame")
	}
	fmt.Printf("registered %s (%d bytes) as %q\n", path, len(data), elfIdent)
	return nil
}

func (c *client) load(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: domainctl load <elf-ident> <instance-ident> <type>")
	}
	typeTag, err := parseType(args[2])
	if err != nil {
		return err
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := c.roundTrip(conn, channel.Command{Kind: channel.CmdLoad, ElfIdent: args[0], InstanceIdent: args[1], TypeByte: typeTag.WireByte()})
	if err != nil {
		return err
	}
	if resp.Kind != channel.RespOk {
		return errors.New("daemon rejected the load frame")
	}
	fmt.Printf("loaded %q from %q\n", args[1], args[0])
	return nil
}

func (c *client) update(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: domainctl update <instance-ident> <new-elf-ident> <type>")
	}
	typeTag, err := parseType(args[2])
	if err != nil {
		return err
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := c.roundTrip(conn, channel.Command{Kind: channel.CmdUpdate, ElfIdent: args[0], NewElfIdent: args[1], TypeByte: typeTag.WireByte()})
	if err != nil {
		return err
	}
	if resp.Kind != channel.RespOk {
		return errors.New("daemon rejected the update frame")
	}
	fmt.Printf("updated %q to run %q\n", args[0], args[1])
	return nil
}

func (c *client) unload(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: domainctl unload <instance-ident>")
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := c.roundTrip(conn, channel.Command{Kind: channel.CmdUnload, InstanceIdent: args[0]})
	if err != nil {
		return err
	}
	if resp.Kind != channel.RespOk {
		return errors.New("daemon rejected the unload frame")
	}
	fmt.Printf("unloaded %q\n", args[0])
	return nil
}

func (c *client) exitDomain(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: domainctl exit <domain-id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid domain id %q: %w", args[0], err)
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := c.roundTrip(conn, channel.Command{Kind: channel.CmdExit, ID: id})
	if err != nil {
		return err
	}
	if resp.Kind != channel.RespOk {
		return errors.New("daemon rejected the exit frame")
	}
	fmt.Printf("exited domain %d\n", id)
	return nil
}
