// Arbiterctl is the administrative client of arbiterd. It lists tickets
// and peers, grants and revokes tickets and manages ticket attributes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/Mathew-Estafanous/arbiter/config"
	"github.com/Mathew-Estafanous/arbiter/transport"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/spf13/pflag"
)

const usage = `usage: arbiterctl [flags] <command> [args]

commands:
  list                          show every ticket
  peers                         show every site and its counters
  grant [-F] [-w] [-C] TICKET   elect this site for TICKET
  revoke [-w] TICKET            give up TICKET
  attr set TICKET NAME VALUE
  attr get TICKET NAME
  attr del TICKET NAME
  attr list TICKET

flags:
`

// resultError carries a non-successful protocol result to the exit code.
type resultError struct {
	op  string
	res wire.Result
}

func (e *resultError) Error() string {
	return fmt.Sprintf("%s: %s", e.op, describe(e.res))
}

func (e *resultError) ExitCode() int { return 1 }

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(2)
	}
}

// adminConn is the part of transport.AdminClient the commands use.
type adminConn interface {
	Call(ctx context.Context, frame []byte) ([]byte, error)
	List(ctx context.Context, frame []byte) ([][]byte, error)
}

type ctl struct {
	conn    adminConn
	auth    wire.Authenticator
	verify  *wire.Verifier
	out     io.Writer
	timeout time.Duration
}

func newCtl(conn adminConn, auth wire.Authenticator, out io.Writer, timeout time.Duration) *ctl {
	return &ctl{
		conn:    conn,
		auth:    auth,
		verify:  wire.NewVerifier(auth, wire.DefaultMaxSkew, 0, clock.Real()),
		out:     out,
		timeout: timeout,
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var (
		admin    string
		authFile string
		hash     string
		timeout  time.Duration
	)
	fs := pflag.NewFlagSet("arbiterctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVarP(&admin, "admin", "s", "unix:///run/arbiter/admin.sock", "arbiterd admin address (gRPC target)")
	fs.StringVarP(&authFile, "authfile", "k", "", "shared key file; must match the daemon's")
	fs.StringVar(&hash, "hash", "hmac-sha1", "keyed hash used with --authfile")
	fs.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	var auth wire.Authenticator
	if authFile != "" {
		key, err := config.LoadKey(authFile)
		if err != nil {
			return err
		}
		id, err := wire.ParseHash(hash)
		if err != nil {
			return err
		}
		if auth, err = wire.NewAuthenticator(id, key); err != nil {
			return err
		}
	}

	client, err := transport.NewAdminClient(admin, nil)
	if err != nil {
		return err
	}
	defer client.Close()
	return newCtl(client, auth, out, timeout).dispatch(ctx, fs.Args())
}

func (c *ctl) dispatch(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return c.list(ctx)
	case "peers":
		return c.peers(ctx)
	case "grant", "revoke":
		return c.change(ctx, cmd, rest)
	case "attr":
		return c.attr(ctx, rest)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *ctl) encode(m *wire.Message) ([]byte, error) {
	m.Header.Secs, m.Header.Usecs = clock.Stamp(time.Now())
	return wire.Encode(m, c.auth)
}

func (c *ctl) call(ctx context.Context, m *wire.Message) (*wire.Message, error) {
	frame, err := c.encode(m)
	if err != nil {
		return nil, err
	}
	reply, err := c.conn.Call(ctx, frame)
	if err != nil {
		return nil, err
	}
	return c.verify.Decode(reply)
}

// stream sends a multi-reply request and returns every ResultMore entry.
// The final reply's result decides success.
func (c *ctl) stream(ctx context.Context, op string, m *wire.Message) ([]*wire.Message, error) {
	frame, err := c.encode(m)
	if err != nil {
		return nil, err
	}
	replies, err := c.conn.List(ctx, frame)
	if err != nil {
		return nil, err
	}
	var out []*wire.Message
	for _, r := range replies {
		dm, err := c.verify.Decode(r)
		if err != nil {
			return nil, err
		}
		switch res := dm.Header.Result; res {
		case wire.ResultMore:
			out = append(out, dm)
		case wire.ResultSuccess:
			return out, nil
		default:
			return nil, &resultError{op: op, res: res}
		}
	}
	return nil, fmt.Errorf("%s: reply stream ended early", op)
}

// siteNames maps site ids to addresses for display.
func (c *ctl) siteNames(ctx context.Context) map[uint32]string {
	names := map[uint32]string{wire.NoOne: "-"}
	peers, err := c.stream(ctx, "peers", &wire.Message{Header: wire.Header{Cmd: wire.CmdPeers}})
	if err != nil {
		return names
	}
	for _, p := range peers {
		var id uint32
		if _, err := fmt.Sscanf(p.Attr.Name, "%08x", &id); err == nil {
			names[id] = p.Attr.Ticket
		}
	}
	return names
}

func (c *ctl) siteName(names map[uint32]string, id uint32) string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("%08x", id)
}

func (c *ctl) list(ctx context.Context) error {
	tickets, err := c.stream(ctx, "list", &wire.Message{Header: wire.Header{Cmd: wire.CmdList}})
	if err != nil {
		return err
	}
	names := c.siteNames(ctx)
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TICKET\tLEADER\tTERM\tVALID")
	for _, t := range tickets {
		valid := "-"
		if t.Ticket.ValidFor > 0 {
			valid = t.Ticket.Validity().String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.Ticket.Name, c.siteName(names, t.Ticket.Leader), t.Ticket.Term, valid)
	}
	return w.Flush()
}

func (c *ctl) peers(ctx context.Context) error {
	peers, err := c.stream(ctx, "peers", &wire.Message{Header: wire.Header{Cmd: wire.CmdPeers}})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tID\tSTATUS")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Attr.Ticket, p.Attr.Name, p.Attr.Value)
	}
	return w.Flush()
}

func (c *ctl) change(ctx context.Context, op string, args []string) error {
	var immediate, wait, commit bool
	fs := pflag.NewFlagSet(op, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVarP(&wait, "wait", "w", false, "wait for the outcome")
	cmd := wire.CmdRevoke
	if op == "grant" {
		cmd = wire.CmdGrant
		fs.BoolVarP(&immediate, "force", "F", false, "grant even though an unreachable leader still holds a lease")
		fs.BoolVarP(&commit, "commit", "C", false, "wait until local listeners handled the change")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s needs exactly one ticket", op)
	}

	var opts wire.Options
	if immediate {
		opts |= wire.OptImmediate
	}
	if wait {
		opts |= wire.OptWait
	}
	if commit {
		opts |= wire.OptWaitCommit
	}
	reply, err := c.call(ctx, &wire.Message{
		Header: wire.Header{Cmd: cmd, Options: opts},
		Ticket: &wire.TicketBody{Name: fs.Arg(0), Leader: wire.NoOne},
	})
	if err != nil {
		return err
	}
	res := reply.Header.Result
	fmt.Fprintf(c.out, "%s %s: %s\n", op, fs.Arg(0), describe(res))
	switch res {
	case wire.ResultSuccess, wire.ResultSyncSuccess, wire.ResultAsync, wire.ResultProbablySuccess:
		return nil
	}
	if res == wire.ResultOvergrant || res == wire.ResultRedirect {
		fmt.Fprintf(c.out, "leader is %s at term %d\n", c.siteName(c.siteNames(ctx), reply.Ticket.Leader), reply.Ticket.Term)
	}
	return &resultError{op: op, res: res}
}

func (c *ctl) attr(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("attr needs a subcommand and a ticket")
	}
	sub, body := args[0], &wire.AttrBody{Ticket: args[1]}
	want := map[string]int{"set": 4, "get": 3, "del": 3, "list": 2}
	n, ok := want[sub]
	if !ok {
		return fmt.Errorf("unknown attr subcommand %q", sub)
	}
	if len(args) != n {
		return fmt.Errorf("attr %s takes %d arguments", sub, n-1)
	}
	if n > 2 {
		body.Name = args[2]
	}
	if n > 3 {
		body.Value = args[3]
	}

	if sub == "list" {
		attrs, err := c.stream(ctx, "attr list", &wire.Message{Header: wire.Header{Cmd: wire.AttrList}, Attr: body})
		if err != nil {
			return err
		}
		for _, a := range attrs {
			fmt.Fprintf(c.out, "%s=%s\n", a.Attr.Name, a.Attr.Value)
		}
		return nil
	}

	cmd := map[string]wire.Cmd{"set": wire.AttrSet, "get": wire.AttrGet, "del": wire.AttrDel}[sub]
	reply, err := c.call(ctx, &wire.Message{Header: wire.Header{Cmd: cmd}, Attr: body})
	if err != nil {
		return err
	}
	if res := reply.Header.Result; res != wire.ResultSuccess {
		return &resultError{op: "attr " + sub, res: res}
	}
	if sub == "get" {
		fmt.Fprintln(c.out, reply.Attr.Value)
	}
	return nil
}

var descriptions = map[wire.Result]string{
	wire.ResultSuccess:         "done",
	wire.ResultAsync:           "in progress",
	wire.ResultSyncSuccess:     "done",
	wire.ResultSyncFail:        "failed, no quorum",
	wire.ResultInvalidArg:      "invalid argument or unknown ticket",
	wire.ResultNoSuchAttr:      "no such attribute",
	wire.ResultExtFailed:       "local listener rejected the ticket",
	wire.ResultAttrPrereq:      "attribute prerequisites not met",
	wire.ResultTicketIdle:      "ticket is not held by anyone",
	wire.ResultOvergrant:       "ticket is already granted",
	wire.ResultProbablySuccess: "done, some sites did not confirm",
	wire.ResultBusy:            "election in progress",
	wire.ResultRedirect:        "ticket is held by another site",
}

func describe(r wire.Result) string {
	if d, ok := descriptions[r]; ok {
		return d
	}
	return strings.TrimSpace(r.String())
}
