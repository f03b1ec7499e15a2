package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		listSessions(*jsonFlag)
		return
	}

	c, err := client.New(session.SocketPath(sessionName), session.HealthSocketPath(sessionName))
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	cmd := &command{c: c, json: *jsonFlag}
	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.watch(ctx, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmd.status(ctx)
	case "check":
		cmd.check(ctx)
	case "conversations":
		cmd.conversations(ctx)
	case "messages":
		cmd.messages(ctx, args[1:])
	case "send":
		cmd.send(ctx, args[1:])
	case "retry":
		cmd.retry(ctx, args[1:])
	case "discard":
		cmd.discard(ctx, args[1:])
	case "close":
		cmd.closeView(ctx, args[1:])
	case "read":
		cmd.read(ctx, args[1:])
	case "earlier":
		cmd.earlier(ctx, args[1:])
	case "search":
		cmd.search(ctx, args[1:])
	case "presence":
		cmd.presence(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon state and health")
	fmt.Fprintln(os.Stderr, "  check                           Probe connectivity now")
	fmt.Fprintln(os.Stderr, "  conversations                   List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conv>                 Show a conversation")
	fmt.Fprintln(os.Stderr, "  send [--file f] <conv> [text]   Compose a message")
	fmt.Fprintln(os.Stderr, "  retry [<conv> <msg>]            Retry one message, or run an outbox pass")
	fmt.Fprintln(os.Stderr, "  discard <conv> <msg>            Discard an unsent message")
	fmt.Fprintln(os.Stderr, "  close <conv>                    Close an open conversation view")
	fmt.Fprintln(os.Stderr, "  read <conv> <msg>...            Mark messages read")
	fmt.Fprintln(os.Stderr, "  earlier <conv>                  Load older history")
	fmt.Fprintln(os.Stderr, "  search [--conv c] <query>       Search cached messages")
	fmt.Fprintln(os.Stderr, "  presence <user>                 Show a user's presence")
	fmt.Fprintln(os.Stderr, "  watch [namespace]               Stream daemon events")
	fmt.Fprintln(os.Stderr, "  sessions                        List known sessions")
}

type sessionRow struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Configured bool   `json:"configured"`
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
}

func listSessions(jsonOut bool) {
	infos, err := session.List()
	if err != nil {
		fatalf("%v", err)
	}
	rows := make([]sessionRow, 0, len(infos))
	for _, in := range infos {
		row := sessionRow{Name: in.Name, Path: in.Dir, Configured: in.Configured}
		if holder, err := lock.Holder(in.Dir); err == nil {
			row.Running, row.PID = true, holder.PID
		}
		rows = append(rows, row)
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running, pid %d", r.PID)
		}
		if !r.Configured {
			state += ", no chatsync.toml"
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, state)
	}
}

type command struct {
	c    *client.Client
	json bool
}

func (cmd *command) status(ctx context.Context) {
	st, err := cmd.c.Status(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(st)
	} else {
		fmt.Printf("Session: %s\n", st.Session)
		fmt.Printf("State:   %s\n", st.State)
		fmt.Printf("Online:  %v\n", st.Online)
		if st.CacheDegraded {
			fmt.Println("Cache:   DEGRADED")
		}
		if len(st.Conversations) > 0 {
			fmt.Printf("Open:    %s\n", strings.Join(st.Conversations, ", "))
		}
	}

	for _, svc := range []string{"", daemon.HealthSync, daemon.HealthCache} {
		resp, err := cmd.c.Check(ctx, svc)
		if err != nil {
			fatalf("health %q: %v", svc, err)
		}
		name := svc
		if name == "" {
			name = "chatsyncd"
		}
		if cmd.json {
			b, _ := protojson.Marshal(resp)
			fmt.Printf("{\"service\":%q,\"health\":%s}\n", name, b)
			continue
		}
		fmt.Printf("%-15s %s\n", name+":", resp.Status)
	}
}

func (cmd *command) check(ctx context.Context) {
	online, err := cmd.c.CheckConnectivity(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(api.CheckResult{Online: online})
		return
	}
	if online {
		fmt.Println("online")
	} else {
		fmt.Println("offline")
	}
}

func (cmd *command) conversations(ctx context.Context) {
	convs, err := cmd.c.Conversations(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convs {
		name := cv.Name
		if name == "" {
			name = strings.Join(cv.Participants, ", ")
		}
		fmt.Printf("%-24s %-8s %s\n", cv.ID, cv.Kind, name)
		if cv.LastText != "" {
			fmt.Printf("    %s: %s\n", cv.LastSender, cv.LastText)
		}
	}
}

func (cmd *command) messages(ctx context.Context, args []string) {
	need(args, 1, "messages <conv>")
	msgs, err := cmd.c.Messages(ctx, args[0])
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		printMessage(m)
	}
}

func (cmd *command) send(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	file := fs.String("file", "", "attach a file")
	kind := fs.String("kind", "", "attachment kind: image, video, audio or file (default from extension)")
	_ = fs.Parse(args)
	args = fs.Args()
	need(args, 1, "send [--file f] [--kind k] <conv> [text]")

	req := api.SendRequest{Text: strings.Join(args[1:], " ")}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			fatalf("read attachment: %v", err)
		}
		req.Attachment = &api.SendAttachment{Data: data, Kind: *kind, Name: filepath.Base(*file)}
	}
	m, err := cmd.c.Send(ctx, args[0], req)
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(m)
		return
	}
	fmt.Printf("%s %s\n", m.ID, m.Status)
}

func (cmd *command) retry(ctx context.Context, args []string) {
	if len(args) == 0 {
		n, err := cmd.c.RetryAll(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if cmd.json {
			outputJSON(api.Count{Count: n})
			return
		}
		fmt.Printf("Retried %d message(s).\n", n)
		return
	}
	need(args, 2, "retry [<conv> <msg>]")
	if err := cmd.c.Retry(ctx, args[0], args[1]); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Retry scheduled.")
}

func (cmd *command) discard(ctx context.Context, args []string) {
	need(args, 2, "discard <conv> <msg>")
	if err := cmd.c.Discard(ctx, args[0], args[1]); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Discarded.")
}

func (cmd *command) closeView(ctx context.Context, args []string) {
	need(args, 1, "close <conv>")
	if err := cmd.c.CloseView(ctx, args[0]); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("Closed.")
}

func (cmd *command) read(ctx context.Context, args []string) {
	need(args, 2, "read <conv> <msg>...")
	changed, err := cmd.c.MarkRead(ctx, args[0], args[1:])
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(changed)
		return
	}
	fmt.Printf("Marked %d message(s) read.\n", len(changed))
}

func (cmd *command) earlier(ctx context.Context, args []string) {
	need(args, 1, "earlier <conv>")
	n, err := cmd.c.LoadEarlier(ctx, args[0])
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(api.Count{Count: n})
		return
	}
	if n == 0 {
		fmt.Println("No earlier messages.")
		return
	}
	fmt.Printf("Loaded %d earlier message(s).\n", n)
}

func (cmd *command) search(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	conv := fs.String("conv", "", "restrict to one conversation")
	limit := fs.Int("limit", 0, "maximum results")
	_ = fs.Parse(args)
	args = fs.Args()
	need(args, 1, "search [--conv c] [--limit n] <query>")

	results, err := cmd.c.Search(ctx, strings.Join(args, " "), *conv, *limit)
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		fmt.Printf("%-24s %s  %s\n", r.Message.ConversationID, r.Message.ID, r.Snippet)
	}
}

func (cmd *command) presence(ctx context.Context, args []string) {
	need(args, 1, "presence <user>")
	p, err := cmd.c.Presence(ctx, args[0])
	if err != nil {
		fatalf("%v", err)
	}
	if cmd.json {
		outputJSON(p)
		return
	}
	fmt.Printf("%s: %s", p.UserID, p.Status)
	if p.LastSeenMs > 0 {
		fmt.Printf(" (last seen %s)", time.UnixMilli(p.LastSeenMs).Format(time.DateTime))
	}
	fmt.Println()
}

func (cmd *command) watch(ctx context.Context, args []string) {
	ns := ""
	if len(args) > 0 {
		ns = args[0]
	}
	err := cmd.c.Events(ctx, ns, func(e api.Event) error {
		if cmd.json {
			outputJSON(e)
			return nil
		}
		payload, _ := json.Marshal(e.Payload)
		fmt.Printf("%s %-26s %s\n", time.UnixMilli(e.AtMs).Format(time.TimeOnly), e.Kind, payload)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}

func printMessage(m api.Message) {
	ts := time.UnixMilli(m.CreatedAtMs).Format(time.DateTime)
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	fmt.Printf("[%s] %s %s: %s", m.Status, ts, sender, m.Text)
	if a := m.Attachment; a != nil {
		switch {
		case a.URL != "":
			fmt.Printf(" <%s %s>", a.Kind, a.URL)
		case a.Upload != nil:
			fmt.Printf(" <%s %s", a.Kind, a.Upload.Phase)
			if a.Upload.Reason != "" {
				fmt.Printf(": %s", a.Upload.Reason)
			}
			fmt.Print(">")
		default:
			fmt.Printf(" <%s>", a.Kind)
		}
	}
	fmt.Printf("  (%s)\n", m.ID)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
