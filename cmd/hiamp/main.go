package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hiamp-dev/hiamp/internal/config"
	"github.com/hiamp-dev/hiamp/internal/gateway"
	"github.com/hiamp-dev/hiamp/internal/mcptools"
	"github.com/hiamp-dev/hiamp/internal/transport"
	"github.com/hiamp-dev/hiamp/pkg/envelope"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

func printUsage() {
	fmt.Println("hiamp - agent-to-agent messaging over issue trackers and chat")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  send       Send a message to a peer (interactive when fields are omitted)")
	fmt.Println("  inbox      List queued messages for a worker")
	fmt.Println("  ack        Acknowledge a received message")
	fmt.Println("  poll       Run one heartbeat poll cycle now")
	fmt.Println("  status     Show identity, transports and pending acknowledgments")
	fmt.Println("  schema     Print the envelope JSON schema")
	fmt.Println("  serve-mcp  Serve the messaging tools over MCP stdio")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  hiamp send --to bob/reviewer --intent request --body \"please review\" --ack")
	fmt.Println("  hiamp send                                 # prompts for the missing fields")
	fmt.Println("  hiamp inbox --worker main --drain")
	fmt.Println("  hiamp ack --to bob/reviewer --ref msg-1a2b3c4d")
	fmt.Println()
}

func main() {
	configPath := flag.String("config", "", "Path to config (default: $HOME/.hiamp/config.json)")
	logLevel := flag.String("log-level", "error", "Log level for CLI runs")
	help := flag.Bool("h", false, "Show this help message")
	flag.Usage = func() {
		printUsage()
		fmt.Println("Flags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *help || flag.NArg() == 0 {
		flag.Usage()
		return
	}

	cmd := flag.Arg(0)
	if cmd == "schema" {
		// Schema printing needs no gateway or config.
		out, err := envelope.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := pkgLogger.NewLoggerWithConsoleWriter(pkgLogger.LogLevel(*logLevel), os.Stderr)
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create gateway: %v\n", err)
		os.Exit(1)
	}
	defer gw.Close()

	ctx := context.Background()
	args := flag.Args()[1:]

	var runErr error
	switch cmd {
	case "send":
		runErr = runSend(ctx, gw, args)
	case "inbox":
		runErr = runInbox(gw, args)
	case "ack":
		runErr = runAck(ctx, gw, args)
	case "poll":
		runErr = runPoll(ctx, gw)
	case "status":
		runErr = runStatus(gw)
	case "serve-mcp":
		runErr = mcpserver.ServeStdio(mcptools.NewServer(gw))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func runSend(ctx context.Context, gw *gateway.Gateway, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "Target peer address, <owner>/<workerId>")
	intent := fs.String("intent", "", "Message intent (inform, request, handoff, question, answer, status, ack)")
	body := fs.String("body", "", "Message body")
	worker := fs.String("worker", "main", "Local worker sending the message")
	thread := fs.String("thread", "", "Thread id to continue")
	ref := fs.String("ref", "", "Message id this refers to")
	expires := fs.String("expires", "", "RFC 3339 expiry")
	requestAck := fs.Bool("ack", false, "Request an acknowledgment")
	transportName := fs.String("transport", "", "Transport to use (default: primary)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *to == "" {
		v, err := promptText("Send to (owner/workerId)")
		if err != nil {
			return err
		}
		*to = v
	}
	if *intent == "" {
		v, err := selectIntent()
		if err != nil {
			return err
		}
		*intent = v
	}
	if *body == "" {
		v, err := promptText("Message body")
		if err != nil {
			return err
		}
		*body = v
	}

	in := transport.SendInput{
		To:      *to,
		From:    envelope.JoinPeer(gw.Owner(), *worker),
		Worker:  *worker,
		Intent:  envelope.Intent(*intent),
		Body:    *body,
		Thread:  *thread,
		Ref:     *ref,
		Expires: *expires,
	}
	if *requestAck {
		in.Ack = envelope.AckRequested
	}

	res := gw.Send(ctx, *transportName, in)
	if !res.Success {
		return fmt.Errorf("send failed (%s): %s", res.Code, res.Error)
	}
	fmt.Printf("Sent %s\n  thread:  %s\n  channel: %s\n", res.MessageID, res.Thread, res.ChannelID)
	if in.Ack == envelope.AckRequested {
		fmt.Println("  acknowledgment requested")
	}
	return nil
}

func runInbox(gw *gateway.Gateway, args []string) error {
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	worker := fs.String("worker", "main", "Worker whose inbox to read")
	drain := fs.Bool("drain", false, "Remove the listed messages from the queue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := gw.Inbox().List(*worker)
	if *drain {
		entries, err = gw.Inbox().Drain(*worker)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("Inbox for %q is empty.\n", *worker)
		return nil
	}

	fmt.Printf("%d message(s) for %q:\n", len(entries), *worker)
	for i, d := range entries {
		m := d.Message
		fmt.Printf("\n%d. %s\n", i+1, m.Summary())
		fmt.Printf("   id: %s  thread: %s\n", m.ID, m.Thread)
		if m.Ref != "" {
			fmt.Printf("   ref: %s\n", m.Ref)
		}
		fmt.Printf("   channel: %s  delivered: %s\n", d.ChannelID, d.DeliveredAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("   %s\n", m.Body)
		if m.AckWanted() {
			fmt.Printf("   ACK REQUESTED: hiamp ack --to %s --ref %s --thread %s\n", m.From, m.ID, m.Thread)
		}
	}
	return nil
}

func runAck(ctx context.Context, gw *gateway.Gateway, args []string) error {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	to := fs.String("to", "", "Peer address of the original sender")
	ref := fs.String("ref", "", "Message id being acknowledged")
	thread := fs.String("thread", "", "Thread id of the conversation")
	worker := fs.String("worker", "main", "Local worker acknowledging")
	body := fs.String("body", "Received.", "Acknowledgment note")
	transportName := fs.String("transport", "", "Transport to use (default: primary)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" || *ref == "" {
		return fmt.Errorf("--to and --ref are required")
	}

	res := gw.Send(ctx, *transportName, transport.SendInput{
		To:     *to,
		From:   envelope.JoinPeer(gw.Owner(), *worker),
		Worker: *worker,
		Intent: envelope.IntentAck,
		Body:   *body,
		Thread: *thread,
		Ref:    *ref,
	})
	if !res.Success {
		return fmt.Errorf("ack failed (%s): %s", res.Code, res.Error)
	}
	fmt.Printf("Acknowledged %s with %s\n", *ref, res.MessageID)
	return nil
}

func runPoll(ctx context.Context, gw *gateway.Gateway) error {
	res, err := gw.PollOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Poll complete: %d comment(s) found, %d routed, %d inform fallback(s), %d error(s)\n",
		res.CommentsFound, res.HiampMessagesRouted, res.InformMessagesDelivered, res.Errors)
	for _, r := range res.Results {
		if r.RouteError != "" {
			fmt.Printf("  %s on %s: %s\n", r.CommentID, r.IssueID, r.RouteError)
		}
	}
	return nil
}

func runStatus(gw *gateway.Gateway) error {
	fmt.Printf("Owner:      %s\n", gw.Owner())
	fmt.Printf("Transports: %s\n", strings.Join(gw.TransportNames(), ", "))
	if gw.KillSwitch().Engaged() {
		fmt.Println("Kill switch: ENGAGED, outbound sends blocked")
	} else {
		fmt.Println("Kill switch: off")
	}

	pending := gw.Acks().Pending()
	fmt.Printf("Pending acknowledgments: %d\n", len(pending))
	for _, e := range pending {
		fmt.Printf("  %s -> %s  sent %s  deadline %s  retries %d\n",
			e.MessageID, e.Target,
			e.SentAt.Format("15:04:05"), e.ExpiresAt.Format("15:04:05"), e.Retries)
	}
	return nil
}

type intentChoice struct {
	Name        string
	Description string
}

// selectIntent shows an interactive intent selector using promptui.
func selectIntent() (string, error) {
	choices := []intentChoice{
		{"inform", "FYI, no reply expected"},
		{"request", "Asks the peer to do work"},
		{"handoff", "Transfers ownership of a task"},
		{"question", "Expects an answer"},
		{"answer", "Answers a question (set --ref)"},
		{"status", "Progress update"},
		{"ack", "Acknowledges receipt (set --ref)"},
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}?",
		Active:   "▸ {{ .Name | cyan }} - {{ .Description | faint }}",
		Inactive: "  {{ .Name | cyan }} - {{ .Description | faint }}",
		Selected: "{{ .Name | cyan }}",
	}

	searcher := func(input string, index int) bool {
		name := strings.ToLower(choices[index].Name)
		input = strings.ReplaceAll(strings.ToLower(input), " ", "")
		return strings.Contains(name, input)
	}

	prompt := promptui.Select{
		Label:     "Choose an intent",
		Items:     choices,
		Templates: templates,
		Size:      10,
		Searcher:  searcher,
	}

	i, _, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			return "", fmt.Errorf("cancelled")
		}
		return "", err
	}
	return choices[i].Name, nil
}

func promptText(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("value required")
			}
			return nil
		},
	}
	v, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			return "", fmt.Errorf("cancelled")
		}
		return "", err
	}
	return strings.TrimSpace(v), nil
}
