// nashctl is an interactive console for a nash-stats server.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/nashlabs/nash-stats/internal/client"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

var commands = []prompt.Suggest{
	{Text: "ping", Description: "Check server liveness"},
	{Text: "ingest", Description: "ingest <name> <value> [tag=val ...]"},
	{Text: "query", Description: "query <key> [start_ms end_ms] [limit]"},
	{Text: "flush", Description: "flush <key> <window_start_ms>"},
	{Text: "keys", Description: "List metric keys"},
	{Text: "help", Description: "Show commands"},
	{Text: "exit", Description: "Close the console"},
}

type console struct {
	c *client.Client
}

func main() {
	addr := flag.String("addr", "localhost:9440", "server address")
	token := flag.String("token", "", "auth token (or NASH_STATS_TOKEN env, prompted if empty)")
	noTLS := flag.Bool("no-tls", false, "connect without TLS")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	flag.Parse()

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("NASH_STATS_TOKEN")
	}
	if authToken == "" {
		var err error
		authToken, err = promptToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read token: %v\n", err)
			os.Exit(1)
		}
	}

	c := client.New(&client.Config{
		Addr:           *addr,
		Token:          authToken,
		TLS:            !*noTLS,
		TLSSkipVerify:  *insecure,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	})
	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("Connected to %s. Type 'help' for commands, 'exit' to quit.\n", *addr)

	cons := &console{c: c}
	p := prompt.New(
		cons.execute,
		completer,
		prompt.OptionPrefix("nash-stats> "),
		prompt.OptionTitle("nashctl"),
	)
	p.Run()
}

// promptToken reads the token from the terminal without echo.
func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "Token: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func completer(d prompt.Document) []prompt.Suggest {
	if d.TextBeforeCursor() == "" {
		return nil
	}
	args := strings.Fields(d.TextBeforeCursor())
	if len(args) > 1 || strings.HasSuffix(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}

func (cons *console) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "ping":
		start := time.Now()
		if err := cons.c.Ping(); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("pong (%s)\n", time.Since(start).Round(time.Microsecond))

	case "ingest":
		cons.ingest(args[1:])

	case "query":
		cons.query(args[1:])

	case "flush":
		cons.flush(args[1:])

	case "keys":
		keys, err := cons.c.Keys()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
		fmt.Printf("%d key(s)\n", len(keys))

	case "help":
		for _, cmd := range commands {
			fmt.Printf("  %-8s %s\n", cmd.Text, cmd.Description)
		}

	case "exit", "quit":
		cons.c.Close()
		os.Exit(0)

	default:
		fmt.Printf("unknown command %q (try 'help')\n", args[0])
	}
}

func (cons *console) ingest(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: ingest <name> <value> [tag=val ...]")
		return
	}

	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Printf("bad value %q: %v\n", args[1], err)
		return
	}

	var tags map[string]string
	for _, arg := range args[2:] {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Printf("bad tag %q (want key=value)\n", arg)
			return
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[k] = v
	}

	ack, err := cons.c.Ingest([]types.Sample{{
		Name:        args[0],
		Value:       value,
		TimestampMs: time.Now().UnixMilli(),
		Tags:        tags,
	}})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(ack.Rejected) > 0 {
		fmt.Printf("rejected: %s\n", ack.Rejected[0].Message)
		return
	}
	fmt.Printf("accepted %d sample(s)\n", ack.Accepted)
}

func (cons *console) query(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: query <key> [start_ms end_ms] [limit]")
		return
	}

	var startMs, endMs int64
	limit := 0
	var err error
	switch len(args) {
	case 1:
	case 2:
		if limit, err = strconv.Atoi(args[1]); err != nil {
			fmt.Printf("bad limit %q\n", args[1])
			return
		}
	case 3, 4:
		if startMs, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			fmt.Printf("bad start %q\n", args[1])
			return
		}
		if endMs, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			fmt.Printf("bad end %q\n", args[2])
			return
		}
		if len(args) == 4 {
			if limit, err = strconv.Atoi(args[3]); err != nil {
				fmt.Printf("bad limit %q\n", args[3])
				return
			}
		}
	default:
		fmt.Println("usage: query <key> [start_ms end_ms] [limit]")
		return
	}

	windows, err := cons.c.Query(args[0], startMs, endMs, limit)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(windows) == 0 {
		fmt.Println("no windows")
		return
	}
	printWindows(windows)
}

func (cons *console) flush(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: flush <key> <window_start_ms>")
		return
	}
	startMs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("bad window start %q\n", args[1])
		return
	}

	window, found, err := cons.c.Flush(args[0], startMs)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if !found {
		fmt.Println("no open window")
		return
	}
	printWindows([]types.WindowAggregate{*window})
}

func printWindows(windows []types.WindowAggregate) {
	fmt.Printf("%-24s %8s %12s %12s %12s %12s\n",
		"WINDOW", "COUNT", "SUM", "MIN", "MAX", "P99")
	for _, w := range windows {
		p99 := "-"
		if w.P99 != nil {
			p99 = strconv.FormatFloat(*w.P99, 'g', 6, 64)
		}
		fmt.Printf("%-24s %8d %12g %12g %12g %12s\n",
			time.UnixMilli(w.WindowStart).UTC().Format("2006-01-02T15:04:05Z"),
			w.Count, w.Sum, w.Min, w.Max, p99)
	}
	fmt.Printf("%d window(s)\n", len(windows))
}
