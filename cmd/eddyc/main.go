package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/EddyLabs/eddy/client"
	"github.com/EddyLabs/eddy/models"
	"github.com/fatih/color"
)

var (
	logger   *slog.Logger
	webAddr  string
	sockAddr string
	secret   string
	verbose  bool
)

func init() {
	logOpts := &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, logOpts))

	flag.StringVar(&webAddr, "web", "http://localhost:3000", "HTTP service address")
	flag.StringVar(&sockAddr, "sock", "ws://localhost:5000", "socket service address")
	flag.StringVar(&secret, "secret", os.Getenv("EDDY_SECRET"), "instance secret (enables auth)")
	flag.BoolVar(&verbose, "v", false, "verbose client logging")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  get <resource>                       read a resource")
	fmt.Fprintln(os.Stderr, "  set <resource> <json> [revision]     write a resource, optionally conditional")
	fmt.Fprintln(os.Stderr, "  watch <resource>                     stream change events until interrupted")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	os.Exit(1)
}

func getClient() *client.Client {
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	authToken := ""
	if secret != "" {
		secHash := sha256.New()
		secHash.Write([]byte(secret))
		authToken = hex.EncodeToString(secHash.Sum(nil))
	}

	c, err := client.NewClient(&client.Config{
		WebAddress:  webAddr,
		SockAddress: sockAddr,
		AuthToken:   authToken,
		Logger:      logger,
	})
	if err != nil {
		color.Red("Failed to create client: %v", err)
		os.Exit(1)
	}
	return c
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := getClient()

	switch args[0] {
	case "get":
		if len(args) != 2 {
			usage()
		}
		doGet(ctx, c, args[1])
	case "set":
		if len(args) != 3 && len(args) != 4 {
			usage()
		}
		doSet(ctx, c, args[1:])
	case "watch":
		if len(args) != 2 {
			usage()
		}
		doWatch(ctx, c, args[1])
	default:
		color.Red("Unknown command: %s", args[0])
		usage()
	}
}

func doGet(ctx context.Context, c *client.Client, resource string) {
	doc, err := client.WithRetries(ctx, logger, func() (models.Document, error) {
		return c.Read(ctx, resource)
	})
	if err != nil {
		color.Red("Get failed: %v", err)
		os.Exit(1)
	}

	color.Cyan("%s @ revision %d (updated %s)", doc.Resource, doc.Revision, doc.UpdatedAt.Format(time.RFC3339))
	pretty, err := json.MarshalIndent(json.RawMessage(doc.Payload), "", "  ")
	if err != nil {
		fmt.Println(string(doc.Payload))
		return
	}
	fmt.Println(string(pretty))
}

func doSet(ctx context.Context, c *client.Client, args []string) {
	resource := args[0]
	payload := json.RawMessage(args[1])
	if !json.Valid(payload) {
		color.Red("Payload is not valid JSON")
		os.Exit(1)
	}

	var expected int64
	if len(args) == 3 {
		var err error
		expected, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			color.Red("Revision must be an integer: %v", err)
			os.Exit(1)
		}
	}

	revision, err := client.WithRetries(ctx, logger, func() (int64, error) {
		return c.Write(ctx, resource, payload, expected)
	})
	if err != nil {
		color.Red("Set failed: %v", err)
		os.Exit(1)
	}
	color.Green("OK %s @ revision %d", resource, revision)
}

func doWatch(ctx context.Context, c *client.Client, resource string) {
	color.Yellow("Watching %s (interrupt to stop)...", resource)

	err := c.Watch(ctx, resource, func(ev models.ChangeEvent) {
		color.Cyan("%s @ revision %d", ev.Resource, ev.Revision)
		fmt.Println(string(ev.Payload))
	})
	if err != nil && ctx.Err() == nil {
		color.Red("Watch failed: %v", err)
		os.Exit(1)
	}
}
