// Command vigil-cli is a small client for the vigil HTTP API.
//
// Usage:
//
//	vigil-cli [-url http://localhost:8080] <command> [args]
//
//	health                         service health
//	streams                        list streams
//	add <name> <url> [-start]      register a stream
//	start|stop|rm <stream-id>      control a stream
//	events [-status S] [-limit N]  list events
//	confirm|dismiss <event-id>     review an event
//	stats [-days N]                event statistics
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "vigil API base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := resty.New().SetBaseURL(*baseURL + "/api/v1")
	if err := dispatch(client, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dispatch(client *resty.Client, cmd string, args []string) error {
	switch cmd {
	case "health":
		return show(client.R().Get("/health"))

	case "streams":
		return show(client.R().Get("/streams"))

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		start := fs.Bool("start", false, "start immediately")
		fs.Parse(args)
		if fs.NArg() < 2 {
			return fmt.Errorf("usage: add <name> <url> [-start]")
		}
		return show(client.R().
			SetBody(map[string]any{
				"name":       fs.Arg(0),
				"url":        fs.Arg(1),
				"auto_start": *start,
			}).
			Post("/streams"))

	case "start", "stop":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s <stream-id>", cmd)
		}
		return show(client.R().Post("/streams/" + args[0] + "/" + cmd))

	case "rm":
		if len(args) < 1 {
			return fmt.Errorf("usage: rm <stream-id>")
		}
		return show(client.R().Delete("/streams/" + args[0]))

	case "events":
		fs := flag.NewFlagSet("events", flag.ExitOnError)
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("limit", 20, "page size")
		fs.Parse(args)
		req := client.R().SetQueryParam("limit", fmt.Sprint(*limit))
		if *status != "" {
			req.SetQueryParam("status", *status)
		}
		return show(req.Get("/events"))

	case "confirm", "dismiss":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s <event-id>", cmd)
		}
		return show(client.R().Post("/events/" + args[0] + "/" + cmd))

	case "stats":
		fs := flag.NewFlagSet("stats", flag.ExitOnError)
		days := fs.Int("days", 7, "trailing window in days")
		fs.Parse(args)
		return show(client.R().
			SetQueryParam("days", fmt.Sprint(*days)).
			Get("/events/statistics"))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// show pretty-prints the JSON response and fails on transport or API errors.
func show(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}

	var pretty map[string]any
	if jsonErr := json.Unmarshal(resp.Body(), &pretty); jsonErr != nil {
		fmt.Println(string(resp.Body()))
	} else {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	}

	if resp.IsError() {
		return fmt.Errorf("api returned %s", resp.Status())
	}
	return nil
}
