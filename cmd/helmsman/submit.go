package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	template := fs.String("template", "", "environment template for the task")
	providerName := fs.String("provider", "", "model provider override")
	modelName := fs.String("model", "", "model override")
	plan := fs.Bool("plan", false, "require a plan before execution")
	attach := fs.String("attach", "", "comma-separated host files to push into the environment")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: helmsman submit [flags] <description>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	description := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if description == "" {
		fs.Usage()
		return 2
	}

	var attachments []string
	for _, a := range strings.Split(*attach, ",") {
		if a = strings.TrimSpace(a); a != "" {
			attachments = append(attachments, a)
		}
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payload := map[string]any{
		"description": description,
	}
	if *template != "" {
		payload["template"] = *template
	}
	if *providerName != "" {
		payload["provider"] = *providerName
	}
	if *modelName != "" {
		payload["model"] = *modelName
	}
	if *plan {
		payload["plan_required"] = true
	}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := client.do(reqCtx, "POST", "/api/tasks", payload, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	fmt.Println(resp.ID)
	return 0
}
